package ledger

import "errors"

// Account errors
var (
	ErrEmptyAccountName     = errors.New("account name cannot be empty")
	ErrInvalidAccountType   = errors.New("invalid account type")
	ErrInvalidAccountStatus = errors.New("invalid account status")
)

// Transaction errors
var (
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidDirection         = errors.New("invalid posting direction")
	ErrNegativeAmount           = errors.New("amount cannot be negative")
	ErrEmptyCurrency            = errors.New("currency cannot be empty")
)

// ErrConnectionLost marks transient store failures. The service layer retries
// idempotent reads once when it sees this; writes are never auto-retried.
var ErrConnectionLost = errors.New("database connection lost")
