package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quantum is the smallest representable monetary unit. Amounts are stored as
// NUMERIC(30,12), so allocation math truncates at 12 fractional digits.
var Quantum = decimal.New(1, -12)

// QuantumExp is the exponent of Quantum, used for truncation.
const QuantumExp int32 = 12

// Epsilon is the reconciliation auto-resolve threshold: discrepancies smaller
// than this are considered noise and closed immediately.
var Epsilon = decimal.New(1, -6)

// AccountType classifies a logical account
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// IsValid returns true if the account type is recognized
func (t AccountType) IsValid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity,
		AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether debits increase this account type.
// Asset and expense accounts are debit-normal; liability, equity and revenue
// accounts carry the opposite sign.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// AccountStatus is the lifecycle state of an account. Accounts are never
// hard-deleted; deactivation only blocks new postings.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInactive AccountStatus = "INACTIVE"
)

// IsValid returns true if the account status is recognized
func (s AccountStatus) IsValid() bool {
	return s == AccountStatusActive || s == AccountStatusInactive
}

// LogicalAccount represents an abstract account category (Treasury,
// Operations, Reserve, ...). Balance is a cache derived from the transaction
// log; the log is authoritative.
type LogicalAccount struct {
	ID        uuid.UUID
	Name      string
	Type      AccountType
	Status    AccountStatus
	Currency  string
	Balance   decimal.Decimal
	Metadata  map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks account invariants
func (a *LogicalAccount) Validate() error {
	if a.Name == "" {
		return ErrEmptyAccountName
	}
	if !a.Type.IsValid() {
		return ErrInvalidAccountType
	}
	if !a.Status.IsValid() {
		return ErrInvalidAccountStatus
	}
	return nil
}

// TransactionType is the kind of movement a transaction represents
type TransactionType string

const (
	TxTypeDeposit    TransactionType = "DEPOSIT"
	TxTypeWithdrawal TransactionType = "WITHDRAWAL"
	TxTypeTransfer   TransactionType = "TRANSFER"
	TxTypeAllocation TransactionType = "ALLOCATION"
	TxTypeCorrection TransactionType = "CORRECTION"
)

// IsValid returns true if the transaction type is recognized
func (t TransactionType) IsValid() bool {
	switch t {
	case TxTypeDeposit, TxTypeWithdrawal, TxTypeTransfer,
		TxTypeAllocation, TxTypeCorrection:
		return true
	}
	return false
}

// Reserved reports whether this type may only be created by the system.
// Allocations come from the allocation engine, corrections from
// reconciliation; neither is accepted on the public create path.
func (t TransactionType) Reserved() bool {
	return t == TxTypeAllocation || t == TxTypeCorrection
}

// Direction is the posting side of a transaction against its account
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// IsValid returns true if the direction is recognized
func (d Direction) IsValid() bool {
	return d == Debit || d == Credit
}

// IncreaseDirection returns the posting direction that increases an account
// of the given type.
func IncreaseDirection(t AccountType) Direction {
	if t.DebitNormal() {
		return Debit
	}
	return Credit
}

// DecreaseDirection returns the posting direction that decreases an account
// of the given type.
func DecreaseDirection(t AccountType) Direction {
	if t.DebitNormal() {
		return Credit
	}
	return Debit
}

// TransactionStatus is the lifecycle state of a transaction
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusCompleted TransactionStatus = "COMPLETED"
	TxStatusFailed    TransactionStatus = "FAILED"
	TxStatusCancelled TransactionStatus = "CANCELLED"
)

// IsValid returns true if the transaction status is recognized
func (s TransactionStatus) IsValid() bool {
	switch s {
	case TxStatusPending, TxStatusCompleted, TxStatusFailed, TxStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final
func (s TransactionStatus) Terminal() bool {
	return s == TxStatusCompleted || s == TxStatusFailed || s == TxStatusCancelled
}

// CanTransitionTo reports whether the status lattice permits moving to next.
// PENDING may move to any terminal state; terminal states never change.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if !next.IsValid() {
		return false
	}
	if s == next {
		return false
	}
	return s == TxStatusPending && next.Terminal()
}

// Transaction is a single ledger movement. Allocations reference their parent
// through ParentTransactionID; a completed parent owns its children.
type Transaction struct {
	ID                  uuid.UUID
	Type                TransactionType
	Direction           Direction
	Amount              decimal.Decimal
	Currency            string
	Status              TransactionStatus
	Description         *string
	LogicalAccountID    *uuid.UUID
	ParentTransactionID *uuid.UUID
	ExternalTxHash      *string
	Metadata            map[string]interface{}
	TransactionDate     time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate checks transaction invariants
func (t *Transaction) Validate() error {
	if !t.Type.IsValid() {
		return ErrInvalidTransactionType
	}
	if !t.Direction.IsValid() {
		return ErrInvalidDirection
	}
	if !t.Status.IsValid() {
		return ErrInvalidTransactionStatus
	}
	if t.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	if t.Currency == "" {
		return ErrEmptyCurrency
	}
	return nil
}

// SignedAmount returns the balance effect of this transaction on an account
// of the given type: positive when the posting increases the account's
// natural balance, negative when it decreases it.
func (t *Transaction) SignedAmount(accountType AccountType) decimal.Decimal {
	if t.Direction == IncreaseDirection(accountType) {
		return t.Amount
	}
	return t.Amount.Neg()
}

// RuleItem is one slot of an allocation rule: a destination account and the
// percentage of the parent amount it receives.
type RuleItem struct {
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Percentage           decimal.Decimal `json:"percentage"`
	Description          string          `json:"description,omitempty"`
}

// AllocationRule is a named ordered list of destination/percentage pairs.
// Percentages must sum to 100 within a 0.01 tolerance; slot order is
// significant because the last slot absorbs rounding residue.
type AllocationRule struct {
	ID          uuid.UUID
	Name        string
	Rules       []RuleItem
	Active      bool
	Description *string
	CreatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReconciliationLog records one comparison of an account's internal balance
// against an externally reported balance.
type ReconciliationLog struct {
	ID                      uuid.UUID
	LogicalAccountID        uuid.UUID
	ExternalBalance         decimal.Decimal
	InternalBalance         decimal.Decimal
	Discrepancy             decimal.Decimal
	Currency                string
	Resolved                bool
	ResolvedAt              *time.Time
	ResolvedBy              *string
	ResolutionNotes         *string
	CorrectionTransactionID *uuid.UUID
	CreatedAt               time.Time
}

// AuditLog is one append-only audit trail entry
type AuditLog struct {
	ID         uuid.UUID
	Action     string
	Actor      string
	TargetID   *uuid.UUID
	TargetType string
	Details    map[string]interface{}
	IPAddress  *string
	UserAgent  *string
	CreatedAt  time.Time
}
