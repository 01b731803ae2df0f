package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository defines the persistence contract for the ledger. All methods
// participate in the unit of work carried in the context when one is open
// (see BeginTx); otherwise they run standalone.
type Repository interface {
	// Account operations
	CreateAccount(ctx context.Context, account *LogicalAccount) error
	GetAccount(ctx context.Context, id uuid.UUID) (*LogicalAccount, error)
	GetAccountByName(ctx context.Context, name string) (*LogicalAccount, error)
	ListAccounts(ctx context.Context, filters AccountFilters) ([]*LogicalAccount, error)
	UpdateAccount(ctx context.Context, account *LogicalAccount) error
	// FindMissingAccounts returns the subset of ids with no matching account.
	FindMissingAccounts(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	// AdjustAccountBalances applies cached-balance deltas in a single write.
	AdjustAccountBalances(ctx context.Context, deltas map[uuid.UUID]decimal.Decimal) error
	// HasPostedTransactions reports whether any COMPLETED transaction
	// references the account; used to freeze the account type.
	HasPostedTransactions(ctx context.Context, accountID uuid.UUID) (bool, error)

	// Transaction operations
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// GetTransactionForUpdate takes a row-level lock; valid only inside a
	// unit of work. Concurrent completions of the same parent serialize here.
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransactionByExternalHash(ctx context.Context, hash string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, filters TransactionFilters) ([]*Transaction, error)
	ListChildAllocations(ctx context.Context, parentID uuid.UUID) ([]*Transaction, error)
	// SumPostedAmounts returns the debit-minus-credit aggregate over all
	// COMPLETED transactions on the account at or before asOf (nil = now).
	SumPostedAmounts(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (decimal.Decimal, error)

	// Allocation rule operations
	CreateAllocationRule(ctx context.Context, rule *AllocationRule) error
	GetAllocationRule(ctx context.Context, id uuid.UUID) (*AllocationRule, error)
	GetAllocationRuleByName(ctx context.Context, name string) (*AllocationRule, error)
	// GetActiveAllocationRule returns the active rule with the given name, or
	// the first active rule when name is nil. Nil result means no active rule.
	GetActiveAllocationRule(ctx context.Context, name *string) (*AllocationRule, error)
	ListAllocationRules(ctx context.Context, filters RuleFilters) ([]*AllocationRule, error)
	UpdateAllocationRule(ctx context.Context, rule *AllocationRule) error

	// Reconciliation operations
	CreateReconciliationLog(ctx context.Context, log *ReconciliationLog) error
	GetReconciliationLog(ctx context.Context, id uuid.UUID) (*ReconciliationLog, error)
	UpdateReconciliationLog(ctx context.Context, log *ReconciliationLog) error
	ListReconciliationLogs(ctx context.Context, filters ReconciliationFilters) ([]*ReconciliationLog, error)

	// Audit operations (append-only)
	CreateAuditLog(ctx context.Context, entry *AuditLog) error

	// Unit of work. BeginTx returns a derived context carrying the open
	// transaction; Commit/Rollback consume it.
	BeginTx(ctx context.Context) (context.Context, error)
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error
}

// AccountFilters narrows account listings
type AccountFilters struct {
	Type   *AccountType
	Status *AccountStatus
}

// TransactionFilters narrows transaction listings
type TransactionFilters struct {
	Status    *TransactionStatus
	Type      *TransactionType
	AccountID *uuid.UUID
	Skip      int
	Limit     int
}

// RuleFilters narrows allocation rule listings
type RuleFilters struct {
	ActiveOnly bool
	Skip       int
	Limit      int
}

// ReconciliationFilters narrows reconciliation log listings
type ReconciliationFilters struct {
	AccountID *uuid.UUID
	Resolved  *bool
	Skip      int
	Limit     int
}

// runInTx executes fn inside a unit of work: everything commits together or
// rolls back together.
func runInTx(ctx context.Context, repo Repository, fn func(ctx context.Context) error) error {
	txCtx, err := repo.BeginTx(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = repo.RollbackTx(txCtx)
		}
	}()

	if err := fn(txCtx); err != nil {
		return err
	}

	if err := repo.CommitTx(txCtx); err != nil {
		return err
	}
	committed = true
	return nil
}
