package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
	"github.com/clearledger/ledgerd/pkg/logger"
)

// Service orchestrates the transactional write path: creating transactions,
// completing them, and triggering allocation. Every mutating operation runs
// inside one unit of work together with its balance updates and audit entry;
// a caller observes either the full effect or nothing.
type Service struct {
	repo   Repository
	engine *AllocationEngine
	audit  *AuditWriter
	log    *logger.Logger
}

// NewService creates a new transaction service
func NewService(repo Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		engine: NewAllocationEngine(repo),
		audit:  NewAuditWriter(repo),
		log:    log,
	}
}

// CreateTransactionRequest carries the fields accepted on the create path
type CreateTransactionRequest struct {
	Type             TransactionType
	Amount           decimal.Decimal
	Currency         string
	Direction        *Direction // required for TRANSFER, derived otherwise
	LogicalAccountID *uuid.UUID
	Description      *string
	ExternalTxHash   *string
	Metadata         map[string]interface{}
	TransactionDate  *time.Time
	AutoComplete     bool
	RuleName         *string
}

// UpdateTransactionRequest carries the mutable fields of a transaction
type UpdateTransactionRequest struct {
	Status      *TransactionStatus
	Description *string
	Metadata    map[string]interface{}
	RuleName    *string
}

// Create records a new transaction. The transaction starts PENDING unless
// AutoComplete is set, in which case completion (balance posting plus
// allocation for deposits) happens in the same unit of work.
func (s *Service) Create(ctx context.Context, req CreateTransactionRequest, rc RequestContext) (*Transaction, error) {
	if !req.Type.IsValid() {
		return nil, apperrors.Validationf("invalid transaction type %q", req.Type)
	}
	if req.Type.Reserved() {
		return nil, apperrors.Validationf("%s transactions are created by the system", req.Type)
	}
	if req.Amount.IsNegative() {
		return nil, apperrors.Validation("amount cannot be negative")
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	var tx *Transaction
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		var account *LogicalAccount
		if req.LogicalAccountID != nil {
			var err error
			account, err = s.repo.GetAccount(ctx, *req.LogicalAccountID)
			if err != nil {
				return err
			}
			if account.Status != AccountStatusActive {
				return apperrors.Validationf("account %s is not active", account.Name)
			}
		}

		// Idempotency: a retried request carrying the same external hash
		// must not create a second transaction.
		if req.ExternalTxHash != nil && *req.ExternalTxHash != "" {
			existing, err := s.repo.GetTransactionByExternalHash(ctx, *req.ExternalTxHash)
			if err != nil && apperrors.HTTPStatus(err) != 404 {
				return err
			}
			if existing != nil {
				return apperrors.Conflict(fmt.Sprintf(
					"transaction with external hash %s already exists",
					ObfuscateValue(*req.ExternalTxHash)))
			}
		}

		direction, err := deriveDirection(req, account)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		txDate := now
		if req.TransactionDate != nil {
			txDate = req.TransactionDate.UTC()
		}

		metadata := req.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}

		tx = &Transaction{
			ID:               uuid.New(),
			Type:             req.Type,
			Direction:        direction,
			Amount:           req.Amount,
			Currency:         req.Currency,
			Status:           TxStatusPending,
			Description:      req.Description,
			LogicalAccountID: req.LogicalAccountID,
			ExternalTxHash:   req.ExternalTxHash,
			Metadata:         metadata,
			TransactionDate:  txDate,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid transaction")
		}

		if err := s.repo.CreateTransaction(ctx, tx); err != nil {
			return err
		}

		allocated := 0
		if req.AutoComplete {
			n, err := s.complete(ctx, tx, account, req.RuleName)
			if err != nil {
				return err
			}
			allocated = n
		}

		_, err = s.audit.Write(ctx, ActionCreateTransaction, rc, &tx.ID, "ledger_transaction",
			map[string]interface{}{
				"type":             string(tx.Type),
				"amount":           tx.Amount.String(),
				"currency":         tx.Currency,
				"status":           string(tx.Status),
				"allocation_count": allocated,
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Info("transaction created",
		"transaction_id", tx.ID, "type", tx.Type, "status", tx.Status)
	return tx, nil
}

// Update applies a patch to a transaction. Status changes must follow the
// PENDING -> {COMPLETED, FAILED, CANCELLED} lattice; a PENDING -> COMPLETED
// transition runs the completion step under the parent row lock.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateTransactionRequest, rc RequestContext) (*Transaction, error) {
	var tx *Transaction
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		var err error
		// Row lock serializes concurrent completions of the same transaction.
		tx, err = s.repo.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}

		changed := map[string]interface{}{}

		if req.Description != nil {
			tx.Description = req.Description
			changed["description"] = *req.Description
		}
		if req.Metadata != nil {
			tx.Metadata = req.Metadata
			changed["metadata"] = "updated"
		}

		completing := false
		if req.Status != nil && *req.Status != tx.Status {
			if !tx.Status.CanTransitionTo(*req.Status) {
				return apperrors.Conflict(fmt.Sprintf(
					"cannot transition transaction from %s to %s", tx.Status, *req.Status))
			}
			completing = *req.Status == TxStatusCompleted
			tx.Status = *req.Status
			changed["status"] = string(*req.Status)
		} else if req.Status != nil && tx.Status.Terminal() {
			// A repeated attempt to finalize is a lost race, not a no-op
			return apperrors.Conflict(fmt.Sprintf("transaction is already %s", tx.Status))
		}

		tx.UpdatedAt = time.Now().UTC()
		if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
			return err
		}

		allocated := 0
		if completing {
			var account *LogicalAccount
			if tx.LogicalAccountID != nil {
				account, err = s.repo.GetAccount(ctx, *tx.LogicalAccountID)
				if err != nil {
					return err
				}
			}
			allocated, err = s.complete(ctx, tx, account, req.RuleName)
			if err != nil {
				return err
			}
			changed["allocation_count"] = allocated
		}

		_, err = s.audit.Write(ctx, ActionUpdateTransaction, rc, &tx.ID, "ledger_transaction", changed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// complete posts the balance effect of a now-COMPLETED transaction and, for
// deposits, runs the allocation engine when an active rule exists. Returns
// the number of allocations created. Must run inside a unit of work.
func (s *Service) complete(ctx context.Context, tx *Transaction, account *LogicalAccount, ruleName *string) (int, error) {
	if tx.Status != TxStatusCompleted {
		tx.Status = TxStatusCompleted
		if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
			return 0, err
		}
	}

	if account != nil {
		deltas := map[uuid.UUID]decimal.Decimal{
			account.ID: tx.SignedAmount(account.Type),
		}
		if err := s.repo.AdjustAccountBalances(ctx, deltas); err != nil {
			return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update account balance")
		}
	}

	// Only incoming funds are split; corrections and the allocations
	// themselves never re-enter the engine.
	if tx.Type != TxTypeDeposit {
		return 0, nil
	}

	rule, err := s.repo.GetActiveAllocationRule(ctx, ruleName)
	if err != nil {
		return 0, err
	}
	if rule == nil {
		if ruleName != nil {
			return 0, apperrors.NotFound(fmt.Sprintf("active allocation rule %q", *ruleName))
		}
		return 0, nil
	}

	allocations, err := s.engine.Apply(ctx, tx, rule)
	if err != nil {
		return 0, err
	}
	return len(allocations), nil
}

// Get retrieves a transaction by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if errors.Is(err, ErrConnectionLost) {
		tx, err = s.repo.GetTransaction(ctx, id)
	}
	return tx, err
}

// List returns transactions matching the filters. Limit is capped at 1000.
func (s *Service) List(ctx context.Context, filters TransactionFilters) ([]*Transaction, error) {
	if filters.Limit <= 0 {
		filters.Limit = 100
	}
	if filters.Limit > 1000 {
		filters.Limit = 1000
	}

	txs, err := s.repo.ListTransactions(ctx, filters)
	if errors.Is(err, ErrConnectionLost) {
		txs, err = s.repo.ListTransactions(ctx, filters)
	}
	return txs, err
}

// deriveDirection resolves the posting direction for a new transaction.
// Deposits increase the subject account, withdrawals decrease it, transfers
// carry an explicit direction.
func deriveDirection(req CreateTransactionRequest, account *LogicalAccount) (Direction, error) {
	accountType := AccountTypeAsset
	if account != nil {
		accountType = account.Type
	}

	switch req.Type {
	case TxTypeDeposit:
		return IncreaseDirection(accountType), nil
	case TxTypeWithdrawal:
		return DecreaseDirection(accountType), nil
	case TxTypeTransfer:
		if req.Direction == nil || !req.Direction.IsValid() {
			return "", apperrors.Validation("transfer requires an explicit direction")
		}
		return *req.Direction, nil
	default:
		return "", apperrors.Validationf("cannot derive direction for %s", req.Type)
	}
}
