package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

// ReconciliationService compares internal balances against externally
// reported ones, records discrepancies, and resolves them either manually or
// by posting a correction transaction.
type ReconciliationService struct {
	repo     Repository
	balances *BalanceCalculator
	audit    *AuditWriter
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(repo Repository) *ReconciliationService {
	return &ReconciliationService{
		repo:     repo,
		balances: NewBalanceCalculator(repo),
		audit:    NewAuditWriter(repo),
	}
}

// CreateLog snapshots the internal balance, compares it to the external one,
// and records the discrepancy. Discrepancies below Epsilon are closed
// immediately as noise.
func (s *ReconciliationService) CreateLog(
	ctx context.Context,
	accountID uuid.UUID,
	externalBalance decimal.Decimal,
	currency string,
	rc RequestContext,
) (*ReconciliationLog, error) {
	if currency == "" {
		currency = "USD"
	}

	var log *ReconciliationLog
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		internal, err := s.balances.Balance(ctx, accountID, nil)
		if err != nil {
			return err
		}

		discrepancy := externalBalance.Sub(internal)
		now := time.Now().UTC()

		log = &ReconciliationLog{
			ID:               uuid.New(),
			LogicalAccountID: accountID,
			ExternalBalance:  externalBalance,
			InternalBalance:  internal,
			Discrepancy:      discrepancy,
			Currency:         currency,
			CreatedAt:        now,
		}

		if discrepancy.Abs().LessThan(Epsilon) {
			system := "system"
			log.Resolved = true
			log.ResolvedAt = &now
			log.ResolvedBy = &system
		}

		if err := s.repo.CreateReconciliationLog(ctx, log); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionCreateReconciliation, rc, &log.ID, "reconciliation_log",
			map[string]interface{}{
				"account_id":       accountID.String(),
				"external_balance": externalBalance.String(),
				"internal_balance": internal.String(),
				"discrepancy":      discrepancy.String(),
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// CreateCorrection posts a CORRECTION transaction that brings the internal
// balance into line with the log's external balance and closes the log, all
// in one unit of work. It refuses to run when the account balance has moved
// since the log was created.
func (s *ReconciliationService) CreateCorrection(
	ctx context.Context,
	logID uuid.UUID,
	approvedBy string,
	notes *string,
	rc RequestContext,
) (*Transaction, error) {
	var correction *Transaction
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		log, err := s.repo.GetReconciliationLog(ctx, logID)
		if err != nil {
			return err
		}

		if log.Resolved {
			return apperrors.Conflict(fmt.Sprintf("reconciliation %s is already resolved", log.ID))
		}
		if log.Discrepancy.Abs().LessThan(Epsilon) {
			return apperrors.Validation("reconciliation has no significant discrepancy to correct")
		}

		// Staleness check: any posting since the log was created invalidates
		// the recorded discrepancy.
		internal, err := s.balances.Balance(ctx, log.LogicalAccountID, nil)
		if err != nil {
			return err
		}
		if !internal.Equal(log.InternalBalance) {
			return apperrors.StaleReconciliation(fmt.Sprintf(
				"account balance changed since reconciliation: recorded %s, current %s",
				log.InternalBalance, internal))
		}

		account, err := s.repo.GetAccount(ctx, log.LogicalAccountID)
		if err != nil {
			return err
		}

		direction := IncreaseDirection(account.Type)
		if log.Discrepancy.IsNegative() {
			direction = DecreaseDirection(account.Type)
		}

		noteText := "Balance adjustment"
		if notes != nil && *notes != "" {
			noteText = *notes
		}
		description := fmt.Sprintf("Reconciliation correction - %s", noteText)

		now := time.Now().UTC()
		accountID := account.ID
		correction = &Transaction{
			ID:               uuid.New(),
			Type:             TxTypeCorrection,
			Direction:        direction,
			Amount:           log.Discrepancy.Abs(),
			Currency:         log.Currency,
			Status:           TxStatusCompleted,
			Description:      &description,
			LogicalAccountID: &accountID,
			Metadata: map[string]interface{}{
				"reconciliation_id": log.ID.String(),
				"approved_by":       approvedBy,
				"external_balance":  log.ExternalBalance.String(),
				"internal_balance":  log.InternalBalance.String(),
				"discrepancy":       log.Discrepancy.String(),
			},
			TransactionDate: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if err := s.repo.CreateTransaction(ctx, correction); err != nil {
			return err
		}

		deltas := map[uuid.UUID]decimal.Decimal{account.ID: log.Discrepancy}
		if err := s.repo.AdjustAccountBalances(ctx, deltas); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update account balance")
		}

		log.Resolved = true
		log.ResolvedAt = &now
		log.ResolvedBy = &approvedBy
		log.ResolutionNotes = notes
		log.CorrectionTransactionID = &correction.ID
		if err := s.repo.UpdateReconciliationLog(ctx, log); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionCreateCorrection, rc, &log.ID, "reconciliation_log",
			map[string]interface{}{
				"correction_transaction_id": correction.ID.String(),
				"amount":                    correction.Amount.String(),
				"notes":                     noteText,
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return correction, nil
}

// ResolveManually closes an unresolved log without posting a correction,
// used when the external source is deemed wrong.
func (s *ReconciliationService) ResolveManually(
	ctx context.Context,
	logID uuid.UUID,
	resolvedBy string,
	notes string,
	rc RequestContext,
) (*ReconciliationLog, error) {
	var log *ReconciliationLog
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		var err error
		log, err = s.repo.GetReconciliationLog(ctx, logID)
		if err != nil {
			return err
		}
		if log.Resolved {
			return apperrors.Conflict(fmt.Sprintf("reconciliation %s is already resolved", log.ID))
		}

		now := time.Now().UTC()
		log.Resolved = true
		log.ResolvedAt = &now
		log.ResolvedBy = &resolvedBy
		log.ResolutionNotes = &notes
		if err := s.repo.UpdateReconciliationLog(ctx, log); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionResolveReconciliation, rc, &log.ID, "reconciliation_log",
			map[string]interface{}{
				"notes":             notes,
				"manual_resolution": true,
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// GetLog retrieves a reconciliation log by ID
func (s *ReconciliationService) GetLog(ctx context.Context, logID uuid.UUID) (*ReconciliationLog, error) {
	return s.repo.GetReconciliationLog(ctx, logID)
}

// ListUnresolved returns open reconciliation logs, optionally scoped to one
// account.
func (s *ReconciliationService) ListUnresolved(ctx context.Context, accountID *uuid.UUID, limit int) ([]*ReconciliationLog, error) {
	resolved := false
	return s.ListLogs(ctx, ReconciliationFilters{
		AccountID: accountID,
		Resolved:  &resolved,
		Limit:     limit,
	})
}

// ListLogs returns reconciliation logs matching the filters
func (s *ReconciliationService) ListLogs(ctx context.Context, filters ReconciliationFilters) ([]*ReconciliationLog, error) {
	if filters.Limit <= 0 || filters.Limit > 1000 {
		filters.Limit = 100
	}
	return s.repo.ListReconciliationLogs(ctx, filters)
}
