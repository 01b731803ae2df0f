package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

const reconciliationColumns = `id, logical_account_id, external_balance, internal_balance,
	discrepancy, currency, resolved, resolved_at, resolved_by, resolution_notes,
	correction_transaction_id, created_at`

// CreateReconciliationLog creates a new reconciliation log entry
func (r *LedgerRepository) CreateReconciliationLog(ctx context.Context, log *ledger.ReconciliationLog) error {
	query := `
		INSERT INTO reconciliation_log (` + reconciliationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	q := r.getQueryer(ctx)
	_, err := q.Exec(ctx, query,
		log.ID,
		log.LogicalAccountID,
		log.ExternalBalance.String(),
		log.InternalBalance.String(),
		log.Discrepancy.String(),
		log.Currency,
		log.Resolved,
		log.ResolvedAt,
		log.ResolvedBy,
		log.ResolutionNotes,
		log.CorrectionTransactionID,
		log.CreatedAt,
	)
	if err != nil {
		return mapError(err, "create reconciliation log")
	}

	return nil
}

// GetReconciliationLog retrieves a reconciliation log entry by ID
func (r *LedgerRepository) GetReconciliationLog(ctx context.Context, id uuid.UUID) (*ledger.ReconciliationLog, error) {
	query := `SELECT ` + reconciliationColumns + ` FROM reconciliation_log WHERE id = $1`

	q := r.getQueryer(ctx)
	log, err := scanReconciliationLog(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "reconciliation log")
	}
	return log, nil
}

// UpdateReconciliationLog persists the resolution fields of a log entry
func (r *LedgerRepository) UpdateReconciliationLog(ctx context.Context, log *ledger.ReconciliationLog) error {
	query := `
		UPDATE reconciliation_log
		SET resolved = $2, resolved_at = $3, resolved_by = $4,
			resolution_notes = $5, correction_transaction_id = $6
		WHERE id = $1
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query,
		log.ID,
		log.Resolved,
		log.ResolvedAt,
		log.ResolvedBy,
		log.ResolutionNotes,
		log.CorrectionTransactionID,
	)
	if err != nil {
		return mapError(err, "update reconciliation log")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("reconciliation log")
	}

	return nil
}

// ListReconciliationLogs retrieves log entries matching the filters
func (r *LedgerRepository) ListReconciliationLogs(ctx context.Context, filters ledger.ReconciliationFilters) ([]*ledger.ReconciliationLog, error) {
	query := `SELECT ` + reconciliationColumns + ` FROM reconciliation_log WHERE 1=1`

	args := make([]interface{}, 0)
	argPos := 1

	if filters.AccountID != nil {
		query += fmt.Sprintf(" AND logical_account_id = $%d", argPos)
		args = append(args, *filters.AccountID)
		argPos++
	}

	if filters.Resolved != nil {
		query += fmt.Sprintf(" AND resolved = $%d", argPos)
		args = append(args, *filters.Resolved)
		argPos++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
		argPos++
	}

	if filters.Skip > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filters.Skip)
		argPos++
	}

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list reconciliation logs")
	}
	defer rows.Close()

	var logs []*ledger.ReconciliationLog
	for rows.Next() {
		log, err := scanReconciliationLog(rows)
		if err != nil {
			return nil, mapError(err, "scan reconciliation log")
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate reconciliation logs")
	}

	return logs, nil
}

// scanReconciliationLog scans a single reconciliation log row
func scanReconciliationLog(row pgx.Row) (*ledger.ReconciliationLog, error) {
	var log ledger.ReconciliationLog
	var externalStr, internalStr, discrepancyStr string

	err := row.Scan(
		&log.ID,
		&log.LogicalAccountID,
		&externalStr,
		&internalStr,
		&discrepancyStr,
		&log.Currency,
		&log.Resolved,
		&log.ResolvedAt,
		&log.ResolvedBy,
		&log.ResolutionNotes,
		&log.CorrectionTransactionID,
		&log.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if log.ExternalBalance, err = decimal.NewFromString(externalStr); err != nil {
		return nil, fmt.Errorf("failed to parse external balance: %w", err)
	}
	if log.InternalBalance, err = decimal.NewFromString(internalStr); err != nil {
		return nil, fmt.Errorf("failed to parse internal balance: %w", err)
	}
	if log.Discrepancy, err = decimal.NewFromString(discrepancyStr); err != nil {
		return nil, fmt.Errorf("failed to parse discrepancy: %w", err)
	}

	return &log, nil
}
