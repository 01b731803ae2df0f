package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

const transactionColumns = `id, type, direction, amount, currency, status, description,
	logical_account_id, parent_transaction_id, external_tx_hash, metadata,
	transaction_date, created_at, updated_at`

// CreateTransaction creates a new ledger transaction
func (r *LedgerRepository) CreateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if err := tx.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid transaction")
	}

	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	q := r.getQueryer(ctx)
	_, err = q.Exec(ctx, query,
		tx.ID,
		string(tx.Type),
		string(tx.Direction),
		tx.Amount.String(),
		tx.Currency,
		string(tx.Status),
		tx.Description,
		tx.LogicalAccountID,
		tx.ParentTransactionID,
		tx.ExternalTxHash,
		metadataJSON,
		tx.TransactionDate,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "create transaction")
	}

	return nil
}

// GetTransaction retrieves a transaction by ID
func (r *LedgerRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = $1`

	q := r.getQueryer(ctx)
	tx, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "transaction")
	}
	return tx, nil
}

// GetTransactionForUpdate retrieves a transaction with a row-level lock.
// Concurrent completions of the same transaction serialize on this lock; it
// is only meaningful inside a unit of work.
func (r *LedgerRepository) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	if r.getTxFromContext(ctx) == nil {
		return nil, fmt.Errorf("row lock requires an open transaction")
	}

	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = $1 FOR UPDATE`

	q := r.getQueryer(ctx)
	tx, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "transaction")
	}
	return tx, nil
}

// GetTransactionByExternalHash retrieves a transaction by its external hash
func (r *LedgerRepository) GetTransactionByExternalHash(ctx context.Context, hash string) (*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE external_tx_hash = $1`

	q := r.getQueryer(ctx)
	tx, err := scanTransaction(q.QueryRow(ctx, query, hash))
	if err != nil {
		return nil, mapError(err, "transaction")
	}
	return tx, nil
}

// UpdateTransaction persists the mutable fields of a transaction
func (r *LedgerRepository) UpdateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	if err := tx.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid transaction")
	}

	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE ledger_transactions
		SET status = $2, description = $3, metadata = $4, updated_at = $5
		WHERE id = $1
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query,
		tx.ID,
		string(tx.Status),
		tx.Description,
		metadataJSON,
		tx.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "update transaction")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("transaction")
	}

	return nil
}

// ListTransactions lists transactions with filters and pagination
func (r *LedgerRepository) ListTransactions(ctx context.Context, filters ledger.TransactionFilters) ([]*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE 1=1`

	args := make([]interface{}, 0)
	argPos := 1

	if filters.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*filters.Status))
		argPos++
	}

	if filters.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argPos)
		args = append(args, string(*filters.Type))
		argPos++
	}

	if filters.AccountID != nil {
		query += fmt.Sprintf(" AND logical_account_id = $%d", argPos)
		args = append(args, *filters.AccountID)
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
		return nil, mapError(err, "list transactions")
	}
	defer rows.Close()

	var transactions []*ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, mapError(err, "scan transaction")
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate transactions")
	}

	return transactions, nil
}

// ListChildAllocations retrieves the allocation children of a parent
func (r *LedgerRepository) ListChildAllocations(ctx context.Context, parentID uuid.UUID) ([]*ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM ledger_transactions
		WHERE parent_transaction_id = $1 AND type = 'ALLOCATION'
		ORDER BY created_at ASC
	`

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, parentID)
	if err != nil {
		return nil, mapError(err, "list child allocations")
	}
	defer rows.Close()

	var children []*ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, mapError(err, "scan allocation")
		}
		children = append(children, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate allocations")
	}

	return children, nil
}

// SumPostedAmounts returns the debit-minus-credit aggregate over COMPLETED
// transactions on the account at or before asOf (nil = now).
func (r *LedgerRepository) SumPostedAmounts(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(
			CASE
				WHEN direction = 'DEBIT' THEN amount
				ELSE -amount
			END
		), 0)::text
		FROM ledger_transactions
		WHERE logical_account_id = $1 AND status = 'COMPLETED'
	`

	args := []interface{}{accountID}
	if asOf != nil {
		query += " AND transaction_date <= $2"
		args = append(args, *asOf)
	}

	var sumStr string
	q := r.getQueryer(ctx)
	if err := q.QueryRow(ctx, query, args...).Scan(&sumStr); err != nil {
		return decimal.Zero, mapError(err, "sum posted amounts")
	}

	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse posted sum: %w", err)
	}
	return sum, nil
}

// scanTransaction scans a single transaction row
func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var amountStr string
	var metadataJSON []byte
	var description, externalTxHash sql.NullString

	err := row.Scan(
		&tx.ID,
		&tx.Type,
		&tx.Direction,
		&amountStr,
		&tx.Currency,
		&tx.Status,
		&description,
		&tx.LogicalAccountID,
		&tx.ParentTransactionID,
		&externalTxHash,
		&metadataJSON,
		&tx.TransactionDate,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}

	if description.Valid {
		tx.Description = &description.String
	}
	if externalTxHash.Valid {
		tx.ExternalTxHash = &externalTxHash.String
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &tx, nil
}
