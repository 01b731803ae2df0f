package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

const accountColumns = `id, name, type, status, currency, balance, metadata, created_at, updated_at`

// CreateAccount creates a new logical account
func (r *LedgerRepository) CreateAccount(ctx context.Context, account *ledger.LogicalAccount) error {
	if err := account.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid account")
	}

	metadataJSON, err := json.Marshal(account.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO logical_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	q := r.getQueryer(ctx)
	_, err = q.Exec(ctx, query,
		account.ID,
		account.Name,
		string(account.Type),
		string(account.Status),
		account.Currency,
		account.Balance.String(),
		metadataJSON,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "create account")
	}

	return nil
}

// GetAccount retrieves an account by ID
func (r *LedgerRepository) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.LogicalAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM logical_accounts WHERE id = $1`

	q := r.getQueryer(ctx)
	account, err := scanAccount(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "account")
	}
	return account, nil
}

// GetAccountByName retrieves an account by its unique name
func (r *LedgerRepository) GetAccountByName(ctx context.Context, name string) (*ledger.LogicalAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM logical_accounts WHERE name = $1`

	q := r.getQueryer(ctx)
	account, err := scanAccount(q.QueryRow(ctx, query, name))
	if err != nil {
		return nil, mapError(err, "account")
	}
	return account, nil
}

// ListAccounts retrieves accounts matching the filters
func (r *LedgerRepository) ListAccounts(ctx context.Context, filters ledger.AccountFilters) ([]*ledger.LogicalAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM logical_accounts WHERE 1=1`

	args := make([]interface{}, 0)
	argPos := 1

	if filters.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argPos)
		args = append(args, string(*filters.Type))
		argPos++
	}

	if filters.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(*filters.Status))
		argPos++
	}

	query += " ORDER BY name ASC"

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list accounts")
	}
	defer rows.Close()

	var accounts []*ledger.LogicalAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, mapError(err, "scan account")
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate accounts")
	}

	return accounts, nil
}

// UpdateAccount persists the mutable fields of an account
func (r *LedgerRepository) UpdateAccount(ctx context.Context, account *ledger.LogicalAccount) error {
	if err := account.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid account")
	}

	metadataJSON, err := json.Marshal(account.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE logical_accounts
		SET name = $2, type = $3, status = $4, metadata = $5, updated_at = $6
		WHERE id = $1
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query,
		account.ID,
		account.Name,
		string(account.Type),
		string(account.Status),
		metadataJSON,
		account.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "update account")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("account")
	}

	return nil
}

// FindMissingAccounts returns the subset of ids with no matching account
func (r *LedgerRepository) FindMissingAccounts(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT candidate.id
		FROM unnest($1::uuid[]) AS candidate(id)
		LEFT JOIN logical_accounts a ON a.id = candidate.id
		WHERE a.id IS NULL
	`

	q := r.getQueryer(ctx)
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, mapError(err, "find missing accounts")
	}
	defer rows.Close()

	var missing []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err, "scan missing account")
		}
		missing = append(missing, id)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate missing accounts")
	}

	return missing, nil
}

// AdjustAccountBalances applies cached-balance deltas in a single statement
func (r *LedgerRepository) AdjustAccountBalances(ctx context.Context, deltas map[uuid.UUID]decimal.Decimal) error {
	if len(deltas) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(deltas))
	amounts := make([]string, 0, len(deltas))
	for id, delta := range deltas {
		ids = append(ids, id)
		amounts = append(amounts, delta.String())
	}

	query := `
		UPDATE logical_accounts AS a
		SET balance = a.balance + d.delta, updated_at = $3
		FROM (
			SELECT unnest($1::uuid[]) AS id, unnest($2::text[])::numeric AS delta
		) AS d
		WHERE a.id = d.id
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query, ids, amounts, time.Now().UTC())
	if err != nil {
		return mapError(err, "adjust account balances")
	}
	if int(tag.RowsAffected()) != len(deltas) {
		return apperrors.Internal(
			fmt.Sprintf("balance adjustment touched %d of %d accounts", tag.RowsAffected(), len(deltas)), nil)
	}

	return nil
}

// HasPostedTransactions reports whether any COMPLETED transaction references
// the account.
func (r *LedgerRepository) HasPostedTransactions(ctx context.Context, accountID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ledger_transactions
			WHERE logical_account_id = $1 AND status = 'COMPLETED'
		)
	`

	var posted bool
	q := r.getQueryer(ctx)
	if err := q.QueryRow(ctx, query, accountID).Scan(&posted); err != nil {
		return false, mapError(err, "check posted transactions")
	}
	return posted, nil
}

// scanAccount scans a single account row
func scanAccount(row pgx.Row) (*ledger.LogicalAccount, error) {
	var account ledger.LogicalAccount
	var balanceStr string
	var metadataJSON []byte

	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Type,
		&account.Status,
		&account.Currency,
		&balanceStr,
		&metadataJSON,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &account.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &account, nil
}
