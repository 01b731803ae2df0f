package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

const ruleColumns = `id, name, rules, active, description, created_by, created_at, updated_at`

// CreateAllocationRule creates a new allocation rule
func (r *LedgerRepository) CreateAllocationRule(ctx context.Context, rule *ledger.AllocationRule) error {
	rulesJSON, err := json.Marshal(rule.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	query := `
		INSERT INTO allocation_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	q := r.getQueryer(ctx)
	_, err = q.Exec(ctx, query,
		rule.ID,
		rule.Name,
		rulesJSON,
		rule.Active,
		rule.Description,
		rule.CreatedBy,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "create allocation rule")
	}

	return nil
}

// GetAllocationRule retrieves a rule by ID
func (r *LedgerRepository) GetAllocationRule(ctx context.Context, id uuid.UUID) (*ledger.AllocationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM allocation_rules WHERE id = $1`

	q := r.getQueryer(ctx)
	rule, err := scanRule(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "allocation rule")
	}
	return rule, nil
}

// GetAllocationRuleByName retrieves a rule by its unique name
func (r *LedgerRepository) GetAllocationRuleByName(ctx context.Context, name string) (*ledger.AllocationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM allocation_rules WHERE name = $1`

	q := r.getQueryer(ctx)
	rule, err := scanRule(q.QueryRow(ctx, query, name))
	if err != nil {
		return nil, mapError(err, "allocation rule")
	}
	return rule, nil
}

// GetActiveAllocationRule retrieves the active rule with the given name, or
// the most recent active rule when name is nil. Returns nil with no error when
// no active rule exists.
func (r *LedgerRepository) GetActiveAllocationRule(ctx context.Context, name *string) (*ledger.AllocationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM allocation_rules WHERE active = true`
	args := make([]interface{}, 0, 1)

	if name != nil {
		query += " AND name = $1"
		args = append(args, *name)
	}
	query += " ORDER BY created_at DESC LIMIT 1"

	q := r.getQueryer(ctx)
	rule, err := scanRule(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(err, "active allocation rule")
	}
	return rule, nil
}

// ListAllocationRules retrieves rules matching the filters
func (r *LedgerRepository) ListAllocationRules(ctx context.Context, filters ledger.RuleFilters) ([]*ledger.AllocationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM allocation_rules`

	args := make([]interface{}, 0)
	argPos := 1

	if filters.ActiveOnly {
		query += " WHERE active = true"
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
		return nil, mapError(err, "list allocation rules")
	}
	defer rows.Close()

	var rules []*ledger.AllocationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, mapError(err, "scan allocation rule")
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate allocation rules")
	}

	return rules, nil
}

// UpdateAllocationRule persists the mutable fields of a rule
func (r *LedgerRepository) UpdateAllocationRule(ctx context.Context, rule *ledger.AllocationRule) error {
	rulesJSON, err := json.Marshal(rule.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	query := `
		UPDATE allocation_rules
		SET rules = $2, active = $3, description = $4, updated_at = $5
		WHERE id = $1
	`

	q := r.getQueryer(ctx)
	tag, err := q.Exec(ctx, query,
		rule.ID,
		rulesJSON,
		rule.Active,
		rule.Description,
		rule.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "update allocation rule")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("allocation rule")
	}

	return nil
}

// scanRule scans a single allocation rule row
func scanRule(row pgx.Row) (*ledger.AllocationRule, error) {
	var rule ledger.AllocationRule
	var rulesJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rulesJSON,
		&rule.Active,
		&rule.Description,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(rulesJSON, &rule.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	return &rule, nil
}
