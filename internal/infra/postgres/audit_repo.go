package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clearledger/ledgerd/internal/ledger"
)

// CreateAuditLog appends an audit entry. The table is append-only; no update
// or delete path exists.
func (r *LedgerRepository) CreateAuditLog(ctx context.Context, entry *ledger.AuditLog) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO audit_log (id, action, actor, target_id, target_type, details,
			ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	q := r.getQueryer(ctx)
	_, err = q.Exec(ctx, query,
		entry.ID,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.TargetType,
		detailsJSON,
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt,
	)
	if err != nil {
		return mapError(err, "create audit log")
	}

	return nil
}
