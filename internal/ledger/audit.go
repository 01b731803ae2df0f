package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit action tags. The set is closed on purpose: dashboards and alerting
// key off these strings.
const (
	ActionCreateTransaction     = "CREATE_TRANSACTION"
	ActionUpdateTransaction     = "UPDATE_TRANSACTION"
	ActionCreateAccount         = "CREATE_ACCOUNT"
	ActionUpdateAccount         = "UPDATE_ACCOUNT"
	ActionCreateAllocationRule  = "CREATE_ALLOCATION_RULE"
	ActionUpdateAllocationRule  = "UPDATE_ALLOCATION_RULE"
	ActionDeleteAllocationRule  = "DELETE_ALLOCATION_RULE"
	ActionCreateReconciliation  = "CREATE_RECONCILIATION"
	ActionCreateCorrection      = "CREATE_CORRECTION"
	ActionResolveReconciliation = "RESOLVE_RECONCILIATION"
)

// RequestContext carries the caller identity attached to audit entries
type RequestContext struct {
	Actor     string
	IPAddress *string
	UserAgent *string
}

// sensitiveKeys are detail fields obfuscated before persisting
var sensitiveKeys = map[string]bool{
	"wallet_address":   true,
	"address":          true,
	"external_tx_hash": true,
	"secret":           true,
	"token":            true,
	"private_key":      true,
}

// AuditWriter appends immutable audit entries. It must be called inside the
// same unit of work as the operation it records so that audit and business
// change succeed or fail together.
type AuditWriter struct {
	repo Repository
}

// NewAuditWriter creates a new audit writer
func NewAuditWriter(repo Repository) *AuditWriter {
	return &AuditWriter{repo: repo}
}

// Write appends one audit entry. Details are obfuscated; the stored entry is
// never updated or deleted.
func (w *AuditWriter) Write(
	ctx context.Context,
	action string,
	rc RequestContext,
	targetID *uuid.UUID,
	targetType string,
	details map[string]interface{},
) (*AuditLog, error) {
	actor := rc.Actor
	if actor == "" {
		actor = "anonymous"
	}

	entry := &AuditLog{
		ID:         uuid.New(),
		Action:     action,
		Actor:      actor,
		TargetID:   targetID,
		TargetType: targetType,
		Details:    ObfuscateDetails(details),
		IPAddress:  rc.IPAddress,
		UserAgent:  rc.UserAgent,
		CreatedAt:  time.Now().UTC(),
	}

	if err := w.repo.CreateAuditLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ObfuscateDetails returns a copy of details with sensitive string values
// masked. Nested maps are walked recursively.
func ObfuscateDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case string:
			if sensitiveKeys[k] {
				out[k] = ObfuscateValue(val)
			} else {
				out[k] = val
			}
		case map[string]interface{}:
			out[k] = ObfuscateDetails(val)
		default:
			out[k] = v
		}
	}
	return out
}

// ObfuscateValue masks the interior of a sensitive value, keeping the first
// four and last three runes. Short values are replaced entirely.
func ObfuscateValue(s string) string {
	runes := []rune(s)
	if len(runes) <= 8 {
		return "***"
	}
	return string(runes[:4]) + "***" + string(runes[len(runes)-3:])
}
