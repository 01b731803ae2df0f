package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

var (
	hundred      = decimal.NewFromInt(100)
	sumTolerance = decimal.RequireFromString("0.01")
)

// AllocationEngine splits a completed parent transaction into child
// ALLOCATION transactions according to an allocation rule. The children sum
// to the parent amount byte-exact: every slot except the last is truncated at
// the quantum, and the last slot absorbs the rounding residue.
type AllocationEngine struct {
	repo Repository
}

// NewAllocationEngine creates a new allocation engine
func NewAllocationEngine(repo Repository) *AllocationEngine {
	return &AllocationEngine{repo: repo}
}

// ValidateRule checks a rule's structural invariants: non-empty slots, each
// percentage within [0, 100], and the percentages summing to 100 within the
// 0.01 tolerance.
func (e *AllocationEngine) ValidateRule(rule *AllocationRule) error {
	if rule.Name == "" {
		return apperrors.Validation("allocation rule name is required")
	}
	if len(rule.Rules) == 0 {
		return apperrors.Validation("allocation rules cannot be empty")
	}

	total := decimal.Zero
	for i, item := range rule.Rules {
		if item.DestinationAccountID == uuid.Nil {
			return apperrors.Validationf("rule %d missing destination_account_id", i)
		}
		if item.Percentage.IsNegative() || item.Percentage.GreaterThan(hundred) {
			return apperrors.Validationf(
				"rule %d percentage must be between 0 and 100, got %s", i, item.Percentage)
		}
		total = total.Add(item.Percentage)
	}

	if total.Sub(hundred).Abs().GreaterThan(sumTolerance) {
		return apperrors.Validationf(
			"allocation percentages must sum to 100, got %s", total)
	}

	return nil
}

// ValidateDestinations checks that every destination account exists
func (e *AllocationEngine) ValidateDestinations(ctx context.Context, rule *AllocationRule) error {
	ids := make([]uuid.UUID, 0, len(rule.Rules))
	for _, item := range rule.Rules {
		ids = append(ids, item.DestinationAccountID)
	}

	missing, err := e.repo.FindMissingAccounts(ctx, ids)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check destination accounts")
	}
	if len(missing) > 0 {
		return apperrors.Validationf("destination accounts not found: %v", missing)
	}
	return nil
}

// Apply creates the child allocations for a completed parent and updates the
// destination cached balances. It must run inside the caller's unit of work,
// with the parent row already locked.
func (e *AllocationEngine) Apply(ctx context.Context, parent *Transaction, rule *AllocationRule) ([]*Transaction, error) {
	if parent.Status != TxStatusCompleted {
		return nil, apperrors.Validation("can only allocate completed transactions")
	}
	if parent.Type.Reserved() {
		return nil, apperrors.Validationf("%s transactions cannot be allocated", parent.Type)
	}

	if err := e.ValidateRule(rule); err != nil {
		return nil, err
	}
	if err := e.ValidateDestinations(ctx, rule); err != nil {
		return nil, err
	}

	// Idempotence guard: a parent acquires exactly one set of children.
	existing, err := e.repo.ListChildAllocations(ctx, parent.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check existing allocations")
	}
	if len(existing) > 0 {
		return nil, apperrors.Conflict(
			fmt.Sprintf("transaction %s already has allocations", parent.ID))
	}

	amounts := SplitAmount(parent.Amount, rule.Rules)

	now := time.Now().UTC()
	allocations := make([]*Transaction, 0, len(rule.Rules))
	deltas := make(map[uuid.UUID]decimal.Decimal, len(rule.Rules))

	for i, item := range rule.Rules {
		dest, err := e.repo.GetAccount(ctx, item.DestinationAccountID)
		if err != nil {
			return nil, err
		}

		desc := item.Description
		if desc == "" {
			desc = "Auto-allocated"
		}
		description := fmt.Sprintf("Allocation: %s (%s%%)", desc, item.Percentage)

		parentID := parent.ID
		destID := dest.ID
		child := &Transaction{
			ID:                  uuid.New(),
			Type:                TxTypeAllocation,
			Direction:           IncreaseDirection(dest.Type),
			Amount:              amounts[i],
			Currency:            parent.Currency,
			Status:              TxStatusCompleted,
			Description:         &description,
			LogicalAccountID:    &destID,
			ParentTransactionID: &parentID,
			Metadata: map[string]interface{}{
				"allocation_rule_id":    rule.ID.String(),
				"allocation_rule_name":  rule.Name,
				"allocation_percentage": item.Percentage.String(),
				"parent_transaction_id": parent.ID.String(),
			},
			TransactionDate: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if err := e.repo.CreateTransaction(ctx, child); err != nil {
			return nil, err
		}

		allocations = append(allocations, child)
		deltas[dest.ID] = deltas[dest.ID].Add(amounts[i])
	}

	if err := e.repo.AdjustAccountBalances(ctx, deltas); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update destination balances")
	}

	return allocations, nil
}

// SplitAmount divides amount across the rule slots. Slots 0..N-2 are
// truncated at the quantum; the last slot receives the remainder, so the
// parts always sum exactly to the input and no part is ever negative.
func SplitAmount(amount decimal.Decimal, items []RuleItem) []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(items))
	if len(items) == 0 {
		return amounts
	}

	assigned := decimal.Zero
	for i := 0; i < len(items)-1; i++ {
		// percentage/100 is an exact decimal shift, then truncate at 1e-12
		share := amount.Mul(items[i].Percentage).Shift(-2).Truncate(QuantumExp)
		amounts[i] = share
		assigned = assigned.Add(share)
	}
	residue := amount.Sub(assigned)

	// Percentages may sum slightly above 100 within the validation tolerance,
	// over-assigning the truncated slots and driving the residue negative.
	// Shave the overshoot off the preceding slots, last to first, so every
	// part stays non-negative and the sum still matches the input.
	for i := len(items) - 2; i >= 0 && residue.IsNegative(); i-- {
		shave := decimal.Min(amounts[i], residue.Neg())
		amounts[i] = amounts[i].Sub(shave)
		residue = residue.Add(shave)
	}

	amounts[len(items)-1] = residue
	return amounts
}
