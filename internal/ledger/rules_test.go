package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

func TestRuleService_Create(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := ledger.NewRuleService(repo)

	ops := repo.seedAccount("Ops", ledger.AccountTypeAsset)
	reserve := repo.seedAccount("Reserve", ledger.AccountTypeAsset)

	createdBy := "admin@clearledger"
	rule, err := svc.Create(ctx, ledger.CreateRuleRequest{
		Name: "default-split",
		Rules: []ledger.RuleItem{
			{DestinationAccountID: ops.ID, Percentage: pct("80")},
			{DestinationAccountID: reserve.ID, Percentage: pct("20")},
		},
		Active:    true,
		CreatedBy: &createdBy,
	}, testRC)
	require.NoError(t, err)

	assert.Equal(t, "default-split", rule.Name)
	assert.True(t, rule.Active)
	assert.Equal(t, 1, repo.auditCount())
	assert.Equal(t, ledger.ActionCreateAllocationRule, repo.lastAudit().Action)

	stored, err := repo.GetAllocationRuleByName(ctx, "default-split")
	require.NoError(t, err)
	assert.Equal(t, rule.ID, stored.ID)
}

func TestRuleService_Create_Rejections(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := ledger.NewRuleService(repo)

	ops := repo.seedAccount("Ops", ledger.AccountTypeAsset)

	t.Run("percentages must reach 100", func(t *testing.T) {
		_, err := svc.Create(ctx, ledger.CreateRuleRequest{
			Name: "partial",
			Rules: []ledger.RuleItem{
				{DestinationAccountID: ops.ID, Percentage: pct("50")},
				{DestinationAccountID: ops.ID, Percentage: pct("30")},
			},
		}, testRC)
		require.Error(t, err)
		assert.Equal(t, 400, apperrors.HTTPStatus(err))
		assert.Contains(t, err.Error(), "100")
	})

	t.Run("destinations must exist", func(t *testing.T) {
		_, err := svc.Create(ctx, ledger.CreateRuleRequest{
			Name: "ghost",
			Rules: []ledger.RuleItem{
				{DestinationAccountID: uuid.New(), Percentage: pct("100")},
			},
		}, testRC)
		require.Error(t, err)
		assert.Equal(t, 400, apperrors.HTTPStatus(err))
	})

	t.Run("names are unique", func(t *testing.T) {
		req := ledger.CreateRuleRequest{
			Name: "unique-split",
			Rules: []ledger.RuleItem{
				{DestinationAccountID: ops.ID, Percentage: pct("100")},
			},
		}
		_, err := svc.Create(ctx, req, testRC)
		require.NoError(t, err)

		_, err = svc.Create(ctx, req, testRC)
		require.Error(t, err)
		assert.Equal(t, 409, apperrors.HTTPStatus(err))
	})
}

func TestRuleService_Update(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := ledger.NewRuleService(repo)

	ops := repo.seedAccount("Ops", ledger.AccountTypeAsset)
	reserve := repo.seedAccount("Reserve", ledger.AccountTypeAsset)

	rule := repo.seedRule("split", true, []ledger.RuleItem{
		{DestinationAccountID: ops.ID, Percentage: pct("100")},
	})

	t.Run("replaces slots after re-validation", func(t *testing.T) {
		updated, err := svc.Update(ctx, rule.ID, ledger.UpdateRuleRequest{
			Rules: []ledger.RuleItem{
				{DestinationAccountID: ops.ID, Percentage: pct("60")},
				{DestinationAccountID: reserve.ID, Percentage: pct("40")},
			},
		}, testRC)
		require.NoError(t, err)
		assert.Len(t, updated.Rules, 2)
	})

	t.Run("rejects slots that no longer sum to 100", func(t *testing.T) {
		_, err := svc.Update(ctx, rule.ID, ledger.UpdateRuleRequest{
			Rules: []ledger.RuleItem{
				{DestinationAccountID: ops.ID, Percentage: pct("60")},
			},
		}, testRC)
		require.Error(t, err)
		assert.Equal(t, 400, apperrors.HTTPStatus(err))

		// The stored rule is unchanged
		stored, getErr := repo.GetAllocationRule(ctx, rule.ID)
		require.NoError(t, getErr)
		assert.Len(t, stored.Rules, 2)
	})

	t.Run("toggles active", func(t *testing.T) {
		inactive := false
		updated, err := svc.Update(ctx, rule.ID, ledger.UpdateRuleRequest{
			Active: &inactive,
		}, testRC)
		require.NoError(t, err)
		assert.False(t, updated.Active)
	})

	t.Run("unknown rule", func(t *testing.T) {
		_, err := svc.Update(ctx, uuid.New(), ledger.UpdateRuleRequest{}, testRC)
		require.Error(t, err)
		assert.Equal(t, 404, apperrors.HTTPStatus(err))
	})
}

func TestRuleService_Delete_Deactivates(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := ledger.NewRuleService(repo)

	ops := repo.seedAccount("Ops", ledger.AccountTypeAsset)
	rule := repo.seedRule("split", true, []ledger.RuleItem{
		{DestinationAccountID: ops.ID, Percentage: pct("100")},
	})

	err := svc.Delete(ctx, rule.ID, testRC)
	require.NoError(t, err)

	// The row survives for historical allocations; it just stops matching
	stored, err := repo.GetAllocationRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	active, err := repo.GetActiveAllocationRule(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.Equal(t, 1, repo.auditCount())
	assert.Equal(t, ledger.ActionDeleteAllocationRule, repo.lastAudit().Action)
}

func TestRuleService_List(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := ledger.NewRuleService(repo)

	ops := repo.seedAccount("Ops", ledger.AccountTypeAsset)
	items := []ledger.RuleItem{{DestinationAccountID: ops.ID, Percentage: pct("100")}}

	repo.seedRule("active-rule", true, items)
	repo.seedRule("retired-rule", false, items)

	all, err := svc.List(ctx, ledger.RuleFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.List(ctx, ledger.RuleFilters{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "active-rule", active[0].Name)
}
