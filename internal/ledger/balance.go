package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

// BalanceCalculator derives an account's balance from its posted
// transactions. The per-account cached balance is kept in sync by the write
// paths but the log remains authoritative; this is the arbiter used by
// reconciliation.
type BalanceCalculator struct {
	repo Repository
}

// NewBalanceCalculator creates a new balance calculator
func NewBalanceCalculator(repo Repository) *BalanceCalculator {
	return &BalanceCalculator{repo: repo}
}

// Balance computes the account balance from COMPLETED transactions at or
// before asOf (nil means now). Asset and expense accounts sum debits minus
// credits; the other types flip the sign.
func (c *BalanceCalculator) Balance(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (decimal.Decimal, error) {
	account, err := c.repo.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	sum, err := c.repo.SumPostedAmounts(ctx, accountID, asOf)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to sum posted transactions")
	}

	if account.Type.DebitNormal() {
		return sum, nil
	}
	return sum.Neg(), nil
}
