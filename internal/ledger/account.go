package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

// AccountService manages logical accounts and the treasury overview built on
// top of them.
type AccountService struct {
	repo  Repository
	audit *AuditWriter
}

// NewAccountService creates a new account service
func NewAccountService(repo Repository) *AccountService {
	return &AccountService{
		repo:  repo,
		audit: NewAuditWriter(repo),
	}
}

// CreateAccountRequest carries the fields accepted when creating an account
type CreateAccountRequest struct {
	Name     string
	Type     AccountType
	Currency string
	Metadata map[string]interface{}
}

// UpdateAccountRequest carries the mutable fields of an account. The account
// type is intentionally absent once created; see UpdateType.
type UpdateAccountRequest struct {
	Status   *AccountStatus
	Type     *AccountType
	Metadata map[string]interface{}
}

// TreasuryGroup is one account-type bucket of the treasury overview
type TreasuryGroup struct {
	Type     AccountType       `json:"type"`
	Total    decimal.Decimal   `json:"total"`
	Accounts []*LogicalAccount `json:"accounts"`
}

// TreasuryStatus is the full treasury overview: active accounts grouped by
// type with per-group and grand totals.
type TreasuryStatus struct {
	Groups      []TreasuryGroup `json:"groups"`
	TotalAssets decimal.Decimal `json:"total_assets"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// CreateAccount registers a new logical account with a zero balance
func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest, rc RequestContext) (*LogicalAccount, error) {
	if req.Currency == "" {
		req.Currency = "USD"
	}

	now := time.Now().UTC()
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	account := &LogicalAccount{
		ID:        uuid.New(),
		Name:      req.Name,
		Type:      req.Type,
		Status:    AccountStatusActive,
		Currency:  req.Currency,
		Balance:   decimal.Zero,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := account.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid account")
	}

	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		existing, err := s.repo.GetAccountByName(ctx, req.Name)
		if err != nil && apperrors.HTTPStatus(err) != 404 {
			return err
		}
		if existing != nil {
			return apperrors.Conflict(fmt.Sprintf("account %q already exists", req.Name))
		}

		if err := s.repo.CreateAccount(ctx, account); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionCreateAccount, rc, &account.ID, "logical_account",
			map[string]interface{}{
				"name":     account.Name,
				"type":     string(account.Type),
				"currency": account.Currency,
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// UpdateAccount patches an account's status, metadata or type. The type is
// immutable once any transaction has posted against the account, because the
// sign convention of the whole history would flip.
func (s *AccountService) UpdateAccount(ctx context.Context, id uuid.UUID, req UpdateAccountRequest, rc RequestContext) (*LogicalAccount, error) {
	var account *LogicalAccount
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		var err error
		account, err = s.repo.GetAccount(ctx, id)
		if err != nil {
			return err
		}

		changed := map[string]interface{}{}

		if req.Type != nil && *req.Type != account.Type {
			if !req.Type.IsValid() {
				return apperrors.Validationf("invalid account type %q", *req.Type)
			}
			posted, err := s.repo.HasPostedTransactions(ctx, account.ID)
			if err != nil {
				return err
			}
			if posted {
				return apperrors.Conflict(
					"account type cannot change after transactions have posted against it")
			}
			account.Type = *req.Type
			changed["type"] = string(*req.Type)
		}

		if req.Status != nil && *req.Status != account.Status {
			if !req.Status.IsValid() {
				return apperrors.Validationf("invalid account status %q", *req.Status)
			}
			account.Status = *req.Status
			changed["status"] = string(*req.Status)
		}

		if req.Metadata != nil {
			account.Metadata = req.Metadata
			changed["metadata"] = "updated"
		}

		account.UpdatedAt = time.Now().UTC()
		if err := s.repo.UpdateAccount(ctx, account); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionUpdateAccount, rc, &account.ID, "logical_account", changed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Deactivate soft-deletes an account: it stays in the books with its history
// but accepts no new postings.
func (s *AccountService) Deactivate(ctx context.Context, id uuid.UUID, rc RequestContext) (*LogicalAccount, error) {
	inactive := AccountStatusInactive
	return s.UpdateAccount(ctx, id, UpdateAccountRequest{Status: &inactive}, rc)
}

// GetAccount retrieves an account by ID
func (s *AccountService) GetAccount(ctx context.Context, id uuid.UUID) (*LogicalAccount, error) {
	account, err := s.repo.GetAccount(ctx, id)
	if errors.Is(err, ErrConnectionLost) {
		account, err = s.repo.GetAccount(ctx, id)
	}
	return account, err
}

// ListAccounts returns accounts matching the filters
func (s *AccountService) ListAccounts(ctx context.Context, filters AccountFilters) ([]*LogicalAccount, error) {
	accounts, err := s.repo.ListAccounts(ctx, filters)
	if errors.Is(err, ErrConnectionLost) {
		accounts, err = s.repo.ListAccounts(ctx, filters)
	}
	return accounts, err
}

// Treasury builds the treasury overview: active accounts grouped by type with
// totals. Group order follows the accounting equation: assets, liabilities,
// equity, revenue, expenses.
func (s *AccountService) Treasury(ctx context.Context) (*TreasuryStatus, error) {
	active := AccountStatusActive
	accounts, err := s.ListAccounts(ctx, AccountFilters{Status: &active})
	if err != nil {
		return nil, err
	}

	order := []AccountType{
		AccountTypeAsset, AccountTypeLiability, AccountTypeEquity,
		AccountTypeRevenue, AccountTypeExpense,
	}

	byType := make(map[AccountType][]*LogicalAccount, len(order))
	for _, account := range accounts {
		byType[account.Type] = append(byType[account.Type], account)
	}

	status := &TreasuryStatus{
		Groups:      make([]TreasuryGroup, 0, len(order)),
		TotalAssets: decimal.Zero,
		GeneratedAt: time.Now().UTC(),
	}

	for _, t := range order {
		group := TreasuryGroup{
			Type:     t,
			Total:    decimal.Zero,
			Accounts: byType[t],
		}
		for _, account := range group.Accounts {
			group.Total = group.Total.Add(account.Balance)
		}
		if t == AccountTypeAsset {
			status.TotalAssets = group.Total
		}
		status.Groups = append(status.Groups, group)
	}

	return status, nil
}
