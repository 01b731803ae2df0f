package ledger_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

// fakeRepo is an in-memory ledger.Repository. It mirrors the store's
// transactional behavior by snapshotting state on BeginTx and restoring it on
// RollbackTx, and supports per-method failure injection for atomicity tests.
type fakeRepo struct {
	mu sync.Mutex

	accounts map[uuid.UUID]*ledger.LogicalAccount
	txs      map[uuid.UUID]*ledger.Transaction
	rules    map[uuid.UUID]*ledger.AllocationRule
	recons   map[uuid.UUID]*ledger.ReconciliationLog
	audits   []*ledger.AuditLog

	snapshot *fakeState
	calls    map[string]int
	// failAfter[method]=n fails every call to method after the nth
	failAfter map[string]int
	// failFirst[method]=n fails the first n calls to method
	failFirst map[string]int
	failErr   map[string]error
}

type fakeState struct {
	accounts map[uuid.UUID]*ledger.LogicalAccount
	txs      map[uuid.UUID]*ledger.Transaction
	rules    map[uuid.UUID]*ledger.AllocationRule
	recons   map[uuid.UUID]*ledger.ReconciliationLog
	audits   []*ledger.AuditLog
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts:  make(map[uuid.UUID]*ledger.LogicalAccount),
		txs:       make(map[uuid.UUID]*ledger.Transaction),
		rules:     make(map[uuid.UUID]*ledger.AllocationRule),
		recons:    make(map[uuid.UUID]*ledger.ReconciliationLog),
		calls:     make(map[string]int),
		failAfter: make(map[string]int),
		failFirst: make(map[string]int),
		failErr:   make(map[string]error),
	}
}

// failOn makes every call to method after the first n succeed-calls return err
func (r *fakeRepo) failOn(method string, afterCalls int, err error) {
	r.failAfter[method] = afterCalls
	r.failErr[method] = err
}

// failFirstCalls makes the first n calls to method return err
func (r *fakeRepo) failFirstCalls(method string, n int, err error) {
	r.failFirst[method] = n
	r.failErr[method] = err
}

func (r *fakeRepo) check(method string) error {
	r.calls[method]++
	if n, ok := r.failAfter[method]; ok && r.calls[method] > n {
		return r.failErr[method]
	}
	if n, ok := r.failFirst[method]; ok && r.calls[method] <= n {
		return r.failErr[method]
	}
	return nil
}

func cloneAccount(a *ledger.LogicalAccount) *ledger.LogicalAccount {
	c := *a
	c.Metadata = cloneMap(a.Metadata)
	return &c
}

func cloneTx(t *ledger.Transaction) *ledger.Transaction {
	c := *t
	c.Metadata = cloneMap(t.Metadata)
	return &c
}

func cloneRule(rule *ledger.AllocationRule) *ledger.AllocationRule {
	c := *rule
	c.Rules = append([]ledger.RuleItem(nil), rule.Rules...)
	return &c
}

func cloneRecon(l *ledger.ReconciliationLog) *ledger.ReconciliationLog {
	c := *l
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Account operations

func (r *fakeRepo) CreateAccount(ctx context.Context, account *ledger.LogicalAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateAccount"); err != nil {
		return err
	}
	for _, existing := range r.accounts {
		if existing.Name == account.Name {
			return apperrors.Conflict(fmt.Sprintf("account %q already exists", account.Name))
		}
	}
	r.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (r *fakeRepo) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.LogicalAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetAccount"); err != nil {
		return nil, err
	}
	account, ok := r.accounts[id]
	if !ok {
		return nil, apperrors.NotFound("account")
	}
	return cloneAccount(account), nil
}

func (r *fakeRepo) GetAccountByName(ctx context.Context, name string) (*ledger.LogicalAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetAccountByName"); err != nil {
		return nil, err
	}
	for _, account := range r.accounts {
		if account.Name == name {
			return cloneAccount(account), nil
		}
	}
	return nil, apperrors.NotFound("account")
}

func (r *fakeRepo) ListAccounts(ctx context.Context, filters ledger.AccountFilters) ([]*ledger.LogicalAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ListAccounts"); err != nil {
		return nil, err
	}
	var out []*ledger.LogicalAccount
	for _, account := range r.accounts {
		if filters.Type != nil && account.Type != *filters.Type {
			continue
		}
		if filters.Status != nil && account.Status != *filters.Status {
			continue
		}
		out = append(out, cloneAccount(account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeRepo) UpdateAccount(ctx context.Context, account *ledger.LogicalAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("UpdateAccount"); err != nil {
		return err
	}
	if _, ok := r.accounts[account.ID]; !ok {
		return apperrors.NotFound("account")
	}
	stored := cloneAccount(account)
	stored.Balance = r.accounts[account.ID].Balance
	r.accounts[account.ID] = stored
	return nil
}

func (r *fakeRepo) FindMissingAccounts(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("FindMissingAccounts"); err != nil {
		return nil, err
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := r.accounts[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r *fakeRepo) AdjustAccountBalances(ctx context.Context, deltas map[uuid.UUID]decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("AdjustAccountBalances"); err != nil {
		return err
	}
	for id := range deltas {
		if _, ok := r.accounts[id]; !ok {
			return apperrors.NotFound("account")
		}
	}
	for id, delta := range deltas {
		r.accounts[id].Balance = r.accounts[id].Balance.Add(delta)
	}
	return nil
}

func (r *fakeRepo) HasPostedTransactions(ctx context.Context, accountID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("HasPostedTransactions"); err != nil {
		return false, err
	}
	for _, tx := range r.txs {
		if tx.LogicalAccountID != nil && *tx.LogicalAccountID == accountID &&
			tx.Status == ledger.TxStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// Transaction operations

func (r *fakeRepo) CreateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateTransaction"); err != nil {
		return err
	}
	r.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (r *fakeRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetTransaction"); err != nil {
		return nil, err
	}
	tx, ok := r.txs[id]
	if !ok {
		return nil, apperrors.NotFound("transaction")
	}
	return cloneTx(tx), nil
}

func (r *fakeRepo) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	r.mu.Lock()
	inTx := r.snapshot != nil
	r.mu.Unlock()
	if !inTx {
		return nil, apperrors.Internal("row lock requires an open transaction", nil)
	}
	return r.GetTransaction(ctx, id)
}

func (r *fakeRepo) GetTransactionByExternalHash(ctx context.Context, hash string) (*ledger.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetTransactionByExternalHash"); err != nil {
		return nil, err
	}
	for _, tx := range r.txs {
		if tx.ExternalTxHash != nil && *tx.ExternalTxHash == hash {
			return cloneTx(tx), nil
		}
	}
	return nil, apperrors.NotFound("transaction")
}

func (r *fakeRepo) UpdateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("UpdateTransaction"); err != nil {
		return err
	}
	if _, ok := r.txs[tx.ID]; !ok {
		return apperrors.NotFound("transaction")
	}
	r.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (r *fakeRepo) ListTransactions(ctx context.Context, filters ledger.TransactionFilters) ([]*ledger.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ListTransactions"); err != nil {
		return nil, err
	}
	var out []*ledger.Transaction
	for _, tx := range r.txs {
		if filters.Status != nil && tx.Status != *filters.Status {
			continue
		}
		if filters.Type != nil && tx.Type != *filters.Type {
			continue
		}
		if filters.AccountID != nil &&
			(tx.LogicalAccountID == nil || *tx.LogicalAccountID != *filters.AccountID) {
			continue
		}
		out = append(out, cloneTx(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filters.Skip > 0 {
		if filters.Skip >= len(out) {
			return nil, nil
		}
		out = out[filters.Skip:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *fakeRepo) ListChildAllocations(ctx context.Context, parentID uuid.UUID) ([]*ledger.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ListChildAllocations"); err != nil {
		return nil, err
	}
	var out []*ledger.Transaction
	for _, tx := range r.txs {
		if tx.Type == ledger.TxTypeAllocation &&
			tx.ParentTransactionID != nil && *tx.ParentTransactionID == parentID {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRepo) SumPostedAmounts(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("SumPostedAmounts"); err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, tx := range r.txs {
		if tx.LogicalAccountID == nil || *tx.LogicalAccountID != accountID {
			continue
		}
		if tx.Status != ledger.TxStatusCompleted {
			continue
		}
		if asOf != nil && tx.TransactionDate.After(*asOf) {
			continue
		}
		if tx.Direction == ledger.Debit {
			sum = sum.Add(tx.Amount)
		} else {
			sum = sum.Sub(tx.Amount)
		}
	}
	return sum, nil
}

// Allocation rule operations

func (r *fakeRepo) CreateAllocationRule(ctx context.Context, rule *ledger.AllocationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateAllocationRule"); err != nil {
		return err
	}
	r.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (r *fakeRepo) GetAllocationRule(ctx context.Context, id uuid.UUID) (*ledger.AllocationRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetAllocationRule"); err != nil {
		return nil, err
	}
	rule, ok := r.rules[id]
	if !ok {
		return nil, apperrors.NotFound("allocation rule")
	}
	return cloneRule(rule), nil
}

func (r *fakeRepo) GetAllocationRuleByName(ctx context.Context, name string) (*ledger.AllocationRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetAllocationRuleByName"); err != nil {
		return nil, err
	}
	for _, rule := range r.rules {
		if rule.Name == name {
			return cloneRule(rule), nil
		}
	}
	return nil, apperrors.NotFound("allocation rule")
}

func (r *fakeRepo) GetActiveAllocationRule(ctx context.Context, name *string) (*ledger.AllocationRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetActiveAllocationRule"); err != nil {
		return nil, err
	}
	var newest *ledger.AllocationRule
	for _, rule := range r.rules {
		if !rule.Active {
			continue
		}
		if name != nil && rule.Name != *name {
			continue
		}
		if newest == nil || rule.CreatedAt.After(newest.CreatedAt) {
			newest = rule
		}
	}
	if newest == nil {
		return nil, nil
	}
	return cloneRule(newest), nil
}

func (r *fakeRepo) ListAllocationRules(ctx context.Context, filters ledger.RuleFilters) ([]*ledger.AllocationRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ListAllocationRules"); err != nil {
		return nil, err
	}
	var out []*ledger.AllocationRule
	for _, rule := range r.rules {
		if filters.ActiveOnly && !rule.Active {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filters.Skip > 0 {
		if filters.Skip >= len(out) {
			return nil, nil
		}
		out = out[filters.Skip:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *fakeRepo) UpdateAllocationRule(ctx context.Context, rule *ledger.AllocationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("UpdateAllocationRule"); err != nil {
		return err
	}
	if _, ok := r.rules[rule.ID]; !ok {
		return apperrors.NotFound("allocation rule")
	}
	r.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Reconciliation operations

func (r *fakeRepo) CreateReconciliationLog(ctx context.Context, log *ledger.ReconciliationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateReconciliationLog"); err != nil {
		return err
	}
	r.recons[log.ID] = cloneRecon(log)
	return nil
}

func (r *fakeRepo) GetReconciliationLog(ctx context.Context, id uuid.UUID) (*ledger.ReconciliationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetReconciliationLog"); err != nil {
		return nil, err
	}
	log, ok := r.recons[id]
	if !ok {
		return nil, apperrors.NotFound("reconciliation log")
	}
	return cloneRecon(log), nil
}

func (r *fakeRepo) UpdateReconciliationLog(ctx context.Context, log *ledger.ReconciliationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("UpdateReconciliationLog"); err != nil {
		return err
	}
	if _, ok := r.recons[log.ID]; !ok {
		return apperrors.NotFound("reconciliation log")
	}
	r.recons[log.ID] = cloneRecon(log)
	return nil
}

func (r *fakeRepo) ListReconciliationLogs(ctx context.Context, filters ledger.ReconciliationFilters) ([]*ledger.ReconciliationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ListReconciliationLogs"); err != nil {
		return nil, err
	}
	var out []*ledger.ReconciliationLog
	for _, log := range r.recons {
		if filters.AccountID != nil && log.LogicalAccountID != *filters.AccountID {
			continue
		}
		if filters.Resolved != nil && log.Resolved != *filters.Resolved {
			continue
		}
		out = append(out, cloneRecon(log))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// Audit operations

func (r *fakeRepo) CreateAuditLog(ctx context.Context, entry *ledger.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateAuditLog"); err != nil {
		return err
	}
	copied := *entry
	r.audits = append(r.audits, &copied)
	return nil
}

// Unit of work. BeginTx snapshots the whole store; RollbackTx restores it.

func (r *fakeRepo) BeginTx(ctx context.Context) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("BeginTx"); err != nil {
		return nil, err
	}
	if r.snapshot != nil {
		return nil, apperrors.Internal("transaction already in progress", nil)
	}
	r.snapshot = r.copyState()
	return ctx, nil
}

func (r *fakeRepo) CommitTx(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CommitTx"); err != nil {
		return err
	}
	if r.snapshot == nil {
		return apperrors.Internal("no transaction in progress", nil)
	}
	r.snapshot = nil
	return nil
}

func (r *fakeRepo) RollbackTx(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		return nil
	}
	r.accounts = r.snapshot.accounts
	r.txs = r.snapshot.txs
	r.rules = r.snapshot.rules
	r.recons = r.snapshot.recons
	r.audits = r.snapshot.audits
	r.snapshot = nil
	return nil
}

func (r *fakeRepo) copyState() *fakeState {
	s := &fakeState{
		accounts: make(map[uuid.UUID]*ledger.LogicalAccount, len(r.accounts)),
		txs:      make(map[uuid.UUID]*ledger.Transaction, len(r.txs)),
		rules:    make(map[uuid.UUID]*ledger.AllocationRule, len(r.rules)),
		recons:   make(map[uuid.UUID]*ledger.ReconciliationLog, len(r.recons)),
		audits:   append([]*ledger.AuditLog(nil), r.audits...),
	}
	for id, a := range r.accounts {
		s.accounts[id] = cloneAccount(a)
	}
	for id, t := range r.txs {
		s.txs[id] = cloneTx(t)
	}
	for id, rule := range r.rules {
		s.rules[id] = cloneRule(rule)
	}
	for id, l := range r.recons {
		s.recons[id] = cloneRecon(l)
	}
	return s
}

// Test helpers

func (r *fakeRepo) seedAccount(name string, t ledger.AccountType) *ledger.LogicalAccount {
	now := time.Now().UTC()
	account := &ledger.LogicalAccount{
		ID:        uuid.New(),
		Name:      name,
		Type:      t,
		Status:    ledger.AccountStatusActive,
		Currency:  "USD",
		Balance:   decimal.Zero,
		Metadata:  map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.accounts[account.ID] = account
	r.mu.Unlock()
	return account
}

func (r *fakeRepo) seedRule(name string, active bool, items []ledger.RuleItem) *ledger.AllocationRule {
	now := time.Now().UTC()
	rule := &ledger.AllocationRule{
		ID:        uuid.New(),
		Name:      name,
		Rules:     items,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()
	return rule
}

func (r *fakeRepo) balanceOf(id uuid.UUID) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id].Balance
}

func (r *fakeRepo) txCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs)
}

func (r *fakeRepo) auditCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audits)
}

func (r *fakeRepo) lastAudit() *ledger.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.audits) == 0 {
		return nil
	}
	return r.audits[len(r.audits)-1]
}
