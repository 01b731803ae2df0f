package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
)

// RuleService manages allocation rules. Rules are soft-deleted: Delete
// deactivates a rule so historical allocations keep a valid reference.
type RuleService struct {
	repo   Repository
	engine *AllocationEngine
	audit  *AuditWriter
}

// NewRuleService creates a new allocation rule service
func NewRuleService(repo Repository) *RuleService {
	return &RuleService{
		repo:   repo,
		engine: NewAllocationEngine(repo),
		audit:  NewAuditWriter(repo),
	}
}

// CreateRuleRequest carries the fields accepted when creating a rule
type CreateRuleRequest struct {
	Name        string
	Rules       []RuleItem
	Active      bool
	Description *string
	CreatedBy   *string
}

// UpdateRuleRequest carries the mutable fields of a rule
type UpdateRuleRequest struct {
	Rules       []RuleItem
	Active      *bool
	Description *string
}

// Create validates and stores a new allocation rule. Names are unique across
// active and inactive rules; destination accounts must exist.
func (s *RuleService) Create(ctx context.Context, req CreateRuleRequest, rc RequestContext) (*AllocationRule, error) {
	now := time.Now().UTC()
	rule := &AllocationRule{
		ID:          uuid.New(),
		Name:        req.Name,
		Rules:       req.Rules,
		Active:      req.Active,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.engine.ValidateRule(rule); err != nil {
		return nil, err
	}

	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		if err := s.engine.ValidateDestinations(ctx, rule); err != nil {
			return err
		}

		existing, err := s.repo.GetAllocationRuleByName(ctx, rule.Name)
		if err != nil && apperrors.HTTPStatus(err) != 404 {
			return err
		}
		if existing != nil {
			return apperrors.Conflict(fmt.Sprintf("allocation rule %q already exists", rule.Name))
		}

		if err := s.repo.CreateAllocationRule(ctx, rule); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionCreateAllocationRule, rc, &rule.ID, "allocation_rule",
			map[string]interface{}{
				"name":       rule.Name,
				"active":     rule.Active,
				"rule_count": len(rule.Rules),
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// Update patches a rule; a changed slot list is re-validated in full
func (s *RuleService) Update(ctx context.Context, id uuid.UUID, req UpdateRuleRequest, rc RequestContext) (*AllocationRule, error) {
	var rule *AllocationRule
	err := runInTx(ctx, s.repo, func(ctx context.Context) error {
		var err error
		rule, err = s.repo.GetAllocationRule(ctx, id)
		if err != nil {
			return err
		}

		changed := map[string]interface{}{}

		if req.Rules != nil {
			rule.Rules = req.Rules
			if err := s.engine.ValidateRule(rule); err != nil {
				return err
			}
			if err := s.engine.ValidateDestinations(ctx, rule); err != nil {
				return err
			}
			changed["rule_count"] = len(rule.Rules)
		}
		if req.Active != nil {
			rule.Active = *req.Active
			changed["active"] = *req.Active
		}
		if req.Description != nil {
			rule.Description = req.Description
			changed["description"] = *req.Description
		}

		rule.UpdatedAt = time.Now().UTC()
		if err := s.repo.UpdateAllocationRule(ctx, rule); err != nil {
			return err
		}

		_, err = s.audit.Write(ctx, ActionUpdateAllocationRule, rc, &rule.ID, "allocation_rule", changed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete deactivates a rule. The row stays so allocations created under it
// keep resolving their rule metadata.
func (s *RuleService) Delete(ctx context.Context, id uuid.UUID, rc RequestContext) error {
	return runInTx(ctx, s.repo, func(ctx context.Context) error {
		rule, err := s.repo.GetAllocationRule(ctx, id)
		if err != nil {
			return err
		}

		if rule.Active {
			rule.Active = false
			rule.UpdatedAt = time.Now().UTC()
			if err := s.repo.UpdateAllocationRule(ctx, rule); err != nil {
				return err
			}
		}

		_, err = s.audit.Write(ctx, ActionDeleteAllocationRule, rc, &rule.ID, "allocation_rule",
			map[string]interface{}{"name": rule.Name})
		return err
	})
}

// Get retrieves a rule by ID
func (s *RuleService) Get(ctx context.Context, id uuid.UUID) (*AllocationRule, error) {
	rule, err := s.repo.GetAllocationRule(ctx, id)
	if errors.Is(err, ErrConnectionLost) {
		rule, err = s.repo.GetAllocationRule(ctx, id)
	}
	return rule, err
}

// List returns rules matching the filters
func (s *RuleService) List(ctx context.Context, filters RuleFilters) ([]*AllocationRule, error) {
	if filters.Limit <= 0 || filters.Limit > 1000 {
		filters.Limit = 100
	}

	rules, err := s.repo.ListAllocationRules(ctx, filters)
	if errors.Is(err, ErrConnectionLost) {
		rules, err = s.repo.ListAllocationRules(ctx, filters)
	}
	return rules, err
}
