package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
)

// RuleServiceInterface defines the allocation rule operations needed by
// AllocationRuleHandler.
type RuleServiceInterface interface {
	Create(ctx context.Context, req ledger.CreateRuleRequest, rc ledger.RequestContext) (*ledger.AllocationRule, error)
	Update(ctx context.Context, id uuid.UUID, req ledger.UpdateRuleRequest, rc ledger.RequestContext) (*ledger.AllocationRule, error)
	Delete(ctx context.Context, id uuid.UUID, rc ledger.RequestContext) error
	Get(ctx context.Context, id uuid.UUID) (*ledger.AllocationRule, error)
	List(ctx context.Context, filters ledger.RuleFilters) ([]*ledger.AllocationRule, error)
}

// AllocationRuleHandler handles allocation rule HTTP requests
type AllocationRuleHandler struct {
	service RuleServiceInterface
}

// NewAllocationRuleHandler creates a new allocation rule handler
func NewAllocationRuleHandler(service RuleServiceInterface) *AllocationRuleHandler {
	return &AllocationRuleHandler{service: service}
}

// RuleItemRequest is one slot of an allocation rule on the wire
type RuleItemRequest struct {
	DestinationAccountID string `json:"destination_account_id"`
	Percentage           string `json:"percentage"`
	Description          string `json:"description,omitempty"`
}

// CreateRuleRequest represents the rule creation request
type CreateRuleRequest struct {
	Name        string            `json:"name"`
	Rules       []RuleItemRequest `json:"rules"`
	Active      *bool             `json:"active,omitempty"`
	Description *string           `json:"description,omitempty"`
}

// UpdateRuleRequest represents the rule patch request
type UpdateRuleRequest struct {
	Rules       []RuleItemRequest `json:"rules,omitempty"`
	Active      *bool             `json:"active,omitempty"`
	Description *string           `json:"description,omitempty"`
}

// RuleItemResponse is one slot of an allocation rule on the wire
type RuleItemResponse struct {
	DestinationAccountID string `json:"destination_account_id"`
	Percentage           string `json:"percentage"`
	Description          string `json:"description,omitempty"`
}

// RuleResponse represents an allocation rule on the wire
type RuleResponse struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Rules       []RuleItemResponse `json:"rules"`
	Active      bool               `json:"active"`
	Description *string            `json:"description,omitempty"`
	CreatedBy   *string            `json:"created_by,omitempty"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

// CreateRule handles POST /allocation-rules
func (h *AllocationRuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items, err := parseRuleItems(req.Rules)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := requestContext(r)
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	createdBy := rc.Actor
	rule, err := h.service.Create(r.Context(), ledger.CreateRuleRequest{
		Name:        req.Name,
		Rules:       items,
		Active:      active,
		Description: req.Description,
		CreatedBy:   &createdBy,
	}, rc)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// GetRules handles GET /allocation-rules
func (h *AllocationRuleHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := ledger.RuleFilters{}
	if active := query.Get("active_only"); active != "" {
		filters.ActiveOnly, _ = strconv.ParseBool(active)
	}
	filters.Skip, _ = strconv.Atoi(query.Get("skip"))
	if filters.Skip < 0 {
		filters.Skip = 0
	}
	filters.Limit, _ = strconv.Atoi(query.Get("limit"))

	rules, err := h.service.List(r.Context(), filters)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	responses := make([]RuleResponse, len(rules))
	for i, rule := range rules {
		responses[i] = toRuleResponse(rule)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"rules": responses})
}

// GetRule handles GET /allocation-rules/{id}
func (h *AllocationRuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule ID")
		return
	}

	rule, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// UpdateRule handles PUT and PATCH /allocation-rules/{id}
func (h *AllocationRuleHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule ID")
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := ledger.UpdateRuleRequest{
		Active:      req.Active,
		Description: req.Description,
	}

	if req.Rules != nil {
		items, err := parseRuleItems(req.Rules)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		update.Rules = items
	}

	rule, err := h.service.Update(r.Context(), id, update, requestContext(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toRuleResponse(rule))
}

// DeleteRule handles DELETE /allocation-rules/{id}. Rules are deactivated,
// not removed, so historical allocations keep their reference.
func (h *AllocationRuleHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule ID")
		return
	}

	if err := h.service.Delete(r.Context(), id, requestContext(r)); err != nil {
		respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseRuleItems converts wire rule slots into domain form
func parseRuleItems(items []RuleItemRequest) ([]ledger.RuleItem, error) {
	parsed := make([]ledger.RuleItem, 0, len(items))
	for _, item := range items {
		destinationID, err := uuid.Parse(item.DestinationAccountID)
		if err != nil {
			return nil, errInvalidRuleItem("destination_account_id", item.DestinationAccountID)
		}
		percentage, err := decimal.NewFromString(item.Percentage)
		if err != nil {
			return nil, errInvalidRuleItem("percentage", item.Percentage)
		}
		parsed = append(parsed, ledger.RuleItem{
			DestinationAccountID: destinationID,
			Percentage:           percentage,
			Description:          item.Description,
		})
	}
	return parsed, nil
}

type ruleItemError struct {
	field, value string
}

func (e ruleItemError) Error() string {
	return "invalid rule item " + e.field + ": " + e.value
}

func errInvalidRuleItem(field, value string) error {
	return ruleItemError{field: field, value: value}
}

// toRuleResponse converts a domain rule to its wire form
func toRuleResponse(rule *ledger.AllocationRule) RuleResponse {
	items := make([]RuleItemResponse, 0, len(rule.Rules))
	for _, item := range rule.Rules {
		items = append(items, RuleItemResponse{
			DestinationAccountID: item.DestinationAccountID.String(),
			Percentage:           item.Percentage.String(),
			Description:          item.Description,
		})
	}

	return RuleResponse{
		ID:          rule.ID.String(),
		Name:        rule.Name,
		Rules:       items,
		Active:      rule.Active,
		Description: rule.Description,
		CreatedBy:   rule.CreatedBy,
		CreatedAt:   rule.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   rule.UpdatedAt.Format(time.RFC3339),
	}
}
