package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MSA-I/RE-TOUR-sub007/internal/policy"
	"github.com/MSA-I/RE-TOUR-sub007/internal/schemas"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

type feedbackRequest struct {
	HumanVerdict string `json:"human_verdict" validate:"required,oneof=proceed retry block"`
	Category     string `json:"category" validate:"required,max=128"`
	Reason       string `json:"reason" validate:"max=4000"`
	Scope        string `json:"scope" validate:"omitempty,oneof=global project step"`
}

type createRuleRequest struct {
	Scope      string          `json:"scope" validate:"required,oneof=global project step"`
	ScopeRef   string          `json:"scope_ref" validate:"required_unless=Scope global,max=128"`
	Category   string          `json:"category" validate:"required,max=128"`
	Text       string          `json:"text" validate:"required,max=4000"`
	Tier       string          `json:"tier" validate:"omitempty,oneof=nudge check guard law"`
	Constraint json.RawMessage `json:"constraint"`
}

type overrideRequest struct {
	Action string `json:"action" validate:"required,oneof=mute unmute lock unlock"`
}

type feedbackResponse struct {
	Feedback     types.Feedback   `json:"feedback"`
	Rule         *types.Rule      `json:"rule,omitempty"`
	Created      bool             `json:"created"`
	Promotion    *types.Promotion `json:"promotion,omitempty"`
	Contradicted []types.Rule     `json:"contradicted"`
}

// handleFeedback records a reviewer's verdict on a QA decision.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req feedbackRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	update, err := s.deps.Policy.RecordFeedback(r.Context(), policy.FeedbackInput{
		DecisionID:   id,
		HumanVerdict: types.Verdict(req.HumanVerdict),
		Category:     req.Category,
		Reason:       req.Reason,
		Reviewer:     reviewer(r),
		Scope:        types.Scope(req.Scope),
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	resp := feedbackResponse{
		Feedback:     update.Feedback,
		Rule:         update.Rule,
		Created:      update.Created,
		Promotion:    update.Promotion,
		Contradicted: update.Contradicted,
	}
	if resp.Contradicted == nil {
		resp.Contradicted = []types.Rule{}
	}
	s.jsonResponse(w, http.StatusCreated, resp)
}

// handleListRules filters by ?status=, ?scope= and ?category=.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.RuleFilter
	if raw := q.Get("status"); raw != "" {
		st := types.RuleStatus(raw)
		switch st {
		case types.RuleStatusPending, types.RuleStatusActive, types.RuleStatusDisabled:
		default:
			s.errorResponse(w, r, &ErrValidation{Field: "status", Message: "unknown rule status"})
			return
		}
		f.Status = &st
	}
	if raw := q.Get("scope"); raw != "" {
		sc, err := types.ParseScope(raw)
		if err != nil {
			s.errorResponse(w, r, &ErrValidation{Field: "scope", Message: err.Error()})
			return
		}
		f.Scope = &sc
	}
	f.Category = q.Get("category")

	rules, err := s.deps.Policy.List(r.Context(), f)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if rules == nil {
		rules = []types.Rule{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var constraint []byte
	if len(req.Constraint) > 0 && string(req.Constraint) != "null" {
		if _, err := schemas.Compile("constraint", req.Constraint); err != nil {
			s.errorResponse(w, r, &ErrValidation{Field: "constraint", Message: err.Error()})
			return
		}
		constraint = req.Constraint
	}
	rule, err := s.deps.Policy.Create(r.Context(), policy.NewRule{
		Scope:      types.Scope(req.Scope),
		ScopeRef:   req.ScopeRef,
		Category:   req.Category,
		Text:       req.Text,
		Tier:       types.Tier(req.Tier),
		Constraint: constraint,
		Actor:      reviewer(r),
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, rule)
}

// handleGetRule returns a rule with its promotion history.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	rule, err := s.deps.Policy.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	promotions, err := s.deps.Policy.Promotions(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if promotions == nil {
		promotions = []types.Promotion{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"rule": rule, "promotions": promotions})
}

// handleOverrideRule mutes, unmutes, locks or unlocks a rule. A law-tier
// mute that still needs a second reviewer answers 202.
func (s *Server) handleOverrideRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req overrideRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	action, err := policy.ParseOverrideAction(req.Action)
	if err != nil {
		s.errorResponse(w, r, &ErrValidation{Field: "action", Message: err.Error()})
		return
	}
	rule, err := s.deps.Policy.Override(r.Context(), id, action, reviewer(r))
	var pending *types.ConfirmationRequiredError
	if errors.As(err, &pending) {
		s.jsonResponse(w, http.StatusAccepted, map[string]any{
			"status": "confirmation_required",
			"error":  err.Error(),
			"rule":   rule,
		})
		return
	}
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rule)
}

func (s *Server) handleConfirmRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	rule, err := s.deps.Policy.Confirm(r.Context(), id, reviewer(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rule)
}
