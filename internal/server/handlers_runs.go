package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/approval"
	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

const defaultListLimit = 50

type createRunRequest struct {
	ProjectID string `json:"project_id" validate:"max=128"`
	InputRef  string `json:"input_ref" validate:"required,max=1024"`
	// Owner defaults to the calling reviewer.
	Owner string `json:"owner" validate:"max=128"`
}

type approveRequest struct {
	Step      *int   `json:"step" validate:"required,min=0"`
	OutputRef string `json:"output_ref" validate:"max=1024"`
	Notes     string `json:"notes" validate:"max=4000"`
	Version   int    `json:"version" validate:"min=0"`
}

type rejectRequest struct {
	Step  *int   `json:"step" validate:"required,min=0"`
	Notes string `json:"notes" validate:"max=4000"`
}

type stepRequest struct {
	Step *int `json:"step" validate:"required,min=0"`
}

type rollbackRequest struct {
	ToStep             *int `json:"to_step" validate:"required,min=0"`
	AcknowledgeDiscard bool `json:"acknowledge_discard"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = reviewer(r)
	}
	run, err := s.deps.Runs.CreateRun(r.Context(), pipeline.NewRun{
		Owner:     owner,
		ProjectID: req.ProjectID,
		InputRef:  req.InputRef,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var status *types.RunStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := types.RunStatus(raw)
		if !st.Valid() {
			s.errorResponse(w, r, &ErrValidation{Field: "status", Message: "unknown run status"})
			return
		}
		status = &st
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	n := defaultListLimit
	if limit != nil && *limit > 0 {
		n = *limit
	}

	var runs []types.Run
	err = s.deps.Store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		runs, err = tx.ListRuns(r.Context(), status, n)
		return err
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.Run{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun returns the run with the decision behind its block.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Approvals.Describe(ctx, id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, view)
}

// handleTick advances a run by one step of work. Deployments without a
// worker pool drive runs this way.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Runs.Tick(ctx, id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	run, err := s.deps.Approvals.ManualApprove(ctx, approval.Approval{
		RunID:     id,
		Step:      *req.Step,
		OutputRef: req.OutputRef,
		Reviewer:  reviewer(r),
		Notes:     req.Notes,
		Version:   req.Version,
	})
	var already *types.AlreadyApprovedError
	if errors.As(err, &already) {
		current, getErr := s.deps.Approvals.Get(ctx, id)
		if getErr != nil {
			s.errorResponse(w, r, getErr)
			return
		}
		s.jsonResponse(w, http.StatusOK, map[string]any{"status": "already_approved", "run": current})
		return
	}
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"status": "approved", "run": run})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	run, err := s.deps.Approvals.Reject(ctx, approval.Rejection{
		RunID:    id,
		Step:     *req.Step,
		Reviewer: reviewer(r),
		Notes:    req.Notes,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	run, err := s.deps.Approvals.Continue(ctx, id, reviewer(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleResetRetryBudget(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	var req stepRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	run, err := s.deps.Approvals.ResetRetryBudget(ctx, id, *req.Step, reviewer(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Approvals.Recover(ctx, id, reviewer(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handlePlanRollback previews a rollback to the step given by ?to=.
func (s *Server) handlePlanRollback(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	to, err := queryInt(r, "to")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if to == nil {
		s.errorResponse(w, r, &ErrValidation{Field: "to", Message: "required"})
		return
	}
	plan, err := s.deps.Approvals.PlanRollback(ctx, id, *to)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, plan)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := s.decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	res, err := s.deps.Approvals.Rollback(ctx, approval.RollbackRequest{
		RunID:              id,
		ToStep:             *req.ToStep,
		Reviewer:           reviewer(r),
		AcknowledgeDiscard: req.AcknowledgeDiscard,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	var jobs []types.Job
	err := s.readRun(ctx, id, func(tx store.Tx) error {
		var err error
		jobs, err = tx.ListJobs(ctx, id)
		return err
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleListDecisions lists QA decisions, optionally for one ?step=.
func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	step, err := queryInt(r, "step")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var decisions []types.Decision
	err = s.readRun(ctx, id, func(tx store.Tx) error {
		var err error
		decisions, err = tx.ListDecisions(ctx, id, step)
		return err
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []types.Decision{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	var reviews []types.Review
	err := s.readRun(ctx, id, func(tx store.Tx) error {
		var err error
		reviews, err = tx.ListReviews(ctx, id)
		return err
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if reviews == nil {
		reviews = []types.Review{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"reviews": reviews})
}

// handleListEvents pages through the audit log with ?after= and ?limit=.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	after, err := lastEventID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}
	evs, err := s.events(ctx, id, after, n)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"events": evs})
}

// handleStreamEvents replays the audit log after Last-Event-ID and then
// follows live events. Events that arrive during the replay are sent once.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := s.runRequest(w, r)
	if !ok {
		return
	}
	if s.deps.Hub == nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, errorBody{Error: "event streaming is not enabled", Code: "unavailable"})
		return
	}
	after, err := lastEventID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	live, cancel := s.deps.Hub.Subscribe(id, 64)
	defer cancel()

	backlog, err := s.events(ctx, id, after, 0)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	last := after
	for _, e := range backlog {
		if err := sse.WriteEvent(e); err != nil {
			return
		}
		last = e.Seq
	}

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if err := sse.WriteEvent(e); err != nil {
				return
			}
			last = e.Seq
		case <-ticker.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// runRequest parses the run id path value and tags the request context.
func (s *Server) runRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, context.Context, bool) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return uuid.Nil, nil, false
	}
	return id, logging.WithRunID(r.Context(), id.String()), true
}

// readRun runs fn after checking the run exists.
func (s *Server) readRun(ctx context.Context, id uuid.UUID, fn func(tx store.Tx) error) error {
	return s.deps.Store.InTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run == nil {
			return &types.NotFoundError{Entity: "run", ID: id.String()}
		}
		return fn(tx)
	})
}

func (s *Server) events(ctx context.Context, id uuid.UUID, after int64, limit int) ([]types.Event, error) {
	var evs []types.Event
	err := s.readRun(ctx, id, func(tx store.Tx) error {
		var err error
		evs, err = tx.ListEvents(ctx, id, after, limit)
		return err
	})
	if evs == nil {
		evs = []types.Event{}
	}
	return evs, err
}
