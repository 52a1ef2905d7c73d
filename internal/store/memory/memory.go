// Package memory provides an in-process implementation of store.Store.
// Transactions are serialized by a single mutex and rolled back by
// restoring a snapshot, which gives the same isolation the PostgreSQL
// store provides through row locks.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Store is an in-memory transactional store.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	runs       map[uuid.UUID]*types.Run
	jobs       map[uuid.UUID]*types.Job
	jobKeys    map[string]uuid.UUID
	jobOrder   []uuid.UUID
	decisions  []types.Decision
	reviews    []types.Review
	artifacts  map[uuid.UUID]*types.Artifact
	artOrder   []uuid.UUID
	rules      map[uuid.UUID]*types.Rule
	ruleOrder  []uuid.UUID
	promotions []types.Promotion
	feedback   []types.Feedback
	events     []types.Event
	seq        int64
}

// New creates an empty store.
func New() *Store {
	return &Store{state: &state{
		runs:      make(map[uuid.UUID]*types.Run),
		jobs:      make(map[uuid.UUID]*types.Job),
		jobKeys:   make(map[string]uuid.UUID),
		artifacts: make(map[uuid.UUID]*types.Artifact),
		rules:     make(map[uuid.UUID]*types.Rule),
	}}
}

// InTx runs fn with exclusive access. State changes are discarded when fn
// returns an error. Calls must not nest.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&tx{st: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

func (st *state) clone() *state {
	c := &state{
		runs:       make(map[uuid.UUID]*types.Run, len(st.runs)),
		jobs:       make(map[uuid.UUID]*types.Job, len(st.jobs)),
		jobKeys:    make(map[string]uuid.UUID, len(st.jobKeys)),
		jobOrder:   append([]uuid.UUID(nil), st.jobOrder...),
		decisions:  append([]types.Decision(nil), st.decisions...),
		reviews:    append([]types.Review(nil), st.reviews...),
		artifacts:  make(map[uuid.UUID]*types.Artifact, len(st.artifacts)),
		artOrder:   append([]uuid.UUID(nil), st.artOrder...),
		rules:      make(map[uuid.UUID]*types.Rule, len(st.rules)),
		ruleOrder:  append([]uuid.UUID(nil), st.ruleOrder...),
		promotions: append([]types.Promotion(nil), st.promotions...),
		feedback:   append([]types.Feedback(nil), st.feedback...),
		events:     append([]types.Event(nil), st.events...),
		seq:        st.seq,
	}
	for k, v := range st.runs {
		c.runs[k] = v.Clone()
	}
	for k, v := range st.jobs {
		c.jobs[k] = v.Clone()
	}
	for k, v := range st.jobKeys {
		c.jobKeys[k] = v
	}
	for k, v := range st.artifacts {
		a := *v
		c.artifacts[k] = &a
	}
	for k, v := range st.rules {
		c.rules[k] = v.Clone()
	}
	return c
}

type tx struct {
	st *state
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

func (t *tx) CreateRun(_ context.Context, run *types.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Version == 0 {
		run.Version = 1
	}
	t.st.runs[run.ID] = run.Clone()
	return nil
}

func (t *tx) GetRun(_ context.Context, id uuid.UUID) (*types.Run, error) {
	run, ok := t.st.runs[id]
	if !ok {
		return nil, nil
	}
	return run.Clone(), nil
}

func (t *tx) GetRunForUpdate(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	return t.GetRun(ctx, id)
}

func (t *tx) UpdateRun(_ context.Context, run *types.Run) error {
	stored, ok := t.st.runs[run.ID]
	if !ok || stored.Version != run.Version {
		return &types.LockConflictError{Entity: "run", ID: run.ID}
	}
	run.Version++
	t.st.runs[run.ID] = run.Clone()
	return nil
}

func (t *tx) ListRuns(_ context.Context, status *types.RunStatus, limit int) ([]types.Run, error) {
	var runs []types.Run
	for _, r := range t.st.runs {
		if status != nil && r.Status != *status {
			continue
		}
		runs = append(runs, *r.Clone())
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func (t *tx) InsertJob(_ context.Context, job *types.Job) (bool, error) {
	if _, exists := t.st.jobKeys[job.IdempotencyKey]; exists {
		return false, nil
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	t.st.jobs[job.ID] = job.Clone()
	t.st.jobKeys[job.IdempotencyKey] = job.ID
	t.st.jobOrder = append(t.st.jobOrder, job.ID)
	return true, nil
}

func (t *tx) GetJob(_ context.Context, id uuid.UUID) (*types.Job, error) {
	job, ok := t.st.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (t *tx) GetJobByKey(ctx context.Context, key string) (*types.Job, error) {
	id, ok := t.st.jobKeys[key]
	if !ok {
		return nil, nil
	}
	return t.GetJob(ctx, id)
}

func matches(j *types.Job, f store.ClaimFilter) bool {
	return j.RunID == f.RunID && j.Step == f.Step && j.Service == f.Service
}

func (t *tx) ClaimJob(_ context.Context, f store.ClaimFilter, owner string, leaseSeconds int, now time.Time) (*types.Job, error) {
	for _, id := range t.st.jobOrder {
		j := t.st.jobs[id]
		if !matches(j, f) || !j.Claimable(now) || j.Exhausted() {
			continue
		}
		o := owner
		at := now
		j.Status = types.JobStatusRunning
		j.LockedBy = &o
		j.LockedAt = &at
		j.LeaseSeconds = leaseSeconds
		j.Attempts++
		j.UpdatedAt = now
		return j.Clone(), nil
	}
	return nil, nil
}

func (t *tx) FailExhaustedJobs(_ context.Context, f store.ClaimFilter, now time.Time) ([]types.Job, error) {
	var failed []types.Job
	for _, id := range t.st.jobOrder {
		j := t.st.jobs[id]
		if !matches(j, f) || !j.Claimable(now) || !j.Exhausted() {
			continue
		}
		msg := "max attempts exhausted"
		at := now
		j.Status = types.JobStatusFailed
		j.LockedBy = nil
		j.LockedAt = nil
		j.Error = &msg
		j.CompletedAt = &at
		j.UpdatedAt = now
		failed = append(failed, *j.Clone())
	}
	return failed, nil
}

func (t *tx) ReleaseJob(_ context.Context, r store.JobRelease) (*types.Job, error) {
	j, ok := t.st.jobs[r.JobID]
	if !ok || j.Status != types.JobStatusRunning {
		return nil, nil
	}
	if r.Owner != "" && (j.LockedBy == nil || *j.LockedBy != r.Owner) {
		return nil, nil
	}
	if r.Attempt != 0 && j.Attempts != r.Attempt {
		return nil, nil
	}
	j.Status = r.Status
	j.LockedBy = nil
	j.LockedAt = nil
	if r.ResultRef != nil {
		v := *r.ResultRef
		j.ResultRef = &v
	}
	if r.Error != nil {
		v := *r.Error
		j.Error = &v
	}
	if r.Status.IsTerminal() {
		at := r.At
		j.CompletedAt = &at
	}
	j.UpdatedAt = r.At
	return j.Clone(), nil
}

func (t *tx) HasActiveJob(_ context.Context, f store.ClaimFilter, now time.Time) (bool, error) {
	for _, id := range t.st.jobOrder {
		j := t.st.jobs[id]
		if !matches(j, f) {
			continue
		}
		if j.Status == types.JobStatusPending {
			return true, nil
		}
		if j.Status == types.JobStatusRunning && !j.LeaseExpired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) FailJobsInRange(_ context.Context, runID uuid.UUID, from, to int, reason string, now time.Time) (int, error) {
	n := 0
	for _, id := range t.st.jobOrder {
		j := t.st.jobs[id]
		if j.RunID != runID || j.Step < from || j.Step > to || j.Status.IsTerminal() {
			continue
		}
		msg := reason
		at := now
		j.Status = types.JobStatusFailed
		j.LockedBy = nil
		j.LockedAt = nil
		j.Error = &msg
		j.CompletedAt = &at
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (t *tx) ListJobs(_ context.Context, runID uuid.UUID) ([]types.Job, error) {
	var jobs []types.Job
	for _, id := range t.st.jobOrder {
		if j := t.st.jobs[id]; j.RunID == runID {
			jobs = append(jobs, *j.Clone())
		}
	}
	return jobs, nil
}

// -----------------------------------------------------------------------------
// Decisions and reviews
// -----------------------------------------------------------------------------

func (t *tx) InsertDecision(_ context.Context, d *types.Decision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	t.st.decisions = append(t.st.decisions, copyDecision(*d))
	return nil
}

func (t *tx) GetDecision(_ context.Context, id uuid.UUID) (*types.Decision, error) {
	for _, d := range t.st.decisions {
		if d.ID == id {
			c := copyDecision(d)
			return &c, nil
		}
	}
	return nil, nil
}

func (t *tx) ListDecisions(_ context.Context, runID uuid.UUID, step *int) ([]types.Decision, error) {
	var out []types.Decision
	for _, d := range t.st.decisions {
		if d.RunID != runID || (step != nil && d.Step != *step) {
			continue
		}
		out = append(out, copyDecision(d))
	}
	return out, nil
}

func copyDecision(d types.Decision) types.Decision {
	d.Rules = append([]types.RuleCheck(nil), d.Rules...)
	d.Schema.Issues = append([]types.FieldIssue(nil), d.Schema.Issues...)
	d.Audit.Categories = append([]string(nil), d.Audit.Categories...)
	return d
}

func (t *tx) InsertReview(_ context.Context, r *types.Review) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	t.st.reviews = append(t.st.reviews, *r)
	return nil
}

func (t *tx) ListReviews(_ context.Context, runID uuid.UUID) ([]types.Review, error) {
	var out []types.Review
	for _, r := range t.st.reviews {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

func (t *tx) InsertArtifact(_ context.Context, a *types.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	c := *a
	t.st.artifacts[a.ID] = &c
	t.st.artOrder = append(t.st.artOrder, a.ID)
	return nil
}

func (t *tx) GetArtifact(_ context.Context, id uuid.UUID) (*types.Artifact, error) {
	a, ok := t.st.artifacts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (t *tx) ListArtifacts(_ context.Context, runID uuid.UUID) ([]types.Artifact, error) {
	var out []types.Artifact
	for _, id := range t.st.artOrder {
		if a := t.st.artifacts[id]; a.RunID == runID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (t *tx) UpdateArtifactAccess(_ context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	a, ok := t.st.artifacts[id]
	if !ok {
		return &types.NotFoundError{Entity: "artifact", ID: id.String()}
	}
	tok := token
	exp := expiresAt
	a.AccessToken = &tok
	a.AccessExpiresAt = &exp
	return nil
}

// -----------------------------------------------------------------------------
// Policy rules
// -----------------------------------------------------------------------------

func (t *tx) InsertRule(_ context.Context, r *types.Rule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	t.st.rules[r.ID] = r.Clone()
	t.st.ruleOrder = append(t.st.ruleOrder, r.ID)
	return nil
}

func (t *tx) UpdateRule(_ context.Context, r *types.Rule) error {
	if _, ok := t.st.rules[r.ID]; !ok {
		return &types.NotFoundError{Entity: "rule", ID: r.ID.String()}
	}
	t.st.rules[r.ID] = r.Clone()
	return nil
}

func (t *tx) GetRule(_ context.Context, id uuid.UUID) (*types.Rule, error) {
	r, ok := t.st.rules[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (t *tx) FindRule(_ context.Context, scope types.Scope, scopeRef, category string) (*types.Rule, error) {
	for _, id := range t.st.ruleOrder {
		r := t.st.rules[id]
		if r.Scope == scope && r.ScopeRef == scopeRef && r.Category == category {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (t *tx) ListRules(_ context.Context, f store.RuleFilter) ([]types.Rule, error) {
	var out []types.Rule
	for _, id := range t.st.ruleOrder {
		r := t.st.rules[id]
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.Scope != nil && r.Scope != *f.Scope {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		out = append(out, *r.Clone())
	}
	return out, nil
}

func (t *tx) InsertPromotion(_ context.Context, p *types.Promotion) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	t.st.promotions = append(t.st.promotions, *p)
	return nil
}

func (t *tx) ListPromotions(_ context.Context, ruleID uuid.UUID) ([]types.Promotion, error) {
	var out []types.Promotion
	for _, p := range t.st.promotions {
		if p.RuleID == ruleID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *tx) InsertFeedback(_ context.Context, f *types.Feedback) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	t.st.feedback = append(t.st.feedback, *f)
	return nil
}

func (t *tx) ListFeedback(_ context.Context, decisionID uuid.UUID) ([]types.Feedback, error) {
	var out []types.Feedback
	for _, f := range t.st.feedback {
		if f.DecisionID == decisionID {
			out = append(out, f)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

func (t *tx) AppendEvent(_ context.Context, e *types.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.st.seq++
	e.Seq = t.st.seq
	t.st.events = append(t.st.events, copyEvent(*e))
	return nil
}

func (t *tx) ListEvents(_ context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]types.Event, error) {
	var out []types.Event
	for _, e := range t.st.events {
		if e.Seq <= afterSeq || e.RunID == nil || *e.RunID != runID {
			continue
		}
		out = append(out, copyEvent(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// copyEvent round-trips the message through JSON so stored events carry
// the same value types a database-backed store would return.
func copyEvent(e types.Event) types.Event {
	if e.Message != nil {
		raw, err := json.Marshal(e.Message)
		if err == nil {
			var msg map[string]any
			if json.Unmarshal(raw, &msg) == nil {
				e.Message = msg
			}
		}
	}
	return e
}
