package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/MSA-I/RE-TOUR-sub007/internal/approval"
	"github.com/MSA-I/RE-TOUR-sub007/internal/artifact"
	"github.com/MSA-I/RE-TOUR-sub007/internal/events"
	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub007/internal/policy"
	"github.com/MSA-I/RE-TOUR-sub007/internal/qa"
	"github.com/MSA-I/RE-TOUR-sub007/internal/queue"
	"github.com/MSA-I/RE-TOUR-sub007/internal/server/ratelimit"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store/memory"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
	"github.com/MSA-I/RE-TOUR-sub007/internal/worker"
	"github.com/MSA-I/RE-TOUR-sub007/schemas"
)

// stepOutput is a worker handler that returns schema-valid output.
func stepOutput(_ context.Context, req worker.Request) (*types.WorkerResult, error) {
	ref := "s3://retour/outputs/step-" + string(rune('0'+req.Step)) + ".json"
	var body string
	switch req.Step {
	case 0:
		body = `"width":2000,"height":1400,"rooms":[{"name":"kitchen","area_sqm":12.5}]`
	case 1:
		body = `"spaces":[{"id":"living-1","type":"living","area_sqm":31}]`
	case 2:
		body = `"style_id":"nordic","palette":["#ffffff","#2f3e46","#cad2c5"]`
	case 3:
		body = `"width":2048,"height":1536,"style_id":"nordic"`
	case 4:
		body = `"views":[{"space_id":"living-1","artifact_ref":"` + ref + `"}]`
	}
	return &types.WorkerResult{
		OutputRef: ref,
		Manifest:  json.RawMessage(`{"artifact_ref":"` + ref + `",` + body + `}`),
		Report:    types.WorkerReport{Succeeded: true},
		Width:     2048,
		Height:    1536,
	}, nil
}

type testEnv struct {
	handler http.Handler
	mem     *memory.Store
	hub     *events.Hub
	tokens  *JWTService
	log     *logging.TestLogger
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	mem := memory.New()
	hub := events.NewHub()
	log := logging.NewTestLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := events.NewDispatcher(mem, log.Logger, m, hub)

	guard := phase.NewGuard(phase.Default())
	approvals := approval.New(st, guard, 2)
	arts, err := artifact.New(st, artifact.Config{SigningSecret: "server-test", BaseURL: "https://cdn.example.test"})
	require.NoError(t, err)
	pol := policy.New(st, policy.Config{
		SupportThreshold:            3,
		Escalation:                  policy.Escalation{Check: 2, Guard: 4, Law: 6},
		LawMuteRequiresConfirmation: true,
	})

	workers := worker.NewRegistry(nil)
	for _, svc := range types.Services() {
		require.NoError(t, workers.Register(svc, worker.HandlerFunc(stepOutput)))
	}
	driver, err := pipeline.New(pipeline.Deps{
		Store:     st,
		Guard:     guard,
		Queue:     queue.New(st, queue.Config{LeaseSeconds: 60, MaxAttempts: 3}),
		Gate:      qa.NewGate(st, phase.Default(), schemas.Get, qa.NewStaticAuditor(), qa.Config{RetryBudget: 2, MinAuditScore: 0.6}),
		Policy:    pol,
		Approvals: approvals,
		Artifacts: arts,
		Workers:   workers,
	}, pipeline.Config{Owner: "api-test", AutoAdvance: false})
	require.NoError(t, err)

	tokens := NewJWTService(testJWTConfig())
	deps := Deps{
		Store:     st,
		Runs:      driver,
		Approvals: approvals,
		Policy:    pol,
		Artifacts: arts,
		Tokens:    tokens,
		Hub:       hub,
		Gatherer:  reg,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	srv, err := New(deps, Config{Port: 0, KeepAlive: time.Hour}, log.Logger)
	require.NoError(t, err)
	return &testEnv{handler: srv.Handler(), mem: mem, hub: hub, tokens: tokens, log: log}
}

func (e *testEnv) token(t *testing.T, reviewer string) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken(reviewer)
	require.NoError(t, err)
	return tok
}

// do sends a request as reviewer "ana" unless token is overridden.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, e.token(t, "ana"), method, path, body)
}

func (e *testEnv) doAs(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) createRun(t *testing.T) types.Run {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/runs", map[string]string{
		"project_id": "loft-12",
		"input_ref":  "s3://retour/uploads/plan.png",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[types.Run](t, rec)
}

func (e *testEnv) tick(t *testing.T, id uuid.UUID) pipeline.TickResult {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/runs/"+id.String()+"/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON[pipeline.TickResult](t, rec)
}

func (e *testEnv) approve(t *testing.T, id uuid.UUID, step int) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/runs/"+id.String()+"/approve", map[string]any{"step": step})
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{}, nil)
	assert.Error(t, err)
}

func TestHealthAndAuthentication(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAs(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.doAs(t, tt.token, http.MethodGet, "/runs", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	pre := httptest.NewRecorder()
	env.handler.ServeHTTP(pre, req)
	assert.Equal(t, http.StatusNoContent, pre.Code)
	assert.Contains(t, pre.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCreateAndListRuns(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/runs", map[string]string{"project_id": "loft-12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeJSON[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/runs", map[string]string{"input_ref": "x", "surprise": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	run := env.createRun(t)
	assert.Equal(t, "ana", run.Owner)
	assert.Equal(t, types.RunStatusActive, run.Status)
	assert.Equal(t, phase.FloorPlanPending, run.Phase)

	rec = env.do(t, http.MethodGet, "/runs?status=active&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[struct {
		Runs  []types.Run `json:"runs"`
		Count int         `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, run.ID, list.Runs[0].ID)

	rec = env.do(t, http.MethodGet, "/runs?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"unknown run", "/runs/" + uuid.NewString(), http.StatusNotFound},
		{"bad id", "/runs/not-a-uuid", http.StatusBadRequest},
		{"unknown run jobs", "/runs/" + uuid.NewString() + "/jobs", http.StatusNotFound},
		{"unknown run events", "/runs/" + uuid.NewString() + "/events", http.StatusNotFound},
		{"bad after", "/runs/" + uuid.NewString() + "/events?after=-1", http.StatusBadRequest},
		{"unknown artifact", "/artifacts/" + uuid.NewString() + "/access", http.StatusNotFound},
		{"unknown rule", "/rules/" + uuid.NewString(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestReviewFlow(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	base := "/runs/" + run.ID.String()

	res := env.tick(t, run.ID)
	assert.Equal(t, pipeline.ActionEvaluated, res.Action)
	assert.Equal(t, types.VerdictProceed, res.Verdict)

	rec := env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeJSON[approval.RunView](t, rec)
	assert.Equal(t, phase.FloorPlanReview, view.Run.Phase)

	rec = env.approve(t, run.ID, 1)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "precondition_failed", decodeJSON[errorBody](t, rec).Code)

	rec = env.approve(t, run.ID, 0)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeJSON[struct {
		Status string    `json:"status"`
		Run    types.Run `json:"run"`
	}](t, rec)
	assert.Equal(t, "approved", approved.Status)
	assert.Equal(t, 1, approved.Run.Step)
	assert.Equal(t, "ana", approved.Run.Outputs[0].ApprovedBy)

	rec = env.approve(t, run.ID, 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_approved", decodeJSON[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodGet, base+"/reviews", nil)
	reviews := decodeJSON[map[string][]types.Review](t, rec)["reviews"]
	require.Len(t, reviews, 1)
	assert.Equal(t, "ana", reviews[0].Reviewer)

	rec = env.do(t, http.MethodGet, base+"/decisions?step=0", nil)
	decisions := decodeJSON[map[string][]types.Decision](t, rec)["decisions"]
	require.Len(t, decisions, 1)

	rec = env.do(t, http.MethodGet, base+"/jobs", nil)
	jobs := decodeJSON[map[string][]types.Job](t, rec)["jobs"]
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusCompleted, jobs[0].Status)

	rec = env.do(t, http.MethodGet, base+"/events", nil)
	evs := decodeJSON[map[string][]types.Event](t, rec)["events"]
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventRunCreated, evs[0].Type)
	var kinds []types.EventType
	for _, e := range evs {
		kinds = append(kinds, e.Type)
	}
	assert.Contains(t, kinds, types.EventStepApproved)

	rec = env.do(t, http.MethodGet, base+"/events?limit=1&after="+strconv.FormatInt(evs[0].Seq, 10), nil)
	page := decodeJSON[map[string][]types.Event](t, rec)["events"]
	require.Len(t, page, 1)
	assert.Equal(t, evs[1].Seq, page[0].Seq)
}

func TestApprove_StaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.tick(t, run.ID)

	rec := env.do(t, http.MethodPost, "/runs/"+run.ID.String()+"/approve", map[string]any{"step": 0, "version": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "lock_conflict", decodeJSON[errorBody](t, rec).Code)
}

func TestRejectAndRollback(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	base := "/runs/" + run.ID.String()

	env.tick(t, run.ID)
	rec := env.do(t, http.MethodPost, base+"/reject", map[string]any{"step": 0, "notes": "walls are skewed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decodeJSON[types.Run](t, rec)
	assert.Equal(t, phase.FloorPlanPending, rejected.Phase)

	env.tick(t, run.ID)
	require.Equal(t, http.StatusOK, env.approve(t, run.ID, 0).Code)
	env.tick(t, run.ID)

	rec = env.do(t, http.MethodGet, base+"/rollback", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "target step is required")

	rec = env.do(t, http.MethodGet, base+"/rollback?to=0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decodeJSON[approval.RollbackPlan](t, rec)
	assert.Equal(t, []int{1}, plan.Unapproved)

	rec = env.do(t, http.MethodPost, base+"/rollback", map[string]any{"to_step": 0})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeJSON[errorBody](t, rec)
	assert.Equal(t, "unacknowledged_discard", body.Code)
	assert.Equal(t, []int{1}, body.Steps)

	rec = env.do(t, http.MethodPost, base+"/rollback", map[string]any{"to_step": 0, "acknowledge_discard": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeJSON[approval.RollbackResult](t, rec)
	assert.Equal(t, 0, result.Run.Step)
	assert.Equal(t, phase.FloorPlanReview, result.Run.Phase)
}

func TestRecoverAndRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	base := "/runs/" + run.ID.String()

	rec := env.do(t, http.MethodPost, base+"/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, run.ID, decodeJSON[approval.RecoveryResult](t, rec).Run.ID)

	rec = env.do(t, http.MethodPost, base+"/retry-budget/reset", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "step is required")

	rec = env.do(t, http.MethodPost, base+"/retry-budget/reset", map[string]any{"step": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestArtifacts(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.tick(t, run.ID)

	rec := env.do(t, http.MethodGet, "/runs/"+run.ID.String()+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	arts := decodeJSON[map[string][]types.Artifact](t, rec)["artifacts"]
	require.Len(t, arts, 1)

	rec = env.do(t, http.MethodGet, "/artifacts/"+arts[0].ID.String()+"/access", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeJSON[artifact.Access](t, rec)
	assert.NotEmpty(t, first.Token)
	assert.False(t, first.Cached)
	assert.True(t, strings.HasPrefix(first.URL, "https://cdn.example.test"))

	rec = env.do(t, http.MethodGet, "/artifacts/"+arts[0].ID.String()+"/access", nil)
	assert.True(t, decodeJSON[artifact.Access](t, rec).Cached)
}

func TestRules(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/rules", map[string]any{"scope": "project", "category": "glare", "text": "no glare"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "project rules need a scope_ref")

	rec = env.do(t, http.MethodPost, "/rules", map[string]any{
		"scope": "global", "category": "glare", "text": "no glare", "constraint": map[string]any{"type": 12},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "constraint must compile")

	rec = env.do(t, http.MethodPost, "/rules", map[string]any{
		"scope": "global", "category": "glare", "text": "windows must not blow out", "tier": "law",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decodeJSON[types.Rule](t, rec)
	assert.Equal(t, types.TierLaw, rule.Tier)
	assert.Equal(t, types.RuleStatusActive, rule.Status)

	rec = env.do(t, http.MethodGet, "/rules?status=active&category=glare", nil)
	assert.Len(t, decodeJSON[map[string][]types.Rule](t, rec)["rules"], 1)
	rec = env.do(t, http.MethodGet, "/rules?status=pending", nil)
	assert.Empty(t, decodeJSON[map[string][]types.Rule](t, rec)["rules"])
	rec = env.do(t, http.MethodGet, "/rules?scope=galaxy", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path := "/rules/" + rule.ID.String()
	rec = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeJSON[struct {
		Rule       types.Rule        `json:"rule"`
		Promotions []types.Promotion `json:"promotions"`
	}](t, rec)
	require.Len(t, detail.Promotions, 1)
	assert.Equal(t, "ana", detail.Promotions[0].Actor)

	rec = env.do(t, http.MethodPost, path+"/override", map[string]string{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/override", map[string]string{"action": "mute"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmation_required", decodeJSON[map[string]any](t, rec)["status"])

	rec = env.doAs(t, env.token(t, "bo"), http.MethodPost, path+"/override", map[string]string{"action": "mute"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeJSON[types.Rule](t, rec).Muted)

	rec = env.do(t, http.MethodPost, path+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	env.tick(t, run.ID)

	rec := env.do(t, http.MethodGet, "/runs/"+run.ID.String()+"/decisions", nil)
	decisions := decodeJSON[map[string][]types.Decision](t, rec)["decisions"]
	require.Len(t, decisions, 1)
	path := "/decisions/" + decisions[0].ID.String() + "/feedback"

	rec = env.do(t, http.MethodPost, path, map[string]string{"human_verdict": "maybe", "category": "glare"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, map[string]string{"human_verdict": "block", "category": "glare", "reason": "window blown out"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fb := decodeJSON[feedbackResponse](t, rec)
	assert.True(t, fb.Created)
	require.NotNil(t, fb.Rule)
	assert.Equal(t, types.RuleStatusPending, fb.Rule.Status)
	assert.Equal(t, "ana", fb.Feedback.Reviewer)

	rec = env.do(t, http.MethodPost, "/decisions/"+uuid.NewString()+"/feedback", map[string]string{"human_verdict": "block", "category": "glare"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  2,
		DefaultWindow: time.Hour,
		Endpoints:     []ratelimit.EndpointConfig{},
	})
	t.Cleanup(limiter.Stop)
	env := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := env.do(t, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	env.log.AssertLogged(t, zapcore.WarnLevel, "rate limit exceeded")

	rec = env.doAs(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is never limited")
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/"+run.ID.String()+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "ana"))
	req.Header.Set("Last-Event-ID", "0")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	waitFor := func(want string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", want)
				if line == want {
					return
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	waitFor("event: " + string(types.EventRunCreated))
	env.tick(t, run.ID)
	waitFor("event: " + string(types.EventStepStarted))
}

func TestStreamEvents_HubDisabled(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Hub = nil })
	run := env.createRun(t)
	rec := env.do(t, http.MethodGet, "/runs/"+run.ID.String()+"/events/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestContinue_RequiresBlockedRun(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	rec := env.do(t, http.MethodPost, "/runs/"+run.ID.String()+"/continue", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code, rec.Body.String())

	var stored *types.Run
	require.NoError(t, env.mem.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		stored, err = tx.GetRun(context.Background(), run.ID)
		return err
	}))
	assert.Equal(t, types.RunStatusActive, stored.Status)
}

func TestContinue_SpentRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	ctx := context.Background()

	decision := types.Decision{
		ID:              uuid.New(),
		RunID:           run.ID,
		Step:            0,
		Verdict:         types.VerdictBlock,
		BlockReason:     "retry budget exhausted: audit failed",
		BudgetExhausted: true,
	}
	require.NoError(t, env.mem.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertDecision(ctx, &decision); err != nil {
			return err
		}
		stored, err := tx.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		stored.Status = types.RunStatusBlocked
		stored.BlockedDecisionID = &decision.ID
		stored.BlockReason = decision.BlockReason
		return tx.UpdateRun(ctx, stored)
	}))

	rec := env.do(t, http.MethodPost, "/runs/"+run.ID.String()+"/continue", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "retry_budget_exhausted", body.Code)
	assert.Contains(t, body.Error, "audit failed")
}
