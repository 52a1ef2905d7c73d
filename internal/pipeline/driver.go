// Package pipeline drives runs through their steps: it submits and claims
// the step's job, invokes the worker outside any transaction, evaluates the
// result through the QA gate and applies the verdict to the run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/approval"
	"github.com/MSA-I/RE-TOUR-sub007/internal/artifact"
	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/policy"
	"github.com/MSA-I/RE-TOUR-sub007/internal/qa"
	"github.com/MSA-I/RE-TOUR-sub007/internal/queue"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
	"github.com/MSA-I/RE-TOUR-sub007/internal/worker"
)

// Action is what a tick did.
type Action string

const (
	ActionIdle           Action = "idle"
	ActionAwaitingReview Action = "awaiting_review"
	ActionBusy           Action = "busy"
	ActionBlocked        Action = "blocked"
	ActionEvaluated      Action = "evaluated"
	ActionWorkerFailed   Action = "worker_failed"
	ActionSuperseded     Action = "superseded"
)

// progressed reports whether another tick may do more work right away.
func (a Action) progressed() bool {
	return a == ActionEvaluated || a == ActionWorkerFailed
}

// ProgressEvent is a progress update emitted after every tick.
type ProgressEvent struct {
	RunID   uuid.UUID `json:"run_id"`
	Step    int       `json:"step"`
	Action  Action    `json:"action"`
	Message string    `json:"message"`
}

// ProgressCallback is called when a tick finishes.
type ProgressCallback func(event ProgressEvent)

// Deps are the components a driver coordinates. Policy and Artifacts may
// be nil; violations are then not counted and artifacts not recorded.
type Deps struct {
	Store     store.TxRunner
	Guard     *phase.Guard
	Queue     *queue.Queue
	Gate      *qa.Gate
	Policy    *policy.Store
	Approvals *approval.Controller
	Artifacts *artifact.Service
	Workers   *worker.Registry
}

// Config holds driver settings.
type Config struct {
	// Owner identifies this process as a lease holder.
	Owner string
	// LeaseSeconds is how long each claim holds its job. 0 uses the
	// queue's configured lease.
	LeaseSeconds int
	// AutoAdvance approves proceed verdicts on behalf of the QA gate.
	AutoAdvance bool
	// RegistryVersion is the registry new runs are created under.
	RegistryVersion int
	// MaxTicks bounds a single Drive call.
	MaxTicks int
	// ConflictRetries bounds local retries after a lock conflict.
	ConflictRetries int
}

// Driver advances runs.
type Driver struct {
	Deps
	cfg        Config
	now        func() time.Time
	log        *logging.Logger
	onProgress ProgressCallback
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock overrides the driver's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithLogger sets the driver's logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Driver) { d.log = l.Named("pipeline") }
}

// WithProgress registers a progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(d *Driver) { d.onProgress = cb }
}

// New creates a driver.
func New(deps Deps, cfg Config, opts ...Option) (*Driver, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline driver requires a store")
	case deps.Guard == nil:
		return nil, fmt.Errorf("pipeline driver requires a phase guard")
	case deps.Queue == nil:
		return nil, fmt.Errorf("pipeline driver requires a job queue")
	case deps.Gate == nil:
		return nil, fmt.Errorf("pipeline driver requires a QA gate")
	case deps.Approvals == nil:
		return nil, fmt.Errorf("pipeline driver requires an approval controller")
	case deps.Workers == nil:
		return nil, fmt.Errorf("pipeline driver requires a worker registry")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("pipeline owner cannot be empty")
	}
	if cfg.RegistryVersion <= 0 {
		cfg.RegistryVersion = 1
	}
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = 64
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}

	d := &Driver{Deps: deps, cfg: cfg, now: time.Now, log: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewRun describes a run to create.
type NewRun struct {
	Owner     string
	ProjectID string
	// InputRef points at the uploaded floor plan.
	InputRef string
}

// CreateRun creates an active run at the entry phase of step 0.
func (d *Driver) CreateRun(ctx context.Context, in NewRun) (*types.Run, error) {
	if in.InputRef == "" {
		return nil, fmt.Errorf("run input reference is required")
	}
	now := d.now()
	run := &types.Run{
		ID:              uuid.New(),
		Owner:           in.Owner,
		ProjectID:       in.ProjectID,
		Status:          types.RunStatusActive,
		RegistryVersion: d.cfg.RegistryVersion,
		InputRef:        in.InputRef,
		Outputs:         make(map[int]types.StepOutput),
		RetryBudgets:    make(map[int]int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := d.Store.InTx(ctx, func(tx store.Tx) error {
		reg, err := d.Guard.Registry(run)
		if err != nil {
			return err
		}
		entry, err := reg.EntryPhase(0)
		if err != nil {
			return err
		}
		first := 0
		if _, err := d.Guard.Apply(ctx, tx, run, entry, &first, "pipeline.create"); err != nil {
			return err
		}
		if err := tx.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		ev := types.NewRunEvent(run.ID, types.EventRunCreated, run.Step, map[string]any{
			"owner":            run.Owner,
			"project_id":       run.ProjectID,
			"input_ref":        run.InputRef,
			"registry_version": run.RegistryVersion,
			"phase":            string(run.Phase),
		})
		ev.CreatedAt = now
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	d.log.Info(ctx, "run created",
		zap.String("run_id", run.ID.String()),
		zap.String("project_id", run.ProjectID),
		zap.Int("registry_version", run.RegistryVersion),
	)
	return run, nil
}

// TickResult reports what a tick did.
type TickResult struct {
	RunID      uuid.UUID     `json:"run_id"`
	Step       int           `json:"step"`
	Action     Action        `json:"action"`
	Verdict    types.Verdict `json:"verdict,omitempty"`
	DecisionID *uuid.UUID    `json:"decision_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// lease is the state captured when a job is claimed. The second
// transaction of a tick only applies its verdict if the run still matches.
type lease struct {
	run      *types.Run
	spec     phase.StepSpec
	job      *types.Job
	inputRef string
	inputs   map[int]string
}

// Tick performs at most one unit of work for a run.
func (d *Driver) Tick(ctx context.Context, runID uuid.UUID) (*TickResult, error) {
	ctx = logging.WithRunID(ctx, runID.String())

	l, res, err := d.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		d.progress(res, "")
		return res, nil
	}

	wres, err := d.Workers.Dispatch(ctx, worker.Request{
		RunID:    l.run.ID,
		JobID:    l.job.ID,
		Step:     l.spec.Number,
		StepName: l.spec.Name,
		Service:  l.spec.Service,
		Attempt:  l.job.Attempts,
		InputRef: l.inputRef,
		Inputs:   l.inputs,
	})
	if err != nil {
		d.log.Warn(ctx, "worker invocation failed",
			zap.String("job_id", l.job.ID.String()),
			zap.Int("attempt", l.job.Attempts),
			zap.Error(err),
		)
		d.releasePending(ctx, l, err.Error())
		res.Action = ActionWorkerFailed
		res.Reason = err.Error()
		d.progress(res, "")
		return res, nil
	}

	decision, err := d.Gate.Evaluate(ctx, l.run, l.job.ID, *wres)
	if err != nil {
		d.releasePending(ctx, l, err.Error())
		return nil, fmt.Errorf("failed to evaluate step %d output: %w", l.spec.Number, err)
	}

	if err := d.retryConflicts(ctx, func() error {
		return d.Store.InTx(ctx, func(tx store.Tx) error {
			return d.apply(ctx, tx, l, *wres, decision, res)
		})
	}); err != nil {
		return nil, err
	}

	d.progress(res, decision.BlockReason)
	return res, nil
}

// claim is the first transaction of a tick.
func (d *Driver) claim(ctx context.Context, runID uuid.UUID) (*lease, *TickResult, error) {
	var (
		l   *lease
		res *TickResult
	)
	err := d.retryConflicts(ctx, func() error {
		l = nil
		return d.Store.InTx(ctx, func(tx store.Tx) error {
			run, err := loadForUpdate(ctx, tx, runID)
			if err != nil {
				return err
			}
			res = &TickResult{RunID: run.ID, Step: run.Step}

			switch run.Status {
			case types.RunStatusActive:
			case types.RunStatusBlocked:
				res.Action = ActionBlocked
				res.Reason = run.BlockReason
				return nil
			default:
				res.Action = ActionIdle
				return nil
			}

			reg, err := d.Guard.Registry(run)
			if err != nil {
				return err
			}
			spec, ok := reg.Spec(run.Step)
			if !ok {
				return fmt.Errorf("run %s is at unknown step %d", run.ID, run.Step)
			}
			if spec.Terminal() {
				res.Action = ActionIdle
				return nil
			}
			if reg.IsReview(run.Phase) {
				res.Action = ActionAwaitingReview
				return nil
			}

			inputRef := run.InputRef
			if run.Step > 0 {
				prev := run.Outputs[run.Step-1]
				if !prev.Approved {
					return &types.PreconditionFailedError{
						Operation: "tick",
						Reason:    fmt.Sprintf("step %d has no approved output", run.Step-1),
						Steps:     []int{run.Step - 1},
					}
				}
				inputRef = prev.OutputRef
			}

			submitted, _, err := d.Queue.SubmitTx(ctx, tx, queue.Submission{
				RunID:    run.ID,
				Step:     run.Step,
				Service:  spec.Service,
				Epoch:    run.Epoch,
				InputRef: inputRef,
			})
			if err != nil {
				return err
			}
			cr, err := d.Queue.ClaimTx(ctx, tx, store.ClaimFilter{RunID: run.ID, Step: run.Step, Service: spec.Service}, d.cfg.Owner, d.cfg.LeaseSeconds)
			if err != nil {
				return err
			}

			if cr.Job == nil {
				reason := ""
				switch {
				case len(cr.Exhausted) > 0:
					reason = fmt.Sprintf("job for step %d exhausted its %d attempts", run.Step, cr.Exhausted[0].MaxAttempts)
				case submitted != nil && submitted.Status == types.JobStatusFailed:
					reason = fmt.Sprintf("job for step %d failed", run.Step)
					if submitted.Error != nil {
						reason += ": " + *submitted.Error
					}
				default:
					res.Action = ActionBusy
					return nil
				}
				entry, err := reg.EntryPhase(run.Step)
				if err != nil {
					return err
				}
				step := run.Step
				if _, err := d.Guard.Apply(ctx, tx, run, entry, &step, "pipeline.exhausted"); err != nil {
					return err
				}
				if err := d.block(ctx, tx, run, nil, reason); err != nil {
					return err
				}
				res.Action = ActionBlocked
				res.Reason = reason
				return d.save(ctx, tx, run)
			}

			running, err := reg.RunningPhase(run.Step)
			if err != nil {
				return err
			}
			step := run.Step
			if _, err := d.Guard.Apply(ctx, tx, run, running, &step, "pipeline.claim"); err != nil {
				return err
			}
			if err := d.appendEvent(ctx, tx, run, types.EventStepStarted, map[string]any{
				"job_id":  cr.Job.ID.String(),
				"service": string(spec.Service),
				"attempt": cr.Job.Attempts,
				"owner":   d.cfg.Owner,
				"phase":   string(run.Phase),
			}); err != nil {
				return err
			}
			if err := d.save(ctx, tx, run); err != nil {
				return err
			}

			inputs := make(map[int]string)
			for step, out := range run.Outputs {
				if out.Approved && step < run.Step {
					inputs[step] = out.OutputRef
				}
			}
			l = &lease{run: run.Clone(), spec: spec, job: cr.Job, inputRef: inputRef, inputs: inputs}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return l, res, nil
}

// apply is the second transaction of a tick.
func (d *Driver) apply(ctx context.Context, tx store.Tx, l *lease, wres types.WorkerResult, dec *types.Decision, res *TickResult) error {
	run, err := loadForUpdate(ctx, tx, l.run.ID)
	if err != nil {
		return err
	}
	job, err := tx.GetJob(ctx, l.job.ID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	res.Step = l.spec.Number

	if reason := superseded(run, l, job, d.cfg.Owner); reason != "" {
		d.log.Info(ctx, "discarding result of superseded job",
			zap.String("job_id", l.job.ID.String()),
			zap.String("reason", reason),
		)
		if job != nil && job.Status == types.JobStatusRunning && job.Attempts == l.job.Attempts {
			msg := "superseded: " + reason
			if _, err := d.Queue.ReleaseTx(ctx, tx, queue.Release{JobID: job.ID, Owner: d.cfg.Owner, Attempt: l.job.Attempts, Status: types.JobStatusFailed, Error: &msg}); err != nil {
				return err
			}
		}
		res.Action = ActionSuperseded
		res.Reason = reason
		return nil
	}

	if err := d.Gate.Record(ctx, tx, run, dec); err != nil {
		return err
	}
	if d.Policy != nil {
		if _, err := d.Policy.ObserveViolations(ctx, tx, dec); err != nil {
			return err
		}
	}

	reg, err := d.Guard.Registry(run)
	if err != nil {
		return err
	}
	step := l.spec.Number
	decisionID := dec.ID
	res.Action = ActionEvaluated
	res.Verdict = dec.Verdict
	res.DecisionID = &decisionID

	switch dec.Verdict {
	case types.VerdictProceed:
		if err := d.storeOutput(ctx, tx, run, l, wres, dec); err != nil {
			return err
		}
		review, err := reg.ReviewPhase(step)
		if err != nil {
			return err
		}
		if _, err := d.Guard.Apply(ctx, tx, run, review, &step, "pipeline.proceed"); err != nil {
			return err
		}
		ref := wres.OutputRef
		if _, err := d.Queue.ReleaseTx(ctx, tx, queue.Release{JobID: job.ID, Owner: d.cfg.Owner, Attempt: l.job.Attempts, Status: types.JobStatusCompleted, ResultRef: &ref}); err != nil {
			return err
		}
		if d.cfg.AutoAdvance {
			if err := d.Approvals.ApproveTx(ctx, tx, run, approval.Approval{
				RunID:    run.ID,
				Step:     step,
				Reviewer: approval.SystemReviewer,
				Notes:    "proceed verdict " + dec.ID.String(),
			}); err != nil {
				return err
			}
		}

	case types.VerdictRetry:
		entry, err := reg.EntryPhase(step)
		if err != nil {
			return err
		}
		if _, err := d.Guard.Apply(ctx, tx, run, entry, &step, "pipeline.retry"); err != nil {
			return err
		}
		msg := fmt.Sprintf("qa retry (decision %s, %d retries left)", dec.ID, dec.RetryBudget)
		if _, err := d.Queue.ReleaseTx(ctx, tx, queue.Release{JobID: job.ID, Owner: d.cfg.Owner, Attempt: l.job.Attempts, Status: types.JobStatusPending, Error: &msg}); err != nil {
			return err
		}

	case types.VerdictBlock:
		if wres.OutputRef != "" {
			if err := d.storeOutput(ctx, tx, run, l, wres, dec); err != nil {
				return err
			}
		}
		review, err := reg.ReviewPhase(step)
		if err != nil {
			return err
		}
		if _, err := d.Guard.Apply(ctx, tx, run, review, &step, "pipeline.block"); err != nil {
			return err
		}
		if err := d.block(ctx, tx, run, &decisionID, dec.BlockReason); err != nil {
			return err
		}
		// A law veto holds the job with the run. A spent budget fails it;
		// only a budget reset brings the step back, under a new job.
		status := types.JobStatusBlocked
		msg := dec.BlockReason
		if dec.BudgetExhausted {
			cause := &types.RetryBudgetExhaustedError{RunID: run.ID, Step: step, Reason: dec.BlockReason}
			status = types.JobStatusFailed
			msg = cause.Error()
		}
		if _, err := d.Queue.ReleaseTx(ctx, tx, queue.Release{JobID: job.ID, Owner: d.cfg.Owner, Attempt: l.job.Attempts, Status: status, Error: &msg}); err != nil {
			return err
		}
		if dec.BudgetExhausted {
			if err := d.appendEvent(ctx, tx, run, types.EventJobFailed, map[string]any{
				"job_id":      job.ID.String(),
				"service":     string(l.spec.Service),
				"attempts":    l.job.Attempts,
				"decision_id": decisionID.String(),
				"reason":      msg,
			}); err != nil {
				return err
			}
		}
		res.Reason = dec.BlockReason
	}

	return d.save(ctx, tx, run)
}

// superseded returns why a claimed job's result no longer applies, or "".
func superseded(run *types.Run, l *lease, job *types.Job, owner string) string {
	switch {
	case run.Status != types.RunStatusActive:
		return fmt.Sprintf("run is %s", run.Status)
	case run.Epoch != l.run.Epoch:
		return fmt.Sprintf("run epoch moved from %d to %d", l.run.Epoch, run.Epoch)
	case run.Step != l.spec.Number:
		return fmt.Sprintf("run moved to step %d", run.Step)
	case job == nil:
		return "job no longer exists"
	case job.Status != types.JobStatusRunning:
		return fmt.Sprintf("job is %s", job.Status)
	case job.LockedBy == nil || *job.LockedBy != owner || job.Attempts != l.job.Attempts:
		return "lease was taken over"
	}
	return ""
}

// storeOutput records the artifact and the unapproved output for the step.
func (d *Driver) storeOutput(ctx context.Context, tx store.Tx, run *types.Run, l *lease, wres types.WorkerResult, dec *types.Decision) error {
	decisionID := dec.ID
	out := types.StepOutput{OutputRef: wres.OutputRef, DecisionID: &decisionID}

	if d.Artifacts != nil {
		jobID := l.job.ID
		a, err := d.Artifacts.Record(ctx, tx, artifact.NewArtifact{
			RunID:      run.ID,
			Step:       l.spec.Number,
			JobID:      &jobID,
			Kind:       l.spec.Artifact,
			StorageRef: wres.OutputRef,
			Width:      positive(wres.Width),
			Height:     positive(wres.Height),
			Hash:       wres.Hash,
		})
		if err != nil {
			return err
		}
		out.ArtifactID = &a.ID
	}

	if run.Outputs == nil {
		run.Outputs = make(map[int]types.StepOutput)
	}
	run.Outputs[l.spec.Number] = out
	return nil
}

func (d *Driver) block(ctx context.Context, tx store.Tx, run *types.Run, decisionID *uuid.UUID, reason string) error {
	run.Status = types.RunStatusBlocked
	run.BlockedDecisionID = decisionID
	run.BlockReason = reason

	msg := map[string]any{"reason": reason}
	if decisionID != nil {
		msg["decision_id"] = decisionID.String()
	}
	if err := d.appendEvent(ctx, tx, run, types.EventRunBlocked, msg); err != nil {
		return err
	}
	d.log.Warn(ctx, "run blocked",
		zap.String("run_id", run.ID.String()),
		zap.Int("step", run.Step),
		zap.String("reason", reason),
	)
	return nil
}

// releasePending hands a claimed job back to the queue after a failure
// outside the transaction. The release survives cancellation of ctx.
func (d *Driver) releasePending(ctx context.Context, l *lease, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := d.Queue.Release(ctx, queue.Release{
		JobID:   l.job.ID,
		Owner:   d.cfg.Owner,
		Attempt: l.job.Attempts,
		Status:  types.JobStatusPending,
		Error:   &reason,
	}); err != nil {
		d.log.Error(ctx, "failed to release job",
			zap.String("job_id", l.job.ID.String()),
			zap.Error(err),
		)
	}
}

// Drive ticks a run until it stops making progress and returns its state.
func (d *Driver) Drive(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	for i := 0; i < d.cfg.MaxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := d.Tick(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !res.Action.progressed() {
			break
		}
	}
	return d.Approvals.Get(ctx, runID)
}

func (d *Driver) progress(res *TickResult, message string) {
	if d.onProgress == nil || res == nil {
		return
	}
	if message == "" {
		message = res.Reason
	}
	if message == "" && res.Verdict != "" {
		message = "verdict " + string(res.Verdict)
	}
	d.onProgress(ProgressEvent{RunID: res.RunID, Step: res.Step, Action: res.Action, Message: message})
}

func (d *Driver) appendEvent(ctx context.Context, tx store.Tx, run *types.Run, typ types.EventType, msg map[string]any) error {
	ev := types.NewRunEvent(run.ID, typ, run.Step, msg)
	ev.CreatedAt = d.now()
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (d *Driver) save(ctx context.Context, tx store.Tx, run *types.Run) error {
	run.UpdatedAt = d.now()
	if err := tx.UpdateRun(ctx, run); err != nil {
		if types.IsLockConflict(err) {
			return err
		}
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func (d *Driver) retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= d.cfg.ConflictRetries; attempt++ {
		err = fn()
		if err == nil || !types.IsLockConflict(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		d.log.Debug(ctx, "lock conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

func loadForUpdate(ctx context.Context, tx store.Tx, id uuid.UUID) (*types.Run, error) {
	run, err := tx.GetRunForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, &types.NotFoundError{Entity: "run", ID: id.String()}
	}
	return run, nil
}

func positive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}
