package phase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// EventSink receives audit events inside the caller's transaction.
type EventSink interface {
	AppendEvent(ctx context.Context, e *types.Event) error
}

// Correction describes one auto-corrected phase/step write.
type Correction struct {
	Phase    types.Phase
	Expected int
	Got      int
	Source   string
	At       time.Time
}

// Reason renders the correction for the run's last-correction field.
func (c *Correction) Reason() string {
	return fmt.Sprintf("%s: phase %s expects step %d, got %d", c.Source, c.Phase, c.Expected, c.Got)
}

// Guard keeps a run's phase and step consistent with its registry.
// Every phase/step write goes through Apply.
type Guard struct {
	registries *Set
	now        func() time.Time
	log        *logging.Logger
	metrics    *metrics.Metrics
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClock overrides the guard's time source.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the guard's logger.
func WithLogger(l *logging.Logger) GuardOption {
	return func(g *Guard) { g.log = l.Named("guard") }
}

// WithMetrics sets the guard's metrics.
func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates a guard over the given registry versions.
func NewGuard(registries *Set, opts ...GuardOption) *Guard {
	g := &Guard{
		registries: registries,
		now:        time.Now,
		log:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the registry a run was created under.
func (g *Guard) Registry(run *types.Run) (*Registry, error) {
	return g.registries.Get(run.RegistryVersion)
}

// ValidateAndCorrect returns the step that must accompany newPhase and
// whether newStep disagreed with it. A nil newStep is filled in.
func (g *Guard) ValidateAndCorrect(run *types.Run, newPhase types.Phase, newStep *int) (int, bool, error) {
	reg, err := g.Registry(run)
	if err != nil {
		return 0, false, err
	}
	expected, err := reg.Step(newPhase)
	if err != nil {
		return 0, false, err
	}
	if newStep == nil {
		return expected, false, nil
	}
	return expected, *newStep != expected, nil
}

// Apply writes newPhase (and newStep, if given) to run. Drift is corrected
// and recorded through sink. Writes that change neither field are no-ops.
func (g *Guard) Apply(ctx context.Context, sink EventSink, run *types.Run, newPhase types.Phase, newStep *int, source string) (*Correction, error) {
	if newPhase == run.Phase && (newStep == nil || *newStep == run.Step) {
		return nil, nil
	}

	expected, corrected, err := g.ValidateAndCorrect(run, newPhase, newStep)
	if err != nil {
		return nil, err
	}

	var c *Correction
	if corrected {
		c = &Correction{Phase: newPhase, Expected: expected, Got: *newStep, Source: source, At: g.now()}
		if err := g.record(ctx, sink, run, c); err != nil {
			return nil, err
		}
	}

	run.Phase = newPhase
	run.Step = expected
	return c, nil
}

// Reconcile recomputes the step for the run's current phase and corrects
// drift in place.
func (g *Guard) Reconcile(ctx context.Context, sink EventSink, run *types.Run, source string) (*Correction, error) {
	reg, err := g.Registry(run)
	if err != nil {
		return nil, err
	}
	expected, err := reg.Step(run.Phase)
	if err != nil {
		return nil, err
	}
	if expected == run.Step {
		return nil, nil
	}

	c := &Correction{Phase: run.Phase, Expected: expected, Got: run.Step, Source: source, At: g.now()}
	if err := g.record(ctx, sink, run, c); err != nil {
		return nil, err
	}
	run.Step = expected
	return c, nil
}

func (g *Guard) record(ctx context.Context, sink EventSink, run *types.Run, c *Correction) error {
	at := c.At
	run.LastCorrectionAt = &at
	run.LastCorrectionReason = c.Reason()

	ev := types.NewRunEvent(run.ID, types.EventStateCorrected, c.Expected, map[string]any{
		"phase":          string(c.Phase),
		"expected":       c.Expected,
		"got":            c.Got,
		"source":         c.Source,
		"previous_phase": string(run.Phase),
		"previous_step":  run.Step,
	})
	ev.CreatedAt = at
	if err := sink.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record correction: %w", err)
	}

	g.metrics.Correction(string(c.Phase))
	g.log.Warn(ctx, "phase/step drift corrected",
		zap.String("run_id", run.ID.String()),
		zap.String("phase", string(c.Phase)),
		zap.Int("expected", c.Expected),
		zap.Int("got", c.Got),
		zap.String("source", c.Source),
	)
	return nil
}
