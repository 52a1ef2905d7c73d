// Package qa implements the QA decision gate. Each worker output passes
// three ordered layers (schema, policy rules, holistic audit) and receives
// a proceed, retry or block verdict that is persisted as an immutable
// decision.
package qa

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/schemas"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Config holds the gate's thresholds.
type Config struct {
	// RetryBudget is the number of retry verdicts a step gets before it blocks.
	RetryBudget   int
	MinAuditScore float64
}

// Gate evaluates worker outputs.
type Gate struct {
	store      store.TxRunner
	registries *phase.Set
	schemas    *schemas.Cache
	auditor    Auditor
	cfg        Config
	now        func() time.Time
	log        *logging.Logger
	metrics    *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the gate's time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the gate's logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.log = l.Named("qa") }
}

// WithMetrics sets the gate's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate. Output manifests are validated against schemas
// from source; a nil auditor skips the audit layer.
func NewGate(s store.TxRunner, registries *phase.Set, source schemas.SourceFunc, auditor Auditor, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		store:      s,
		registries: registries,
		schemas:    schemas.NewCache(source),
		auditor:    auditor,
		cfg:        cfg,
		now:        time.Now,
		log:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultRetryBudget returns the budget a step starts with.
func (g *Gate) DefaultRetryBudget() int {
	return g.cfg.RetryBudget
}

// Evaluate runs the three layers over a worker result for the run's
// current step and returns the decision. The decision is not persisted;
// see Record.
func (g *Gate) Evaluate(ctx context.Context, run *types.Run, jobID uuid.UUID, res types.WorkerResult) (*types.Decision, error) {
	reg, err := g.registries.Get(run.RegistryVersion)
	if err != nil {
		return nil, err
	}
	spec, ok := reg.Spec(run.Step)
	if !ok || spec.Terminal() {
		return nil, fmt.Errorf("step %d has no output to evaluate", run.Step)
	}

	d := &types.Decision{
		ID:        uuid.New(),
		RunID:     run.ID,
		JobID:     jobID,
		Step:      run.Step,
		OutputRef: res.OutputRef,
		CreatedAt: g.now(),
	}

	var o outcome

	// Layer 1: structure. A failure here skips the remaining layers.
	d.Schema, err = g.checkSchema(spec, res)
	if err != nil {
		return nil, err
	}
	if !d.Schema.Passed {
		o.schemaFailed = true
		o.failures = append(o.failures, "schema validation failed")
	} else {
		// Layer 2: policy rules.
		rules, err := g.enforcedRules(ctx, run)
		if err != nil {
			return nil, err
		}
		d.Rules = g.checkRules(ctx, rules, res)
		for _, rc := range d.Rules {
			if !rc.Violated || rc.Advisory {
				continue
			}
			if rc.Tier == types.TierLaw {
				o.lawViolated = append(o.lawViolated, rc.Category)
			} else {
				o.failures = append(o.failures, fmt.Sprintf("%s rule %q violated", rc.Tier, rc.Category))
			}
		}

		// Layer 3: holistic audit.
		d.Audit, err = g.runAudit(ctx, run, spec, res)
		if err != nil {
			return nil, err
		}
		if !d.Audit.Passed {
			o.failures = append(o.failures, "audit failed: "+d.Audit.Summary)
		}
	}

	r := decide(o, run.RetryBudget(run.Step, g.cfg.RetryBudget))
	d.Verdict, d.RetryBudget, d.BlockReason, d.BudgetExhausted = r.verdict, r.budget, r.reason, r.exhausted
	return d, nil
}

// Record persists d and the run's remaining retry budget for the step, and
// appends a QA_DECISION event. The caller writes the run.
func (g *Gate) Record(ctx context.Context, tx store.Tx, run *types.Run, d *types.Decision) error {
	if err := tx.InsertDecision(ctx, d); err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	if run.RetryBudgets == nil {
		run.RetryBudgets = make(map[int]int)
	}
	run.RetryBudgets[d.Step] = d.RetryBudget

	fired := make([]string, 0)
	for _, rc := range d.FiredRules() {
		fired = append(fired, rc.RuleID.String())
	}
	msg := map[string]any{
		"decision_id":  d.ID.String(),
		"job_id":       d.JobID.String(),
		"verdict":      string(d.Verdict),
		"retry_budget": d.RetryBudget,
		"schema_ok":    d.Schema.Passed,
		"fired_rules":  fired,
	}
	if d.Audit.Ran {
		msg["audit_score"] = d.Audit.Score
	}
	if d.BlockReason != "" {
		msg["block_reason"] = d.BlockReason
	}
	ev := types.NewRunEvent(run.ID, types.EventQADecision, d.Step, msg)
	ev.CreatedAt = d.CreatedAt
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record decision event: %w", err)
	}

	g.metrics.Decision(d.Step, string(d.Verdict))
	g.log.Info(ctx, "qa decision",
		zap.String("run_id", run.ID.String()),
		zap.Int("step", d.Step),
		zap.String("verdict", string(d.Verdict)),
		zap.Int("retry_budget", d.RetryBudget),
		zap.Int("fired_rules", len(fired)),
	)
	return nil
}

// ---- Layer 1: schema ----

func (g *Gate) checkSchema(spec phase.StepSpec, res types.WorkerResult) (types.SchemaLayer, error) {
	var layer types.SchemaLayer

	if !res.Report.Succeeded {
		reason := res.Report.Reason
		if reason == "" {
			reason = "worker reported failure"
		}
		layer.Issues = append(layer.Issues, types.FieldIssue{Field: "(report)", Message: reason})
	}
	if res.OutputRef == "" {
		layer.Issues = append(layer.Issues, types.FieldIssue{Field: "(output_ref)", Message: "worker returned no output reference"})
	}

	if len(res.Manifest) == 0 {
		layer.Issues = append(layer.Issues, types.FieldIssue{Field: "(root)", Message: "manifest is missing"})
	} else if spec.Schema != "" {
		err := g.schemas.Validate(spec.Schema, res.Manifest)
		if fields := schemas.Fields(err); fields != nil {
			for _, fe := range fields {
				layer.Issues = append(layer.Issues, types.FieldIssue{Field: fe.Field, Message: fe.Message})
			}
		} else if err != nil {
			return layer, fmt.Errorf("failed to validate manifest for step %d: %w", spec.Number, err)
		}
	}

	layer.Passed = len(layer.Issues) == 0
	return layer, nil
}

// ---- Layer 2: rules ----

func (g *Gate) enforcedRules(ctx context.Context, run *types.Run) ([]types.Rule, error) {
	active := types.RuleStatusActive
	var rules []types.Rule
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rules, err = tx.ListRules(ctx, store.RuleFilter{Status: &active})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	applicable := rules[:0]
	for _, r := range rules {
		if r.Enforced() && r.AppliesTo(run.ProjectID, run.Step) {
			applicable = append(applicable, r)
		}
	}
	return applicable, nil
}

// checkRules evaluates every applicable rule. A rule is violated when the
// worker flagged its category or the manifest fails its constraint schema.
func (g *Gate) checkRules(ctx context.Context, rules []types.Rule, res types.WorkerResult) []types.RuleCheck {
	checks := make([]types.RuleCheck, 0, len(rules))
	for _, r := range rules {
		rc := types.RuleCheck{
			RuleID:   r.ID,
			Category: r.Category,
			Tier:     r.Tier,
			Advisory: !r.Tier.Blocking(),
		}

		if res.Report.HasFlag(r.Category) {
			rc.Violated = true
			rc.Detail = "flagged by worker"
		} else if len(r.Constraint) > 0 {
			s, err := schemas.Compile("rule "+r.ID.String(), r.Constraint)
			if err != nil {
				g.log.Warn(ctx, "skipping rule with invalid constraint",
					zap.String("rule_id", r.ID.String()),
					zap.Error(err),
				)
				rc.Detail = "invalid constraint"
			} else if err := s.Validate(res.Manifest); err != nil {
				rc.Violated = true
				rc.Detail = constraintDetail(err)
			}
		}
		checks = append(checks, rc)
	}
	return checks
}

func constraintDetail(err error) string {
	fields := schemas.Fields(err)
	if len(fields) == 0 {
		return err.Error()
	}
	detail := fields[0].Field + ": " + fields[0].Message
	if len(fields) > 1 {
		detail += " (+" + strconv.Itoa(len(fields)-1) + " more)"
	}
	return detail
}

// ---- Layer 3: audit ----

func (g *Gate) runAudit(ctx context.Context, run *types.Run, spec phase.StepSpec, res types.WorkerResult) (types.AuditLayer, error) {
	if g.auditor == nil {
		return types.AuditLayer{Passed: true}, nil
	}

	ar, err := g.auditor.Audit(ctx, AuditInput{
		Run:       run,
		Spec:      spec,
		OutputRef: res.OutputRef,
		Manifest:  res.Manifest,
		Report:    res.Report,
	})
	if err != nil {
		return types.AuditLayer{}, fmt.Errorf("audit failed for step %d: %w", spec.Number, err)
	}

	return types.AuditLayer{
		Ran:        true,
		Score:      ar.Score,
		Consistent: ar.Consistent,
		Passed:     ar.Consistent && ar.Score >= g.cfg.MinAuditScore,
		Summary:    ar.Summary,
		Categories: ar.Categories,
	}, nil
}
