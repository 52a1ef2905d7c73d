package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/MSA-I/RE-TOUR-sub007/internal/llm"
	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/prompts"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// AuditInput is what the holistic audit sees.
type AuditInput struct {
	Run       *types.Run
	Spec      phase.StepSpec
	OutputRef string
	Manifest  json.RawMessage
	Report    types.WorkerReport
}

// AuditResult is an auditor's judgement.
type AuditResult struct {
	Score      float64  `json:"score"`
	Consistent bool     `json:"consistent"`
	Summary    string   `json:"summary"`
	Categories []string `json:"categories"`
}

// Auditor performs the third QA layer.
type Auditor interface {
	Audit(ctx context.Context, in AuditInput) (AuditResult, error)
}

// StaticAuditor is a deterministic auditor. The output is consistent when
// the manifest points at the output reference the worker returned, and each
// category the worker flagged costs FlagPenalty of the score.
type StaticAuditor struct {
	FlagPenalty float64
}

// NewStaticAuditor returns a StaticAuditor with a 0.25 flag penalty.
func NewStaticAuditor() *StaticAuditor {
	return &StaticAuditor{FlagPenalty: 0.25}
}

// Audit implements Auditor.
func (a *StaticAuditor) Audit(_ context.Context, in AuditInput) (AuditResult, error) {
	var m struct {
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := json.Unmarshal(in.Manifest, &m); err != nil {
		return AuditResult{Summary: "manifest is not a JSON object"}, nil
	}

	res := AuditResult{
		Score:      clamp01(1 - a.FlagPenalty*float64(len(in.Report.Flags))),
		Consistent: m.ArtifactRef == in.OutputRef,
		Categories: in.Report.Flags,
	}
	switch {
	case !res.Consistent:
		res.Summary = fmt.Sprintf("manifest references %q but worker returned %q", m.ArtifactRef, in.OutputRef)
	case len(in.Report.Flags) > 0:
		res.Summary = fmt.Sprintf("worker flagged %d categories", len(in.Report.Flags))
	default:
		res.Summary = "output consistent with manifest"
	}
	return res, nil
}

// ModelAuditor asks a language model to audit the manifest.
type ModelAuditor struct {
	client llm.Client
}

// NewModelAuditor creates a ModelAuditor over client.
func NewModelAuditor(client llm.Client) *ModelAuditor {
	return &ModelAuditor{client: client}
}

var auditFields = []llm.ResponseField{
	{Name: "score", Type: "number", Description: "overall quality from 0 to 1", Required: true},
	{Name: "consistent", Type: "boolean", Description: "whether the manifest is internally consistent", Required: true},
	{Name: "summary", Type: "\"string\"", Description: "one or two sentences explaining the score", Required: true},
	{Name: "categories", Type: "[\"string\"]", Description: "problem categories found, empty when none"},
}

// Audit implements Auditor.
func (a *ModelAuditor) Audit(ctx context.Context, in AuditInput) (AuditResult, error) {
	task, err := prompts.Get("audit.json", "task")
	if err != nil {
		return AuditResult{}, err
	}
	stepTask, err := prompts.Get("audit.json", in.Spec.Name)
	if err != nil {
		return AuditResult{}, err
	}

	input, err := json.Marshal(struct {
		OutputRef string             `json:"output_ref"`
		Manifest  json.RawMessage    `json:"manifest"`
		Report    types.WorkerReport `json:"worker_report"`
	}{in.OutputRef, in.Manifest, in.Report})
	if err != nil {
		return AuditResult{}, fmt.Errorf("failed to encode audit input: %w", err)
	}

	p := llm.Prompt{
		Task:   prompts.Format(task, map[string]string{"Step": in.Spec.Name}) + "\n" + stepTask,
		Fields: auditFields,
	}
	raw, err := a.client.GenerateJSON(ctx, p.Render(string(input)))
	if err != nil {
		return AuditResult{}, fmt.Errorf("audit model call failed: %w", err)
	}

	var res AuditResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return AuditResult{}, fmt.Errorf("failed to parse audit response: %w", err)
	}
	res.Score = clamp01(res.Score)
	return res, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
