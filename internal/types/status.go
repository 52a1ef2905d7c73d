// Package types provides the domain model shared by the orchestration engine:
// pipeline runs, jobs, QA decisions, policy rules, artifacts and events.
//
//nolint:revive // types is a standard Go package name pattern
package types

import "fmt"

// Phase is a human-readable pipeline state label such as "style_review".
// The integer step for a phase is owned by the phase registry.
type Phase string

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusActive, RunStatusBlocked, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusBlocked   JobStatus = "blocked"
)

// jobTransitions lists the statuses reachable from each job status.
// running -> running covers a lease reclaim by another owner.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusRunning, JobStatusPending, JobStatusCompleted, JobStatusFailed, JobStatusBlocked},
}

// ParseJobStatus converts a string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status: %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusBlocked:
		return true
	}
	return false
}

// IsTerminal reports whether the job will never be claimed again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusBlocked
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Service names a worker capability a job is dispatched to.
type Service string

const (
	ServiceVision Service = "vision"
	ServiceRender Service = "render"
	ServiceCamera Service = "camera"
)

// Services returns every known worker service.
func Services() []Service {
	return []Service{ServiceVision, ServiceRender, ServiceCamera}
}

// ParseService converts a string into a Service.
func ParseService(s string) (Service, error) {
	for _, svc := range Services() {
		if string(svc) == s {
			return svc, nil
		}
	}
	return "", fmt.Errorf("unknown service: %q", s)
}

// Verdict is the outcome of a QA evaluation.
type Verdict string

const (
	VerdictProceed Verdict = "proceed"
	VerdictRetry   Verdict = "retry"
	VerdictBlock   Verdict = "block"
)

// ParseVerdict converts a string into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case VerdictProceed, VerdictRetry, VerdictBlock:
		return v, nil
	}
	return "", fmt.Errorf("unknown verdict: %q", s)
}

// Severity orders verdicts from permissive to strict.
func (v Verdict) Severity() int {
	switch v {
	case VerdictProceed:
		return 0
	case VerdictRetry:
		return 1
	case VerdictBlock:
		return 2
	}
	return -1
}
