package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is one claimable unit of work tied to a run, step and service.
type Job struct {
	ID             uuid.UUID  `json:"id"`
	RunID          uuid.UUID  `json:"run_id"`
	Step           int        `json:"step"`
	Service        Service    `json:"service"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	IdempotencyKey string     `json:"idempotency_key"`
	LockedBy       *string    `json:"locked_by,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LeaseSeconds   int        `json:"lease_seconds"`
	InputRef       string     `json:"input_ref"`
	ResultRef      *string    `json:"result_ref,omitempty"`
	Error          *string    `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IdempotencyKey derives the submission key for a run's unit of work.
// The epoch changes whenever previously executed work is discarded.
func IdempotencyKey(runID uuid.UUID, step int, service Service, epoch int) string {
	return fmt.Sprintf("%s:%d:%s:%d", runID, step, service, epoch)
}

// LeaseExpired reports whether a running job's lease has lapsed at now.
// The lease lasts the LeaseSeconds its claimant asked for.
func (j *Job) LeaseExpired(now time.Time) bool {
	if j.LockedAt == nil {
		return true
	}
	return j.LockedAt.Add(time.Duration(j.LeaseSeconds) * time.Second).Before(now)
}

// Exhausted reports whether the job has used all its attempts.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Claimable reports whether the job may be taken at now.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case JobStatusPending:
		return true
	case JobStatusRunning:
		return j.LeaseExpired(now)
	}
	return false
}

// Clone returns a copy of the job that shares no pointers with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.LockedBy != nil {
		v := *j.LockedBy
		c.LockedBy = &v
	}
	if j.LockedAt != nil {
		v := *j.LockedAt
		c.LockedAt = &v
	}
	if j.ResultRef != nil {
		v := *j.ResultRef
		c.ResultRef = &v
	}
	if j.Error != nil {
		v := *j.Error
		c.Error = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
