// Package batchjob tracks background recalculation jobs and their progress.
package batchjob

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roomledger/roomledger/internal/period"
)

// Status captures the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the job still occupies its period slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// CanTransition reports whether from -> to is a forward move of the state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// JobType enumerates the supported background jobs.
type JobType string

const (
	// TypeRecalculateAllOwnersPeriod recomputes every owner's summaries for one period.
	TypeRecalculateAllOwnersPeriod JobType = "RECALCULATE_ALL_OWNERS_PERIOD"
	// TypeSmartYearlyRecalculation runs the yearly planner for every owner.
	TypeSmartYearlyRecalculation JobType = "SMART_YEARLY_RECALCULATION"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == TypeRecalculateAllOwnersPeriod || t == TypeSmartYearlyRecalculation
}

// Metadata is the progress document persisted alongside a job.
type Metadata struct {
	BatchSize         int     `json:"batchSize"`
	DelayMS           int64   `json:"delayMs"`
	Year              int     `json:"year,omitempty"`
	TotalOwners       int64   `json:"totalOwners"`
	OwnersProcessed   int64   `json:"ownersProcessed"`
	BatchesCompleted  int     `json:"batchesCompleted"`
	FailedOwnerIDs    []int64 `json:"failedOwnerIds"`
	LastOwnerID       int64   `json:"lastOwnerId"`
	PeriodsRecomputed int64   `json:"periodsRecomputed"`
}

// Delay returns the configured inter-batch delay.
func (m Metadata) Delay() time.Duration {
	return time.Duration(m.DelayMS) * time.Millisecond
}

// Clone copies the metadata including its slices.
func (m Metadata) Clone() Metadata {
	out := m
	if m.FailedOwnerIDs != nil {
		out.FailedOwnerIDs = append([]int64(nil), m.FailedOwnerIDs...)
	}
	return out
}

// Job is one tracked background run.
type Job struct {
	ID            uuid.UUID   `json:"id"`
	Type          JobType     `json:"jobType"`
	TargetOwnerID *int64      `json:"targetOwnerId,omitempty"`
	PeriodType    period.Type `json:"targetPeriodType"`
	PeriodKey     string      `json:"targetPeriodKey"`
	Status        Status      `json:"status"`
	Metadata      Metadata    `json:"metadata"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Spec describes a job to create.
type Spec struct {
	Type          JobType
	TargetOwnerID *int64
	PeriodType    period.Type
	PeriodKey     string
	Metadata      Metadata
}

// Patch lists the fields an update changes; nil fields are left untouched.
type Patch struct {
	Status       *Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Metadata     *Metadata
	ErrorMessage *string
}

// apply writes the patch onto job.
func (p Patch) apply(job *Job) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		job.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
	if p.Metadata != nil {
		job.Metadata = p.Metadata.Clone()
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = truncateError(*p.ErrorMessage)
	}
}

// Filter narrows job listings.
type Filter struct {
	Type       JobType
	PeriodType period.Type
	PeriodKey  string
	OwnerID    *int64
	Status     Status
	Limit      int
	Offset     int
	// OldestFirst reverses the default newest-first order.
	OldestFirst bool
}

func (f Filter) normalised() Filter {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func truncateError(msg string) string {
	const max = 1000
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

var (
	// ErrJobNotFound indicates the job id is unknown.
	ErrJobNotFound = errors.New("batchjob: job not found")
	// ErrInvalidTransition indicates a non-monotonic status change.
	ErrInvalidTransition = errors.New("batchjob: invalid status transition")
	// ErrInvalidSpec indicates an incomplete job spec.
	ErrInvalidSpec = errors.New("batchjob: invalid job spec")
)
