package job

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether work may still be done for a job in this status.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	return s.IsActive() || s.IsTerminal()
}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusCancelled, StatusFailed},
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Outcome is the classification of a single checked number.
type Outcome string

const (
	OutcomeValid        Outcome = "valid"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeMultiAccount Outcome = "multi_account"
	OutcomeError        Outcome = "error"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeValid, OutcomeInvalid, OutcomeMultiAccount, OutcomeError:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition marks a mutation of a terminal job or an illegal
	// status change. The registry swallows it; it never reaches users.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrNoNumbers is returned when an upload has no acceptable lines.
	ErrNoNumbers = errors.New("no valid phone numbers")
)

type Job struct {
	ID           string     `json:"id"`
	Owner        int64      `json:"owner"`
	ChatID       int64      `json:"chat_id"`
	Numbers      []string   `json:"numbers"`
	Status       Status     `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Valid        int        `json:"valid"`
	Invalid      int        `json:"invalid"`
	MultiAccount int        `json:"multi_account"`
	Errors       int        `json:"errors"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Percent returns progress as a percentage rounded to two decimals.
func (j *Job) Percent() float64 {
	if j.Total == 0 {
		return 0
	}
	p := float64(j.Processed) / float64(j.Total) * 100
	return float64(int(p*100+0.5)) / 100
}

// Consistent reports whether the counter invariants hold.
func (j *Job) Consistent() bool {
	return j.Processed == j.Valid+j.Invalid+j.MultiAccount+j.Errors &&
		j.Processed <= j.Total &&
		j.Total == len(j.Numbers)
}

// Patch lists the fields Update may change. Nil fields are left alone.
type Patch struct {
	Status *Status
	Error  *string
}

// WithStatus returns a Patch that sets the status.
func WithStatus(s Status) Patch {
	return Patch{Status: &s}
}

// WithFailure returns a Patch that fails the job with reason.
func WithFailure(reason string) Patch {
	s := StatusFailed
	return Patch{Status: &s, Error: &reason}
}
