// Package verify defines the contract of the external number checker.
package verify

import (
	"context"
	"errors"

	"github.com/phonecheck/phonecheck/internal/job"
)

// ErrUnavailable wraps errors that make every further check pointless, such
// as a missing checker binary. Dispatch fails the job on it.
var ErrUnavailable = errors.New("verifier unavailable")

// Result is the outcome of checking one number.
type Result struct {
	Number  string      `json:"number"`
	Outcome job.Outcome `json:"outcome"`
	Detail  string      `json:"detail,omitempty"`
}

// Verifier checks a single phone number. Implementations may be slow and
// must honour ctx. An error not wrapping ErrUnavailable is recorded as an
// error outcome for that number only.
type Verifier interface {
	Check(ctx context.Context, number string) (Result, error)
}
