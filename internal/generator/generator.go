// Package generator wraps the external generative model behind a small
// interface with transient/permanent error classification.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"genpipeline/internal/domain"
)

// ProgressFunc receives intermediate progress (0..100) and a short message.
type ProgressFunc func(progress int, message string)

// Request is one generation call.
type Request struct {
	TaskID   string
	Kind     domain.TaskKind
	Params   json.RawMessage
	Deadline time.Time
	Progress ProgressFunc
}

func (r Request) report(progress int, message string) {
	if r.Progress != nil {
		r.Progress(progress, message)
	}
}

// Artifact is one generated output.
type Artifact struct {
	Data   []byte
	MIME   string
	URL    string
	Width  int
	Height int
}

// Result is what a successful call produced.
type Result struct {
	Artifacts []Artifact
	Model     string
}

// Generator is implemented by HTTPGenerator and SyntheticGenerator.
type Generator interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// TransientError is worth retrying: rate limits, provider 5xx, network
// failures and timeouts.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will fail the same way on every attempt.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider rejected request (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("provider rejected request: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Class is the retry classification of a generator failure.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassTimeout
	ClassPermanent
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassPermanent:
		return "permanent"
	case ClassCancelled:
		return "cancelled"
	default:
		return "ok"
	}
}

// Retryable reports whether the failure consumes retry budget instead of
// failing the task outright.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout
}

// Classify sorts err into a Class. Unknown errors are treated as transient
// so they stay bounded by the retry budget.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	if errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, domain.ErrHardDeadline) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassTransient
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, Permanent(errors.New("missing params"))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode params: %w", err))
	}
	return out, nil
}
