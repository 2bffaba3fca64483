// ============================================================================
// formrelay Form Driver Contract
// ============================================================================
//
// Package: internal/driver
// File: driver.go
// Purpose: The boundary between the submission controller and whatever
//          actually renders the remote form and pushes values into it.
//
// Session lifecycle:
//   Open(ctx)  -> Session          navigate to the form; ErrNavigation if unreachable
//   Fill(...)  x N                 one call per field; FieldError on failure
//   Submit(ctx)                    press the submit control
//   Observe(ctx) -> Observation    describe what the page looks like now
//   Close()                        release the session; never reused afterwards
//
// The controller never inspects pages itself. It hands the Observation to the
// success detection chain (internal/detect), which turns it into an outcome.
//
// ============================================================================

package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/formrelay/internal/schema"
)

var (
	// ErrNavigation means the form could not be reached at all. Fatal at run start.
	ErrNavigation = errors.New("driver: navigation failed")
	// ErrFieldNotFound means the form has no input for a field.
	ErrFieldNotFound = errors.New("driver: field not found")
	// ErrFieldWrite means the input exists but refused the value.
	ErrFieldWrite = errors.New("driver: field write failed")
	// ErrSubmit means the submit interaction itself failed.
	ErrSubmit = errors.New("driver: submit failed")
	// ErrSessionClosed means the session was torn down mid-interaction.
	ErrSessionClosed = errors.New("driver: session closed")
)

// FieldError wraps ErrFieldNotFound / ErrFieldWrite with the offending field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Driver opens sessions against one target form.
type Driver interface {
	Open(ctx context.Context) (Session, error)
}

// Session is a single page load of the form. A session is used for at most
// one attempt; a failed or finished attempt closes it.
type Session interface {
	// Fill writes value into the input named target. kind overrides the
	// control kind the page declares; schema.KindAuto keeps the page's.
	Fill(ctx context.Context, target string, kind schema.Kind, value string) error
	Submit(ctx context.Context) error
	Observe(ctx context.Context) (Observation, error)
	Close() error
}

// SubmitState describes the submit control after submission.
type SubmitState int

const (
	SubmitEnabled SubmitState = iota
	SubmitDisabled
	SubmitMissing
)

func (s SubmitState) String() string {
	switch s {
	case SubmitEnabled:
		return "enabled"
	case SubmitDisabled:
		return "disabled"
	case SubmitMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Observation is the evidence gathered after a submit. Drivers fill in what
// they can see; empty slices and nil maps mean "no evidence".
type Observation struct {
	FormURL     string            // where the form was loaded from
	LocationURL string            // where the session is now
	StatusCode  int               // transport status, 0 when not applicable
	ErrorTexts  []string          // text of elements marked as errors
	SuccessText []string          // text of elements marked as success
	BodyText    string            // visible text, used for phrase matching
	FormPresent bool              // the original form is still on the page
	FieldValues map[string]string // current values of the filled inputs, by target name
	Submit      SubmitState
	SubmitSeen  bool // a submit control existed before submission
}
