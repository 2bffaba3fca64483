// Package drivertest provides a scriptable in-memory driver.Driver for tests.
package drivertest

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/internal/schema"
)

const FormURL = "http://form.test/apply"

// Driver records every interaction and answers submissions through Respond.
type Driver struct {
	// OpenErr, when set, is consulted on every Open (1-based count).
	OpenErr func(open int) error
	// FillErr, when set, may reject individual writes.
	FillErr func(target, value string) error
	// Respond produces the page seen after the n-th submission (1-based).
	// A nil Respond accepts everything.
	Respond func(n int, values map[string]string) (driver.Observation, error)
	// Delay is spent inside Submit, honouring the context.
	Delay time.Duration

	mu        sync.Mutex
	opens     int
	live      int
	maxLive   int
	submitted []map[string]string
}

func (d *Driver) Open(ctx context.Context) (driver.Session, error) {
	d.mu.Lock()
	d.opens++
	n := d.opens
	d.mu.Unlock()

	if d.OpenErr != nil {
		if err := d.OpenErr(n); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	d.mu.Unlock()
	return &session{drv: d, values: map[string]string{}}, nil
}

// Opens returns how many sessions were requested.
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Live returns sessions opened but not yet closed.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// MaxLive returns the largest number of simultaneously open sessions.
func (d *Driver) MaxLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// Submissions returns the values of every submit, in order.
func (d *Driver) Submissions() []map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]map[string]string, len(d.submitted))
	copy(out, d.submitted)
	return out
}

type session struct {
	drv    *Driver
	values map[string]string
	obs    driver.Observation
	closed bool
	sent   bool
}

func (s *session) Fill(_ context.Context, target string, _ schema.Kind, value string) error {
	if s.closed {
		return driver.ErrSessionClosed
	}
	if s.drv.FillErr != nil {
		if err := s.drv.FillErr(target, value); err != nil {
			return &driver.FieldError{Field: target, Err: err}
		}
	}
	s.values[target] = value
	return nil
}

func (s *session) Submit(ctx context.Context) error {
	if s.closed {
		return driver.ErrSessionClosed
	}
	if s.drv.Delay > 0 {
		t := time.NewTimer(s.drv.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	values := maps.Clone(s.values)
	s.drv.mu.Lock()
	s.drv.submitted = append(s.drv.submitted, values)
	n := len(s.drv.submitted)
	s.drv.mu.Unlock()

	if s.drv.Respond == nil {
		s.obs = Accepted()
	} else {
		obs, err := s.drv.Respond(n, values)
		if err != nil {
			return err
		}
		s.obs = obs
	}
	s.sent = true
	return nil
}

func (s *session) Observe(context.Context) (driver.Observation, error) {
	if s.closed {
		return driver.Observation{}, driver.ErrSessionClosed
	}
	return s.obs, nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.drv.mu.Lock()
	s.drv.live--
	s.drv.mu.Unlock()
	return nil
}

// ============================================================================
// Canned observations
// ============================================================================

// Accepted is a page that moved away from the form.
func Accepted() driver.Observation {
	return driver.Observation{
		FormURL:     FormURL,
		LocationURL: FormURL + "/thanks",
		StatusCode:  200,
		Submit:      driver.SubmitMissing,
		SubmitSeen:  true,
	}
}

// Rejected is the form shown again with a validation message.
func Rejected(msg string) driver.Observation {
	return driver.Observation{
		FormURL:     FormURL,
		LocationURL: FormURL,
		StatusCode:  200,
		ErrorTexts:  []string{msg},
		FormPresent: true,
		Submit:      driver.SubmitEnabled,
		SubmitSeen:  true,
	}
}

// Unchanged is the form shown again with the submitted values and no marker.
func Unchanged(values map[string]string) driver.Observation {
	return driver.Observation{
		FormURL:     FormURL,
		LocationURL: FormURL,
		StatusCode:  200,
		FormPresent: true,
		FieldValues: maps.Clone(values),
		Submit:      driver.SubmitEnabled,
		SubmitSeen:  true,
	}
}
