// Package pacing spaces out consecutive submissions.
package pacing

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrInterrupted is returned by Wait when the wake channel fired first.
var ErrInterrupted = errors.New("pacing: wait interrupted")

// Source yields uniform values in [0, 1).
type Source interface {
	Float64() float64
}

// Scheduler produces randomized inter-record delays around a base value.
type Scheduler struct {
	base      time.Duration
	variation float64

	mu  sync.Mutex
	src Source
}

// New returns a scheduler. variation is clamped to [0, 1]; a nil src uses
// the global generator.
func New(base time.Duration, variation float64, src Source) *Scheduler {
	if base < 0 {
		base = 0
	}
	switch {
	case variation < 0:
		variation = 0
	case variation > 1:
		variation = 1
	}
	return &Scheduler{base: base, variation: variation, src: src}
}

// Base returns the configured base delay.
func (s *Scheduler) Base() time.Duration { return s.base }

// Variation returns the clamped jitter fraction.
func (s *Scheduler) Variation() float64 { return s.variation }

// Next returns base * (1 + j) with j uniform in [-variation/2, +variation/2].
func (s *Scheduler) Next() time.Duration {
	if s.base == 0 || s.variation == 0 {
		return s.base
	}
	var r float64
	if s.src != nil {
		s.mu.Lock()
		r = s.src.Float64()
		s.mu.Unlock()
	} else {
		r = rand.Float64()
	}
	jitter := (r - 0.5) * s.variation
	return time.Duration(float64(s.base) * (1 + jitter))
}

// Bounds returns the smallest and largest delay Next can produce.
func (s *Scheduler) Bounds() (lo, hi time.Duration) {
	half := s.variation / 2
	return time.Duration(float64(s.base) * (1 - half)), time.Duration(float64(s.base) * (1 + half))
}

// Wait sleeps for d. It returns early with ErrInterrupted when wake
// receives, or with the context's error when ctx is done. A non-positive d
// returns nil immediately, even for a done context.
func Wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-wake:
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}
