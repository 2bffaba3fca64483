// ============================================================================
// formrelay Worker - Attempt Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one fill-and-submit attempt for one record
//
// How it works:
//   1. Check a session out of the pool
//   2. Bind the record to form inputs (schema fields or record fields)
//   3. Fill each input, submit, wait for the page to settle
//   4. Observe the page and classify it through the detection chain
//   5. Discard the session; every attempt gets a fresh one
//
// Timeout Control:
//   Each attempt runs under context.WithTimeout(task.Timeout). Driver calls
//   are never preempted beyond that deadline. Once Submit returns, the
//   settle wait and Observe ignore cancellation of the caller's context and
//   stop only at that deadline.
//
// Error Handling:
//   Every failure inside an attempt (missing field, rejected value, submit
//   or transport error, timeout) becomes a Recoverable outcome. The retry
//   policy decides what happens next.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/formrelay/internal/detect"
	"github.com/ChuLiYu/formrelay/internal/pacing"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/ChuLiYu/formrelay/pkg/types"
)

var log = slog.Default()

// Executor runs attempts against sessions from a Pool.
type Executor struct {
	pool   *Pool
	schema *schema.Schema
	chain  *detect.Chain
	settle time.Duration
}

// NewExecutor wires an executor. A nil schema writes every record field to
// the input of the same name.
func NewExecutor(pool *Pool, sc *schema.Schema, chain *detect.Chain, settle time.Duration) *Executor {
	return &Executor{pool: pool, schema: sc, chain: chain, settle: settle}
}

// Pool returns the executor's session pool.
func (e *Executor) Pool() *Pool { return e.pool }

// Execute runs a single attempt and never returns an error directly; the
// outcome carries it.
func (e *Executor) Execute(ctx context.Context, task Task) Result {
	start := time.Now()
	res := Result{Index: task.Index, Attempt: task.Attempt}

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	filled, err := e.attempt(ctx, task, &res)
	res.Filled = filled
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Outcome = types.Recoverable(err.Error())
	}

	log.Debug("attempt finished",
		"index", task.Index,
		"attempt", task.Attempt,
		"outcome", res.Outcome.Kind,
		"reason", res.Outcome.Reason,
		"duration_ms", res.Duration.Milliseconds())
	return res
}

func (e *Executor) attempt(ctx context.Context, task Task, res *Result) ([]string, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer lease.Discard()
	s := lease.Session()

	assignments := e.schema.Bind(task.Record)
	filled := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if err := s.Fill(ctx, a.Target, a.Kind, a.Value); err != nil {
			return filled, err
		}
		filled = append(filled, a.Target)
	}

	if err := s.Submit(ctx); err != nil {
		return filled, err
	}

	// The form is out. Only the attempt deadline may cut observation short.
	octx := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		octx, cancel = context.WithDeadline(octx, deadline)
		defer cancel()
	}

	if err := pacing.Wait(octx, e.settle, nil); err != nil {
		return filled, fmt.Errorf("settle: %w", err)
	}

	obs, err := s.Observe(octx)
	if err != nil {
		return filled, fmt.Errorf("observe: %w", err)
	}

	res.Outcome = e.chain.Classify(obs, filled)
	if res.Outcome.Kind != types.OutcomeSuccess && res.Outcome.Reason != "" {
		res.Err = errors.New(res.Outcome.Reason)
	}
	return filled, nil
}
