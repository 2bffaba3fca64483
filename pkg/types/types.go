// Package types defines the core domain model shared by the formrelay packages.
package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// ============================================================================
// Records
// ============================================================================

// Field is one name/value pair of a Record.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is an ordered mapping from field name to value. Records are produced
// by ingestion and never mutated afterwards; a record is identified by its
// position in the run's sequence.
type Record struct {
	Fields []Field `json:"fields"`
}

// NewRecord builds a Record from name/value pairs, keeping their order.
// Later duplicates of a name overwrite the earlier value in place.
func NewRecord(pairs ...Field) Record {
	r := Record{Fields: make([]Field, 0, len(pairs))}
	for _, p := range pairs {
		if i := r.indexOf(p.Name); i >= 0 {
			r.Fields[i].Value = p.Value
			continue
		}
		r.Fields = append(r.Fields, p)
	}
	return r
}

// Get returns the value stored under name.
func (r Record) Get(name string) (string, bool) {
	if i := r.indexOf(name); i >= 0 {
		return r.Fields[i].Value, true
	}
	return "", false
}

// Names returns field names in record order.
func (r Record) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.Fields) }

func (r Record) indexOf(name string) int {
	for i, f := range r.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// MarshalJSON encodes the record as a JSON object with keys in field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	fields := make([]Field, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return err
		}
		fields = append(fields, Field{Name: name, Value: value})
	}
	r.Fields = fields
	return nil
}

// ============================================================================
// Attempt outcomes
// ============================================================================

// OutcomeKind classifies a single submission attempt.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeRecoverable OutcomeKind = "recoverable" // consumes one attempt, session is reset
	OutcomeFatal       OutcomeKind = "fatal"       // ends the whole run
)

// AttemptOutcome is the tagged result of one fill-and-submit cycle.
type AttemptOutcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

// Success returns a successful outcome.
func Success() AttemptOutcome { return AttemptOutcome{Kind: OutcomeSuccess} }

// Recoverable returns a retryable failure carrying reason.
func Recoverable(reason string) AttemptOutcome {
	return AttemptOutcome{Kind: OutcomeRecoverable, Reason: reason}
}

// Fatal returns a failure that aborts the run.
func Fatal(reason string) AttemptOutcome {
	return AttemptOutcome{Kind: OutcomeFatal, Reason: reason}
}

// IsSuccess reports whether the outcome is a success.
func (o AttemptOutcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// ============================================================================
// Run state and results
// ============================================================================

// RunState is the controller's lifecycle state.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateStopping  RunState = "stopping"
	StateCompleted RunState = "completed"
)

// SuccessEntry records a record that was submitted successfully.
type SuccessEntry struct {
	Index        int    `json:"index"`
	Record       Record `json:"record"`
	AttemptCount int    `json:"attempt_count"`
}

// FailureEntry records a record whose attempts were exhausted.
type FailureEntry struct {
	Index        int    `json:"index"`
	Record       Record `json:"record"`
	LastError    string `json:"last_error"`
	AttemptCount int    `json:"attempt_count"`
}

// RunResult is the append-only outcome list of one run.
type RunResult struct {
	Successful []SuccessEntry `json:"successful"`
	Failed     []FailureEntry `json:"failed"`
	Retries    int            `json:"retries"`
}

// Processed returns the number of records whose fate has been decided.
func (r RunResult) Processed() int { return len(r.Successful) + len(r.Failed) }

// StatusSnapshot is the read-only projection of controller state.
type StatusSnapshot struct {
	RunID           string     `json:"run_id,omitempty"`
	State           RunState   `json:"state"`
	CurrentIndex    int        `json:"current_index"`
	StartIndex      int        `json:"start_index"`
	Total           int        `json:"total"`
	SuccessCount    int        `json:"success_count"`
	FailedCount     int        `json:"failed_count"`
	Retries         int        `json:"retries"`
	ProgressPercent float64    `json:"progress_percent"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	AttemptP50Ms    float64    `json:"attempt_p50_ms"`
	AttemptP95Ms    float64    `json:"attempt_p95_ms"`
	LastError       string     `json:"last_error,omitempty"`
}

// RunSummary is the persisted record of one run, kept by the history store.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	State       RunState       `json:"state"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	StartIndex  int            `json:"start_index"`
	FinalIndex  int            `json:"final_index"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Retries     int            `json:"retries"`
	Failures    []FailureEntry `json:"failures,omitempty"`
	TargetURL   string         `json:"target_url"`
	BaseDelayMs int64          `json:"base_delay_ms"`
}
