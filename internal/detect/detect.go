// Package detect turns a driver.Observation into an attempt outcome.
//
// Detection is an ordered chain of rules. The first rule that recognises the
// observation decides; when none does the observation is ambiguous and the
// chain falls back to its configured bias.
package detect

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/pkg/types"
)

var log = slog.Default()

// Rule inspects an observation. ok is false when the rule has no opinion.
type Rule interface {
	Name() string
	Evaluate(obs driver.Observation, filled []string) (outcome types.AttemptOutcome, ok bool)
}

// Config holds the tunables of the default chain.
type Config struct {
	AmbiguousAsSuccess bool
	ErrorPhrases       []string // matched case-insensitively against the page text
	SuccessPhrases     []string
}

// Chain evaluates rules in order.
type Chain struct {
	rules              []Rule
	ambiguousAsSuccess bool
}

// NewChain builds a chain from explicit rules.
func NewChain(ambiguousAsSuccess bool, rules ...Rule) *Chain {
	return &Chain{rules: rules, ambiguousAsSuccess: ambiguousAsSuccess}
}

// Default returns the standard rule order:
// error markers, success markers, navigation, cleared fields, submit control
// disabled or gone, no submit control at all.
func Default(cfg Config) *Chain {
	return NewChain(cfg.AmbiguousAsSuccess,
		ErrorMarkers{Phrases: cfg.ErrorPhrases},
		SuccessMarkers{Phrases: cfg.SuccessPhrases},
		Navigated{},
		FieldsCleared{},
		SubmitGone{},
		NoSubmitControl{},
	)
}

// Classify runs the chain. filled lists the input names written during the
// attempt.
func (c *Chain) Classify(obs driver.Observation, filled []string) types.AttemptOutcome {
	for _, r := range c.rules {
		if out, ok := r.Evaluate(obs, filled); ok {
			log.Debug("detection rule matched", "rule", r.Name(), "outcome", out.Kind, "reason", out.Reason)
			return out
		}
	}
	log.Warn("submission outcome ambiguous",
		"location", obs.LocationURL,
		"status", obs.StatusCode,
		"as_success", c.ambiguousAsSuccess)
	if c.ambiguousAsSuccess {
		return types.Success()
	}
	return types.Recoverable("ambiguous submission outcome")
}

// ============================================================================
// Rules
// ============================================================================

// ErrorMarkers fails the attempt when the page shows validation errors or
// contains one of the configured error phrases.
type ErrorMarkers struct{ Phrases []string }

func (ErrorMarkers) Name() string { return "error_markers" }

func (r ErrorMarkers) Evaluate(obs driver.Observation, _ []string) (types.AttemptOutcome, bool) {
	if len(obs.ErrorTexts) > 0 {
		return types.Recoverable(strings.Join(obs.ErrorTexts, "; ")), true
	}
	if p, ok := containsAny(obs.BodyText, r.Phrases); ok {
		return types.Recoverable(p), true
	}
	return types.AttemptOutcome{}, false
}

// SuccessMarkers accepts the attempt when the page shows a confirmation.
type SuccessMarkers struct{ Phrases []string }

func (SuccessMarkers) Name() string { return "success_markers" }

func (r SuccessMarkers) Evaluate(obs driver.Observation, _ []string) (types.AttemptOutcome, bool) {
	if len(obs.SuccessText) > 0 {
		return types.Success(), true
	}
	if _, ok := containsAny(obs.BodyText, r.Phrases); ok {
		return types.Success(), true
	}
	return types.AttemptOutcome{}, false
}

// Navigated accepts the attempt when the session left the form's page.
type Navigated struct{}

func (Navigated) Name() string { return "navigated" }

func (Navigated) Evaluate(obs driver.Observation, _ []string) (types.AttemptOutcome, bool) {
	if obs.LocationURL == "" || obs.FormURL == "" {
		return types.AttemptOutcome{}, false
	}
	from, err1 := url.Parse(obs.FormURL)
	to, err2 := url.Parse(obs.LocationURL)
	if err1 != nil || err2 != nil {
		return types.AttemptOutcome{}, false
	}
	if from.Host != to.Host || strings.TrimSuffix(from.Path, "/") != strings.TrimSuffix(to.Path, "/") {
		return types.Success(), true
	}
	return types.AttemptOutcome{}, false
}

// FieldsCleared accepts the attempt when the form is still shown but every
// field written during the attempt reads back empty.
type FieldsCleared struct{}

func (FieldsCleared) Name() string { return "fields_cleared" }

func (FieldsCleared) Evaluate(obs driver.Observation, filled []string) (types.AttemptOutcome, bool) {
	if !obs.FormPresent || len(filled) == 0 || obs.FieldValues == nil {
		return types.AttemptOutcome{}, false
	}
	for _, name := range filled {
		v, seen := obs.FieldValues[name]
		if !seen || strings.TrimSpace(v) != "" {
			return types.AttemptOutcome{}, false
		}
	}
	return types.Success(), true
}

// SubmitGone accepts the attempt when the submit control became disabled or
// disappeared after submission.
type SubmitGone struct{}

func (SubmitGone) Name() string { return "submit_gone" }

func (SubmitGone) Evaluate(obs driver.Observation, _ []string) (types.AttemptOutcome, bool) {
	if obs.Submit == driver.SubmitDisabled {
		return types.Success(), true
	}
	if obs.Submit == driver.SubmitMissing && obs.SubmitSeen {
		return types.Success(), true
	}
	return types.AttemptOutcome{}, false
}

// NoSubmitControl accepts the attempt when the form never had a visible
// submit control to judge by.
type NoSubmitControl struct{}

func (NoSubmitControl) Name() string { return "no_submit_control" }

func (NoSubmitControl) Evaluate(obs driver.Observation, _ []string) (types.AttemptOutcome, bool) {
	if !obs.SubmitSeen && obs.Submit == driver.SubmitMissing {
		return types.Success(), true
	}
	return types.AttemptOutcome{}, false
}

func containsAny(text string, phrases []string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}
