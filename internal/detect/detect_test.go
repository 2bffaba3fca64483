package detect

import (
	"testing"

	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/stretchr/testify/assert"
)

const formURL = "http://target.test/signup"

// unchanged is an observation where nothing visibly happened.
func unchanged() driver.Observation {
	return driver.Observation{
		FormURL:     formURL,
		LocationURL: formURL,
		StatusCode:  200,
		FormPresent: true,
		FieldValues: map[string]string{"email": "a@b.c", "name": "Ann"},
		Submit:      driver.SubmitEnabled,
		SubmitSeen:  true,
	}
}

func TestChain_RuleOrder(t *testing.T) {
	chain := Default(Config{
		AmbiguousAsSuccess: false,
		ErrorPhrases:       []string{"already registered"},
		SuccessPhrases:     []string{"thank you"},
	})
	filled := []string{"email", "name"}

	tests := []struct {
		name   string
		mutate func(o *driver.Observation)
		want   types.OutcomeKind
	}{
		{"nothing happened is ambiguous", func(o *driver.Observation) {}, types.OutcomeRecoverable},
		{"error element", func(o *driver.Observation) { o.ErrorTexts = []string{"Email required"} }, types.OutcomeRecoverable},
		{"error phrase", func(o *driver.Observation) { o.BodyText = "This email is Already Registered." }, types.OutcomeRecoverable},
		{"error beats success", func(o *driver.Observation) {
			o.ErrorTexts = []string{"bad"}
			o.SuccessText = []string{"ok"}
		}, types.OutcomeRecoverable},
		{"success element", func(o *driver.Observation) { o.SuccessText = []string{"Saved"} }, types.OutcomeSuccess},
		{"success phrase", func(o *driver.Observation) { o.BodyText = "Thank you for signing up" }, types.OutcomeSuccess},
		{"navigated", func(o *driver.Observation) { o.LocationURL = "http://target.test/done" }, types.OutcomeSuccess},
		{"trailing slash is same page", func(o *driver.Observation) { o.LocationURL = formURL + "/" }, types.OutcomeRecoverable},
		{"fields cleared", func(o *driver.Observation) {
			o.FieldValues = map[string]string{"email": "", "name": " "}
		}, types.OutcomeSuccess},
		{"one field kept", func(o *driver.Observation) {
			o.FieldValues = map[string]string{"email": "", "name": "Ann"}
		}, types.OutcomeRecoverable},
		{"submit disabled", func(o *driver.Observation) { o.Submit = driver.SubmitDisabled }, types.OutcomeSuccess},
		{"submit disappeared", func(o *driver.Observation) { o.Submit = driver.SubmitMissing }, types.OutcomeSuccess},
		{"no submit control at all", func(o *driver.Observation) {
			o.Submit = driver.SubmitMissing
			o.SubmitSeen = false
		}, types.OutcomeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := unchanged()
			tt.mutate(&obs)
			got := chain.Classify(obs, filled)
			assert.Equal(t, tt.want, got.Kind, "reason=%q", got.Reason)
		})
	}
}

func TestChain_ErrorReasonCarriesText(t *testing.T) {
	chain := Default(Config{})
	obs := unchanged()
	obs.ErrorTexts = []string{"Email required", "Name too short"}

	got := chain.Classify(obs, nil)
	assert.Equal(t, types.Recoverable("Email required; Name too short"), got)
}

func TestChain_AmbiguousBias(t *testing.T) {
	obs := unchanged()
	filled := []string{"email"}

	assert.Equal(t, types.Success(), Default(Config{AmbiguousAsSuccess: true}).Classify(obs, filled))

	got := Default(Config{AmbiguousAsSuccess: false}).Classify(obs, filled)
	assert.Equal(t, types.OutcomeRecoverable, got.Kind)
	assert.Contains(t, got.Reason, "ambiguous")
}

func TestFieldsCleared_NeedsEvidence(t *testing.T) {
	obs := unchanged()
	obs.FieldValues = map[string]string{}

	_, ok := FieldsCleared{}.Evaluate(obs, []string{"email"})
	assert.False(t, ok, "unobserved field must not count as cleared")

	_, ok = FieldsCleared{}.Evaluate(obs, nil)
	assert.False(t, ok)
}

func TestNewChain_CustomRules(t *testing.T) {
	chain := NewChain(false, Navigated{})
	obs := unchanged()
	obs.Submit = driver.SubmitDisabled

	got := chain.Classify(obs, nil)
	assert.Equal(t, types.OutcomeRecoverable, got.Kind)
}
