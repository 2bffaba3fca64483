package demoform

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/formrelay/internal/controller"
	"github.com/ChuLiYu/formrelay/internal/detect"
	"github.com/ChuLiYu/formrelay/internal/driver/httpform"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

func validForm() url.Values {
	return url.Values{
		"name":    {"Ada"},
		"email":   {"ada@example.com"},
		"country": {"Canada"},
		"consent": {"yes"},
	}
}

func TestSubmit_AcceptsValidForm(t *testing.T) {
	srv := New(Config{Seed: 1})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := &http.Client{CheckRedirect: noRedirect}
	resp, err := client.PostForm(ts.URL+"/form", validForm())
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/thanks", resp.Header.Get("Location"))
	require.Len(t, srv.Accepted(), 1)
	assert.Equal(t, "ada@example.com", srv.Accepted()[0].Email)
	assert.True(t, srv.Accepted()[0].Consent)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	srv := New(Config{Seed: 1})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	form := validForm()
	form.Set("email", "not an email")
	form.Del("consent")
	resp, err := http.PostForm(ts.URL+"/form", form)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `<div class="error" role="alert">Email is invalid.</div>`)
	assert.Contains(t, string(body), "Consent is required.")
	assert.Contains(t, string(body), `value="not an email"`, "submitted values are echoed back")
	assert.Empty(t, srv.Accepted())
	assert.Equal(t, 1, srv.Rejected())
}

func TestSubmit_TransientRejection(t *testing.T) {
	srv := New(Config{RejectRate: 1, Seed: 1})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.PostForm(ts.URL+"/form", validForm())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Contains(t, string(body), "The server is busy, please try again.")
	assert.Equal(t, 1, srv.Rejected())
}

func TestValidate(t *testing.T) {
	assert.Empty(t, validate(Submission{Name: "A", Email: "a@b.co", Country: "Japan", Consent: true}))
	errs := validate(Submission{Country: "Atlantis"})
	assert.Equal(t, []string{"Name is required.", "Email is required.", "Country is invalid.", "Consent is required."}, errs)
}

const demoSchema = `
fields:
  - name: name
  - name: email
  - name: country
    kind: select
    default: Canada
  - name: consent
    kind: checkbox
    default: "yes"
`

func TestEndToEnd_ControllerAgainstDemoForm(t *testing.T) {
	srv := New(Config{Seed: 7})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sc, err := schema.Parse([]byte(demoSchema))
	require.NoError(t, err)

	drv, err := httpform.New(httpform.Config{
		FormURL:        ts.URL + "/form",
		Timeout:        5 * time.Second,
		ErrorClasses:   []string{"error"},
		SuccessClasses: []string{"success"},
	})
	require.NoError(t, err)

	ctrl, err := controller.New(controller.Config{
		TargetURL:      ts.URL + "/form",
		AttemptTimeout: 5 * time.Second,
		MaxRetries:     1,
	}, drv,
		controller.WithSchema(sc),
		controller.WithDetector(detect.Default(detect.Config{AmbiguousAsSuccess: true})),
	)
	require.NoError(t, err)
	defer ctrl.Close()

	person := func(name, email string) types.Record {
		return types.NewRecord(types.Field{Name: "name", Value: name}, types.Field{Name: "email", Value: email})
	}
	records := []types.Record{
		person("Ada", "ada@example.com"),
		person("Bob", "bob-at-example"),
		person("Grace", "grace@example.com"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Start(ctx, records, 0))

	st := ctrl.Status()
	assert.Equal(t, types.StateCompleted, st.State)
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 1, st.FailedCount)
	assert.Equal(t, 1, st.Retries)

	result := ctrl.Result()
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Equal(t, 2, result.Failed[0].AttemptCount)
	assert.Contains(t, result.Failed[0].LastError, "Email is invalid.")

	accepted := srv.Accepted()
	require.Len(t, accepted, 2)
	assert.Equal(t, "Canada", accepted[0].Country, "schema default is written")
	assert.True(t, accepted[1].Consent)
	assert.True(t, strings.HasPrefix(accepted[1].Email, "grace@"))
	assert.Equal(t, 2, srv.Rejected())
}
