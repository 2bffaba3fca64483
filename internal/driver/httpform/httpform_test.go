package httpform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signupPage = `<!doctype html>
<html><body>
<form id="other" action="/search"><input name="q"><button>Go</button></form>
<form id="signup" method="post" action="/submit">
  <input type="hidden" name="csrf" value="tok-1">
  <input name="email" value="">
  <textarea name="note"></textarea>
  <select name="plan">
    <option value="">Choose</option>
    <option value="basic">Basic plan</option>
    <option value="pro">Pro plan</option>
  </select>
  <input type="checkbox" name="terms" value="agree">
  <input type="radio" name="size" value="s">
  <input type="radio" name="size" value="m" checked>
  <input type="text" name="locked" disabled>
  <button type="submit" name="go" value="1">Send</button>
</form>
<div class="error-box" style="display:none">hidden error</div>
</body></html>`

type recorder struct {
	mu     sync.Mutex
	posted url.Values
	ua     string
}

func newTarget(t *testing.T, reply func(w http.ResponseWriter, form url.Values)) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.ua = r.UserAgent()
		rec.mu.Unlock()
		_, _ = w.Write([]byte(signupPage))
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rec.mu.Lock()
		rec.posted = r.PostForm
		rec.mu.Unlock()
		reply(w, r.PostForm)
	})
	mux.HandleFunc("/thanks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>All done</p></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec
}

func newDriver(t *testing.T, srv *httptest.Server) *Driver {
	t.Helper()
	d, err := New(Config{
		FormURL:   srv.URL + "/form",
		FormID:    "signup",
		Timeout:   2 * time.Second,
		UserAgent: "formrelay-test",
	})
	require.NoError(t, err)
	return d
}

func TestSession_FillAndSubmit(t *testing.T) {
	srv, rec := newTarget(t, func(w http.ResponseWriter, _ url.Values) {
		w.Header().Set("Location", "/thanks")
		w.WriteHeader(http.StatusSeeOther)
	})
	d := newDriver(t, srv)
	ctx := context.Background()

	s, err := d.Open(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Fill(ctx, "email", schema.KindAuto, "a@example.com"))
	require.NoError(t, s.Fill(ctx, "note", schema.KindAuto, "hello"))
	require.NoError(t, s.Fill(ctx, "plan", schema.KindAuto, "Pro plan"))
	require.NoError(t, s.Fill(ctx, "terms", schema.KindAuto, "yes"))
	require.NoError(t, s.Fill(ctx, "size", schema.KindAuto, "S"))
	require.NoError(t, s.Submit(ctx))

	rec.mu.Lock()
	posted := rec.posted
	ua := rec.ua
	rec.mu.Unlock()
	assert.Equal(t, "tok-1", posted.Get("csrf"))
	assert.Equal(t, "a@example.com", posted.Get("email"))
	assert.Equal(t, "hello", posted.Get("note"))
	assert.Equal(t, "pro", posted.Get("plan"))
	assert.Equal(t, "agree", posted.Get("terms"))
	assert.Equal(t, "s", posted.Get("size"))
	assert.Equal(t, "1", posted.Get("go"))
	assert.Empty(t, posted.Get("locked"))
	assert.Equal(t, "formrelay-test", ua)

	obs, err := s.Observe(ctx)
	require.NoError(t, err)
	assert.Contains(t, obs.LocationURL, "/thanks")
	assert.False(t, obs.FormPresent)
	assert.Empty(t, obs.ErrorTexts)
	assert.Equal(t, driver.SubmitMissing, obs.Submit)
	assert.True(t, obs.SubmitSeen)
}

func TestSession_ObserveValidationErrors(t *testing.T) {
	srv, _ := newTarget(t, func(w http.ResponseWriter, form url.Values) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`<html><body>
<div class="alert alert-danger">Email is invalid</div>
<form id="signup" method="post" action="/submit">
  <input name="email" value="` + form.Get("email") + `">
  <button type="submit">Send</button>
</form></body></html>`))
	})
	d := newDriver(t, srv)
	ctx := context.Background()

	s, err := d.Open(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Fill(ctx, "email", schema.KindText, "nope"))
	require.NoError(t, s.Submit(ctx))

	obs, err := s.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, obs.StatusCode)
	assert.Contains(t, obs.ErrorTexts, "Email is invalid")
	assert.Contains(t, obs.ErrorTexts, "HTTP 422")
	assert.True(t, obs.FormPresent)
	assert.Equal(t, "nope", obs.FieldValues["email"])
	assert.Equal(t, driver.SubmitEnabled, obs.Submit)
}

func TestSession_FillErrors(t *testing.T) {
	srv, _ := newTarget(t, func(w http.ResponseWriter, _ url.Values) {})
	d := newDriver(t, srv)
	ctx := context.Background()

	s, err := d.Open(ctx)
	require.NoError(t, err)
	defer s.Close()

	tests := []struct {
		name   string
		target string
		kind   schema.Kind
		value  string
		want   error
	}{
		{"missing input", "phone", schema.KindAuto, "1", driver.ErrFieldNotFound},
		{"unknown option", "plan", schema.KindAuto, "enterprise", driver.ErrFieldWrite},
		{"bad checkbox", "terms", schema.KindAuto, "maybe", driver.ErrFieldWrite},
		{"unknown radio", "size", schema.KindAuto, "xl", driver.ErrFieldWrite},
		{"disabled input", "locked", schema.KindAuto, "x", driver.ErrFieldWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Fill(ctx, tt.target, tt.kind, tt.value)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var fe *driver.FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.target, fe.Field)
		})
	}
}

func TestDriver_OpenNavigationFailures(t *testing.T) {
	srv, _ := newTarget(t, func(w http.ResponseWriter, _ url.Values) {})
	ctx := context.Background()

	d, err := New(Config{FormURL: srv.URL + "/missing", Timeout: time.Second})
	require.NoError(t, err)
	_, err = d.Open(ctx)
	assert.ErrorIs(t, err, driver.ErrNavigation)

	d, err = New(Config{FormURL: srv.URL + "/form", FormID: "nope", Timeout: time.Second})
	require.NoError(t, err)
	_, err = d.Open(ctx)
	assert.ErrorIs(t, err, driver.ErrNavigation)

	_, err = New(Config{FormURL: "not a url"})
	assert.Error(t, err)
}

func TestSession_ClosedSession(t *testing.T) {
	srv, _ := newTarget(t, func(w http.ResponseWriter, _ url.Values) {})
	d := newDriver(t, srv)
	ctx := context.Background()

	s, err := d.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Fill(ctx, "email", schema.KindAuto, "x"), driver.ErrSessionClosed)
	assert.ErrorIs(t, s.Submit(ctx), driver.ErrSessionClosed)
	_, err = s.Observe(ctx)
	assert.ErrorIs(t, err, driver.ErrSessionClosed)
}

func TestSession_ServerErrorIsSubmitFailure(t *testing.T) {
	srv, _ := newTarget(t, func(w http.ResponseWriter, _ url.Values) {
		w.WriteHeader(http.StatusBadGateway)
	})
	d := newDriver(t, srv)
	ctx := context.Background()

	s, err := d.Open(ctx)
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.Submit(ctx), driver.ErrSubmit)
}
