// Package httpform implements driver.Driver for plain HTML forms over HTTP.
//
// A session is one GET of the form page with its own cookie jar. Fill edits
// an in-memory copy of the form's values, Submit sends them to the form's
// action the way a browser would, and Observe parses the response page.
package httpform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var log = slog.Default()

const (
	maxBodyBytes    = 4 << 20
	maxBodyTextRune = 4096
)

// Default marker class fragments used when Config leaves them empty.
var (
	DefaultErrorClasses   = []string{"error", "invalid", "danger"}
	DefaultSuccessClasses = []string{"success", "thank", "confirm"}
)

// Config describes the target form and the identity a session presents.
type Config struct {
	FormURL string
	FormID  string // id or name of the form; empty selects the first form
	Timeout time.Duration

	UserAgent      string
	AcceptLanguage string
	ViewportWidth  int
	ViewportHeight int

	ErrorClasses   []string
	SuccessClasses []string

	// Transport overrides the HTTP transport; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Driver opens HTTP form sessions. It is safe for concurrent use.
type Driver struct {
	cfg     Config
	formURL *url.URL
}

// New validates cfg and returns a driver.
func New(cfg Config) (*Driver, error) {
	u, err := url.Parse(cfg.FormURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("httpform: invalid form url %q", cfg.FormURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.ErrorClasses) == 0 {
		cfg.ErrorClasses = DefaultErrorClasses
	}
	if len(cfg.SuccessClasses) == 0 {
		cfg.SuccessClasses = DefaultSuccessClasses
	}
	return &Driver{cfg: cfg, formURL: u}, nil
}

// Open loads the form page in a fresh cookie jar.
func (d *Driver) Open(ctx context.Context) (driver.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := d.cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	s := &session{
		drv:    d,
		client: &http.Client{Jar: jar, Transport: transport},
	}

	body, final, status, err := s.do(ctx, http.MethodGet, d.formURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrNavigation, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("%w: %s returned %d", driver.ErrNavigation, d.formURL, status)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", driver.ErrNavigation, err)
	}
	node := findForm(doc, d.cfg.FormID)
	if node == nil {
		return nil, fmt.Errorf("%w: form %q not found on %s", driver.ErrNavigation, d.cfg.FormID, final)
	}
	s.form = parseForm(node, final)
	s.values = s.form.initialValues()
	s.filled = make(map[string]bool)

	log.Debug("form session opened",
		"url", final.String(),
		"action", s.form.action.String(),
		"method", s.form.method,
		"controls", len(s.form.controls))
	return s, nil
}

// ============================================================================
// session
// ============================================================================

type session struct {
	drv    *Driver
	client *http.Client
	form   *parsedForm
	values url.Values
	filled map[string]bool

	submitted bool
	respURL   *url.URL
	respCode  int
	respBody  []byte
	closed    bool
}

func (s *session) Fill(_ context.Context, target string, kind schema.Kind, value string) error {
	if s.closed {
		return driver.ErrSessionClosed
	}
	controls := s.form.controlsNamed(target)
	if len(controls) == 0 {
		return &driver.FieldError{Field: target, Err: driver.ErrFieldNotFound}
	}
	if controls[0].disabled {
		return &driver.FieldError{Field: target, Err: fmt.Errorf("%w: input disabled", driver.ErrFieldWrite)}
	}
	if kind == schema.KindAuto {
		kind = controls[0].kind
	}

	switch kind {
	case schema.KindSelect:
		v, ok := matchOption(controls[0].options, value)
		if !ok {
			return &driver.FieldError{Field: target, Err: fmt.Errorf("%w: no option %q", driver.ErrFieldWrite, value)}
		}
		s.values.Set(target, v)
	case schema.KindCheckbox:
		if err := s.fillCheckbox(target, controls, value); err != nil {
			return err
		}
	case schema.KindRadio:
		for _, c := range controls {
			if strings.EqualFold(c.value, strings.TrimSpace(value)) {
				s.values.Set(target, c.value)
				s.filled[target] = true
				return nil
			}
		}
		return &driver.FieldError{Field: target, Err: fmt.Errorf("%w: no radio %q", driver.ErrFieldWrite, value)}
	default:
		s.values.Set(target, value)
	}
	s.filled[target] = true
	return nil
}

// fillCheckbox handles a single checkbox (truthy/falsy or its own value) and
// checkbox groups (values separated by ';' or ',').
func (s *session) fillCheckbox(target string, controls []control, value string) error {
	if len(controls) == 1 {
		c := controls[0]
		switch {
		case truthy(value) || strings.EqualFold(strings.TrimSpace(value), c.value):
			s.values.Set(target, c.value)
		case falsy(value):
			s.values.Del(target)
		default:
			return &driver.FieldError{Field: target, Err: fmt.Errorf("%w: %q is not a checkbox state", driver.ErrFieldWrite, value)}
		}
		return nil
	}

	s.values.Del(target)
	for _, want := range strings.FieldsFunc(value, func(r rune) bool { return r == ';' || r == ',' }) {
		want = strings.TrimSpace(want)
		found := false
		for _, c := range controls {
			if strings.EqualFold(c.value, want) {
				s.values.Add(target, c.value)
				found = true
				break
			}
		}
		if !found {
			return &driver.FieldError{Field: target, Err: fmt.Errorf("%w: no checkbox %q", driver.ErrFieldWrite, want)}
		}
	}
	return nil
}

func (s *session) Submit(ctx context.Context) error {
	if s.closed {
		return driver.ErrSessionClosed
	}
	if s.form.submitOff {
		return fmt.Errorf("%w: submit control disabled", driver.ErrSubmit)
	}

	values := url.Values{}
	for k, v := range s.values {
		values[k] = append([]string(nil), v...)
	}
	if s.form.submitName != "" {
		values.Set(s.form.submitName, s.form.submitValue)
	}

	target := *s.form.action
	var body io.Reader
	method := http.MethodPost
	if s.form.method != http.MethodPost {
		method = http.MethodGet
		target.RawQuery = values.Encode()
	} else {
		body = strings.NewReader(values.Encode())
	}

	resp, final, status, err := s.do(ctx, method, &target, body)
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrSubmit, err)
	}
	if status >= 500 {
		return fmt.Errorf("%w: server returned %d", driver.ErrSubmit, status)
	}
	s.submitted = true
	s.respURL = final
	s.respCode = status
	s.respBody = resp
	return nil
}

func (s *session) Observe(_ context.Context) (driver.Observation, error) {
	if s.closed {
		return driver.Observation{}, driver.ErrSessionClosed
	}
	if !s.submitted {
		return driver.Observation{}, errors.New("httpform: observe before submit")
	}

	obs := driver.Observation{
		FormURL:     s.drv.formURL.String(),
		LocationURL: s.respURL.String(),
		StatusCode:  s.respCode,
		SubmitSeen:  s.form.submitSeen,
		Submit:      driver.SubmitMissing,
	}
	if s.respCode >= 400 {
		obs.ErrorTexts = append(obs.ErrorTexts, "HTTP "+strconv.Itoa(s.respCode))
	}

	doc, err := html.Parse(bytes.NewReader(s.respBody))
	if err != nil {
		return obs, fmt.Errorf("httpform: parse response: %w", err)
	}
	obs.ErrorTexts = append(obs.ErrorTexts, s.markerTexts(doc, s.drv.cfg.ErrorClasses, true)...)
	obs.SuccessText = s.markerTexts(doc, s.drv.cfg.SuccessClasses, false)
	obs.BodyText = truncate(textOf(doc), maxBodyTextRune)

	want := s.drv.cfg.FormID
	if want == "" {
		want = firstNonEmpty(s.form.id, s.form.name)
	}
	if node := findForm(doc, want); node != nil {
		after := parseForm(node, s.respURL)
		obs.FormPresent = true
		obs.FieldValues = make(map[string]string, len(s.filled))
		current := after.initialValues()
		for name := range s.filled {
			obs.FieldValues[name] = current.Get(name)
		}
		switch {
		case !after.submitSeen:
			obs.Submit = driver.SubmitMissing
		case after.submitOff:
			obs.Submit = driver.SubmitDisabled
		default:
			obs.Submit = driver.SubmitEnabled
		}
	}
	return obs, nil
}

func (s *session) Close() error {
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}

// markerTexts returns the visible text of elements whose class matches one
// of markers. role="alert" elements count as errors unless they carry a
// success class.
func (s *session) markerTexts(doc *html.Node, markers []string, alerts bool) []string {
	var out []string
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if n.DataAtom == atom.Script || n.DataAtom == atom.Style || isHidden(n) {
			return false
		}
		match := classMatches(n, markers)
		if !match && alerts && strings.EqualFold(attr(n, "role"), "alert") {
			match = !classMatches(n, s.drv.cfg.SuccessClasses)
		}
		if match {
			if t := textOf(n); t != "" {
				out = append(out, t)
			}
			return false
		}
		return true
	})
	return out
}

// do performs one request under the per-call timeout and returns the body,
// the final URL after redirects, and the status code.
func (s *session) do(ctx context.Context, method string, u *url.URL, body io.Reader) ([]byte, *url.URL, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.drv.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, 0, err
	}
	s.identify(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", u.Scheme+"://"+u.Host)
		req.Header.Set("Referer", s.drv.formURL.String())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, resp.StatusCode, err
	}
	return data, resp.Request.URL, resp.StatusCode, nil
}

func (s *session) identify(req *http.Request) {
	cfg := s.drv.cfg
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", cfg.AcceptLanguage)
	}
	if cfg.ViewportWidth > 0 {
		req.Header.Set("Viewport-Width", strconv.Itoa(cfg.ViewportWidth))
	}
	if cfg.ViewportHeight > 0 {
		req.Header.Set("Viewport-Height", strconv.Itoa(cfg.ViewportHeight))
	}
}

// ============================================================================
// value helpers
// ============================================================================

func matchOption(opts []option, value string) (string, bool) {
	value = strings.TrimSpace(value)
	for _, o := range opts {
		if o.value == value {
			return o.value, true
		}
	}
	for _, o := range opts {
		if strings.EqualFold(o.value, value) || strings.EqualFold(o.label, value) {
			return o.value, true
		}
	}
	return "", false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on", "checked", "x":
		return true
	}
	return false
}

func falsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "n", "off":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
