// Package demoform serves a small sign-up form for trying formrelay locally.
//
// Submissions are validated like a real form would: required fields, an
// email check and a country from a fixed list. A configurable share of
// otherwise valid submissions is rejected with a transient "busy" message so
// retries can be observed.
package demoform

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"math/rand"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var log = slog.Default()

// Countries offered by the select control.
var Countries = []string{"Canada", "France", "Germany", "Japan", "United States"}

// Config tunes the demo target.
type Config struct {
	RejectRate float64       // share of valid submissions answered with a transient error
	Latency    time.Duration // added to every submission
	Seed       int64         // zero seeds from the clock
}

// Submission is one accepted entry.
type Submission struct {
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Phone    string    `json:"phone,omitempty"`
	Country  string    `json:"country"`
	Message  string    `json:"message,omitempty"`
	Consent  bool      `json:"consent"`
	Received time.Time `json:"received"`
}

// Server is the demo form handler.
type Server struct {
	cfg    Config
	router chi.Router

	mu       sync.Mutex
	rng      *rand.Rand
	accepted []Submission
	rejected int
}

// New creates the demo form server.
func New(cfg Config) *Server {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Server{cfg: cfg, rng: rand.New(rand.NewSource(seed))}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/form", http.StatusFound)
	})
	r.Get("/form", s.handleForm)
	r.Post("/form", s.handleSubmit)
	r.Get("/thanks", s.handleThanks)
	r.Get("/submissions", s.handleSubmissions)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Accepted returns a copy of the accepted submissions.
func (s *Server) Accepted() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.accepted...)
}

// Rejected returns how many submissions were turned away.
func (s *Server) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

type formView struct {
	Values    map[string]string
	Errors    []string
	Countries []string
}

func (s *Server) handleForm(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, formView{Values: map[string]string{}, Countries: Countries})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	sub := Submission{
		Name:     strings.TrimSpace(r.PostFormValue("name")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Phone:    strings.TrimSpace(r.PostFormValue("phone")),
		Country:  r.PostFormValue("country"),
		Message:  r.PostFormValue("message"),
		Consent:  r.PostFormValue("consent") != "",
		Received: time.Now().UTC(),
	}
	view := formView{
		Values: map[string]string{
			"name": sub.Name, "email": sub.Email, "phone": sub.Phone,
			"country": sub.Country, "message": sub.Message,
		},
		Countries: Countries,
		Errors:    validate(sub),
	}

	s.mu.Lock()
	if len(view.Errors) == 0 && s.rng.Float64() < s.cfg.RejectRate {
		view.Errors = []string{"The server is busy, please try again."}
	}
	if len(view.Errors) > 0 {
		s.rejected++
		s.mu.Unlock()
		log.Debug("Demo submission rejected", "email", sub.Email, "errors", view.Errors)
		s.render(w, http.StatusOK, view)
		return
	}
	s.accepted = append(s.accepted, sub)
	s.mu.Unlock()

	log.Debug("Demo submission accepted", "email", sub.Email)
	http.Redirect(w, r, "/thanks", http.StatusSeeOther)
}

func (s *Server) handleThanks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := thanksTmpl.Execute(w, nil); err != nil {
		log.Warn("Render thanks page failed", "error", err)
	}
}

func (s *Server) handleSubmissions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": s.Accepted(),
		"rejected": s.Rejected(),
	})
}

func (s *Server) render(w http.ResponseWriter, status int, view formView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := formTmpl.Execute(w, view); err != nil {
		log.Warn("Render form failed", "error", err)
	}
}

func validate(sub Submission) []string {
	var errs []string
	if sub.Name == "" {
		errs = append(errs, "Name is required.")
	}
	if sub.Email == "" {
		errs = append(errs, "Email is required.")
	} else if _, err := mail.ParseAddress(sub.Email); err != nil {
		errs = append(errs, "Email is invalid.")
	}
	known := false
	for _, c := range Countries {
		if c == sub.Country {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, "Country is invalid.")
	}
	if !sub.Consent {
		errs = append(errs, "Consent is required.")
	}
	return errs
}

var formTmpl = template.Must(template.New("form").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign up</title></head>
<body>
<h1>Sign up</h1>
{{range .Errors}}<div class="error" role="alert">{{.}}</div>
{{end}}<form id="signup" method="post" action="/form">
  <label>Name <input type="text" name="name" value="{{index .Values "name"}}"></label>
  <label>Email <input type="email" name="email" value="{{index .Values "email"}}"></label>
  <label>Phone <input type="tel" name="phone" value="{{index .Values "phone"}}"></label>
  <label>Country
    <select name="country">
      <option value="">Choose...</option>
      {{$sel := index .Values "country"}}{{range .Countries}}<option value="{{.}}"{{if eq . $sel}} selected{{end}}>{{.}}</option>
      {{end}}
    </select>
  </label>
  <label>Message <textarea name="message">{{index .Values "message"}}</textarea></label>
  <label><input type="checkbox" name="consent" value="yes"> I agree to be contacted</label>
  <input type="hidden" name="source" value="formrelay-demo">
  <button type="submit">Send</button>
</form>
</body>
</html>
`))

var thanksTmpl = template.Must(template.New("thanks").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Thank you</title></head>
<body><div class="success">Thank you, your submission has been received.</div></body>
</html>
`))
