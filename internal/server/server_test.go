package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/formrelay/internal/controller"
	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/internal/driver/drivertest"
	"github.com/ChuLiYu/formrelay/internal/history"
	"github.com/ChuLiYu/formrelay/internal/metrics"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const peopleCSV = "name,email\nAda,ada@example.com\nGrace,grace@example.com\nLinus,linus@example.org\n"

type harness struct {
	t    *testing.T
	srv  *Server
	http *httptest.Server
	drv  *drivertest.Driver

	mu    sync.Mutex
	opts  []StartOptions
	built []*controller.Controller
}

func newHarness(t *testing.T, drv *drivertest.Driver, sc *schema.Schema) *harness {
	t.Helper()
	h := &harness{t: t, drv: drv}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	factory := func(opts StartOptions) (*controller.Controller, error) {
		cfg := controller.Config{
			TargetURL:      drivertest.FormURL,
			AttemptTimeout: 2 * time.Second,
			MaxRetries:     1,
			BaseDelay:      opts.BaseDelay,
		}
		ctrl, err := controller.New(cfg, drv,
			controller.WithSchema(sc),
			controller.WithMetrics(collector),
			controller.WithHistory(hist),
		)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.opts = append(h.opts, opts)
		h.built = append(h.built, ctrl)
		h.mu.Unlock()
		return ctrl, nil
	}

	srv, err := New(Config{
		Factory:        factory,
		Schema:         sc,
		History:        hist,
		Gatherer:       reg,
		MaxUploadBytes: 1 << 20,
	})
	require.NoError(t, err)
	h.srv = srv
	h.http = httptest.NewServer(srv)
	t.Cleanup(func() {
		h.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return h
}

func (h *harness) do(method, path string, body io.Reader, contentType string) (int, []byte) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, body)
	require.NoError(h.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, data
}

func (h *harness) post(path string, v any) (int, []byte) {
	h.t.Helper()
	if v == nil {
		return h.do(http.MethodPost, path, nil, "")
	}
	data, err := json.Marshal(v)
	require.NoError(h.t, err)
	return h.do(http.MethodPost, path, bytes.NewReader(data), "application/json")
}

func (h *harness) upload(name, content string) (int, []byte) {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(h.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(h.t, err)
	require.NoError(h.t, mw.Close())
	return h.do(http.MethodPost, "/upload", &buf, mw.FormDataContentType())
}

func (h *harness) status() types.StatusSnapshot {
	h.t.Helper()
	code, body := h.do(http.MethodGet, "/status", nil, "")
	require.Equal(h.t, http.StatusOK, code)
	var st types.StatusSnapshot
	require.NoError(h.t, json.Unmarshal(body, &st))
	return st
}

func (h *harness) waitFor(state types.RunState) types.StatusSnapshot {
	h.t.Helper()
	var st types.StatusSnapshot
	require.Eventually(h.t, func() bool {
		st = h.status()
		return st.State == state
	}, 5*time.Second, 10*time.Millisecond, "waiting for state %s", state)
	return st
}

// waitIdle waits until no run goroutine is left.
func (h *harness) waitIdle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.srv.mu.Lock()
		defer h.srv.mu.Unlock()
		return h.srv.inflight == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// gate blocks the first submission until released.
type gate struct {
	once    sync.Once
	release chan struct{}
	entered chan struct{}
}

func newGate(t *testing.T) *gate {
	g := &gate{release: make(chan struct{}), entered: make(chan struct{}, 16)}
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) respond(n int, _ map[string]string) (driver.Observation, error) {
	g.entered <- struct{}{}
	if n == 1 {
		select {
		case <-g.release:
		case <-time.After(10 * time.Second):
		}
	}
	return drivertest.Accepted(), nil
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestNew_RequiresFactory(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStatus_BeforeAnyRun(t *testing.T) {
	h := newHarness(t, &drivertest.Driver{}, nil)

	st := h.status()
	assert.Equal(t, types.StatusSnapshot{State: types.StateIdle}, st)

	for _, path := range []string{"/pause", "/resume", "/stop"} {
		code, body := h.post(path, nil)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.Equal(t, controller.ErrNoActiveRun.Error(), errorMessage(t, body), path)
	}

	code, body := h.post("/start", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errNoRecords.Error(), errorMessage(t, body))

	code, body = h.do(http.MethodGet, "/results", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"successful":[],"failed":[],"retries":0}`, string(body))
}

func TestUpload(t *testing.T) {
	sc, err := schema.Parse([]byte("fields:\n  - name: name\n  - name: email\n    required: true\n    normalize: [email]\n"))
	require.NoError(t, err)
	h := newHarness(t, &drivertest.Driver{}, sc)

	code, body := h.upload("people.csv", "name,email\nAda,ADA@example.com\nBad,nope\n")
	require.Equal(t, http.StatusOK, code, string(body))
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, 1, resp.Records)
	assert.Equal(t, 2, resp.Rows)
	assert.Equal(t, 1, resp.Invalid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 3, resp.Errors[0].Row)
	require.Len(t, resp.Preview, 1)
	email, _ := resp.Preview[0].Get("email")
	assert.Equal(t, "ada@example.com", email)

	code, body = h.upload("bad.csv", "name,email\nA,nope\nB,worse\n")
	assert.Equal(t, http.StatusBadRequest, code)
	var bad errorResponse
	require.NoError(t, json.Unmarshal(body, &bad))
	assert.Contains(t, bad.Error, "no valid rows")
	assert.Len(t, bad.Errors, 2)

	code, _ = h.do(http.MethodPost, "/upload", strings.NewReader("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRun_CompletesAndReports(t *testing.T) {
	h := newHarness(t, &drivertest.Driver{}, nil)

	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, body := h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))
	var started startResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, startResponse{RunStarted: true, Total: 3, StartIndex: 0}, started)

	st := h.waitFor(types.StateCompleted)
	assert.Equal(t, 3, st.CurrentIndex)
	assert.Equal(t, 3, st.SuccessCount)
	assert.Equal(t, 100.0, st.ProgressPercent)

	code, body = h.do(http.MethodGet, "/results", nil, "")
	require.Equal(t, http.StatusOK, code)
	var result types.RunResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Len(t, result.Successful, 3)
	assert.Empty(t, result.Failed)

	h.waitIdle()
	code, body = h.do(http.MethodGet, "/runs", nil, "")
	require.Equal(t, http.StatusOK, code)
	var runs []types.RunSummary
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, st.RunID, runs[0].RunID)
	assert.Equal(t, 3, runs[0].Succeeded)

	code, _ = h.do(http.MethodGet, "/runs/"+st.RunID, nil, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(http.MethodGet, "/runs/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(http.MethodGet, "/runs?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "formrelay_records_succeeded_total 3")
}

func TestStart_Options(t *testing.T) {
	h := newHarness(t, &drivertest.Driver{}, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post("/start", map[string]any{"startIndex": 3})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post("/start", map[string]any{"delay": -5})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodPost, "/start", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := h.post("/start", map[string]any{"startIndex": 2, "delay": 1})
	require.Equal(t, http.StatusAccepted, code, string(body))
	var started startResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, 2, started.StartIndex)
	assert.Equal(t, int64(1), started.DelayMs)

	st := h.waitFor(types.StateCompleted)
	assert.Equal(t, 2, st.StartIndex)
	assert.Equal(t, 1, st.SuccessCount)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.opts, 1)
	assert.Equal(t, time.Millisecond, h.opts[0].BaseDelay)
}

func TestStart_RejectedWhileActive(t *testing.T) {
	g := newGate(t)
	h := newHarness(t, &drivertest.Driver{Respond: g.respond}, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code)
	<-g.entered

	code, body := h.post("/start", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, controller.ErrAlreadyRunning.Error(), errorMessage(t, body))

	code, _ = h.upload("people.csv", peopleCSV)
	assert.Equal(t, http.StatusBadRequest, code, "uploads are refused during a run")

	g.open()
	h.waitFor(types.StateCompleted)
	h.waitIdle()

	code, _ = h.post("/start", nil)
	assert.Equal(t, http.StatusAccepted, code, "a finished run can be replaced")
	h.waitFor(types.StateCompleted)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.built, 2)
}

func TestPauseResume(t *testing.T) {
	g := newGate(t)
	h := newHarness(t, &drivertest.Driver{Respond: g.respond}, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code)
	<-g.entered

	code, body := h.post("/pause", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	code, _ = h.post("/pause", nil)
	assert.Equal(t, http.StatusOK, code, "pause is idempotent")

	g.open()
	h.waitIdle()
	st := h.waitFor(types.StatePaused)
	assert.Equal(t, 1, st.CurrentIndex)

	code, body = h.post("/resume", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))

	st = h.waitFor(types.StateCompleted)
	assert.Equal(t, 3, st.SuccessCount)
	assert.Equal(t, 3, st.CurrentIndex)

	h.waitIdle()
	code, body = h.post("/resume", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, controller.ErrNothingToResume.Error(), errorMessage(t, body))
}

func TestStart_RejectedWhilePaused(t *testing.T) {
	g := newGate(t)
	h := newHarness(t, &drivertest.Driver{Respond: g.respond}, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code)
	<-g.entered
	code, _ = h.post("/pause", nil)
	require.Equal(t, http.StatusOK, code)
	g.open()
	h.waitIdle()
	h.waitFor(types.StatePaused)

	code, body := h.post("/start", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	msg := errorMessage(t, body)
	assert.Equal(t, errRunPaused.Error(), msg)
	assert.Contains(t, msg, "resume or stop")

	code, body = h.upload("people.csv", peopleCSV)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errRunPaused.Error(), errorMessage(t, body))

	code, _ = h.post("/stop", nil)
	require.Equal(t, http.StatusOK, code)
	h.waitFor(types.StateCompleted)

	code, _ = h.post("/start", nil)
	assert.Equal(t, http.StatusAccepted, code, "a stopped run can be replaced")
	h.waitFor(types.StateCompleted)
}

func TestStop(t *testing.T) {
	g := newGate(t)
	h := newHarness(t, &drivertest.Driver{Respond: g.respond}, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code)
	<-g.entered

	code, _ = h.post("/stop", nil)
	require.Equal(t, http.StatusOK, code)
	g.open()

	st := h.waitFor(types.StateCompleted)
	assert.Equal(t, 1, st.CurrentIndex, "the in-flight record completes")
	assert.Equal(t, 1, st.SuccessCount)

	code, _ = h.post("/stop", nil)
	assert.Equal(t, http.StatusOK, code, "stop is idempotent")
}

func TestClear(t *testing.T) {
	h := newHarness(t, &drivertest.Driver{}, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code)
	h.waitFor(types.StateCompleted)
	h.waitIdle()

	code, _ = h.post("/clear", nil)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, types.StatusSnapshot{State: types.StateIdle}, h.status())
	code, body := h.post("/start", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errNoRecords.Error(), errorMessage(t, body))
	assert.Nil(t, h.srv.Controller())
}

func TestNavigationFailureMarksTargetUnhealthy(t *testing.T) {
	drv := &drivertest.Driver{OpenErr: func(int) error {
		return errors.Join(driver.ErrNavigation, errors.New("connection refused"))
	}}
	h := newHarness(t, drv, nil)
	code, _ := h.upload("people.csv", peopleCSV)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post("/start", nil)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		resp, err := h.srv.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: TargetService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 10*time.Millisecond)

	h.waitIdle()
	st := h.status()
	assert.Equal(t, types.StateIdle, st.State)
	assert.Contains(t, st.LastError, "navigation")

	code, _ = h.post("/resume", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndIndex(t *testing.T) {
	h := newHarness(t, &drivertest.Driver{}, nil)

	code, body := h.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","state":"idle"}`, string(body))

	code, body = h.do(http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "<title>formrelay</title>")
}
