package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/formrelay/internal/controller"
	"github.com/ChuLiYu/formrelay/internal/history"
	"github.com/ChuLiYu/formrelay/internal/ingest"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/go-chi/chi/v5"
)

var (
	errNoRecords = errors.New("no records uploaded")
	errRunPaused = fmt.Errorf("%w: the run is paused, resume or stop it first", controller.ErrAlreadyRunning)
)

const previewRows = 5

type errorResponse struct {
	Error  string            `json:"error"`
	Errors []ingest.RowError `json:"errors,omitempty"`
}

type uploadResponse struct {
	Filename string            `json:"filename"`
	Records  int               `json:"records"`
	Rows     int               `json:"rows"`
	Invalid  int               `json:"invalid"`
	Columns  []string          `json:"columns"`
	Ignored  []string          `json:"ignored,omitempty"`
	Errors   []ingest.RowError `json:"errors,omitempty"`
	Preview  []types.Record    `json:"preview"`
}

type startRequest struct {
	StartIndex *int   `json:"startIndex"`
	Delay      *int64 `json:"delay"` // milliseconds
}

type startResponse struct {
	RunStarted bool  `json:"started"`
	Total      int   `json:"total"`
	StartIndex int   `json:"startIndex"`
	DelayMs    int64 `json:"delay,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleIndex serves the single-page operator UI.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, staticFS, "static/index.html")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := types.StateIdle
	if ctrl := s.Controller(); ctrl != nil {
		state = ctrl.Status().State
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": state})
}

// handleUpload parses a CSV/TSV file and keeps its valid records for the
// next /start.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(`multipart field "file" is required`))
		return
	}
	defer file.Close()

	s.mu.Lock()
	busy := s.busyError()
	s.mu.Unlock()
	if busy != nil {
		writeError(w, http.StatusBadRequest, busy)
		return
	}

	opts := ingest.Options{Schema: s.cfg.Schema}
	if strings.EqualFold(filepath.Ext(hdr.Filename), ".tsv") {
		opts.Comma = '\t'
	}
	batch, err := ingest.Parse(file, opts)
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		if batch != nil {
			resp.Errors = batch.Errors
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	s.mu.Lock()
	if err := s.busyError(); err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.batch = batch
	s.mu.Unlock()

	log.Info("Records uploaded", "file", hdr.Filename, "records", batch.Valid(), "invalid", batch.Invalid())

	preview := batch.Records
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Filename: hdr.Filename,
		Records:  batch.Valid(),
		Rows:     batch.Rows,
		Invalid:  batch.Invalid(),
		Columns:  batch.Columns,
		Ignored:  batch.Ignored,
		Errors:   batch.Errors,
		Preview:  preview,
	})
}

// handleStart builds a new controller and runs it in the background.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batch == nil || len(s.batch.Records) == 0 {
		writeError(w, http.StatusBadRequest, errNoRecords)
		return
	}
	if err := s.busyError(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records := s.batch.Records
	startIndex := 0
	if req.StartIndex != nil {
		startIndex = *req.StartIndex
	}
	if startIndex < 0 || startIndex >= len(records) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %d of %d", controller.ErrInvalidStartIndex, startIndex, len(records)))
		return
	}

	var opts StartOptions
	if req.Delay != nil {
		if *req.Delay < 0 {
			writeError(w, http.StatusBadRequest, errors.New("delay must be zero or greater"))
			return
		}
		opts.BaseDelay = time.Duration(*req.Delay) * time.Millisecond
	}

	if s.ctrl != nil {
		if err := s.ctrl.Close(); err != nil {
			log.Warn("Failed to close previous controller", "error", err)
		}
		s.ctrl = nil
	}
	ctrl, err := s.cfg.Factory(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create controller: %w", err))
		return
	}
	s.ctrl = ctrl
	s.launch(ctrl, func(ctx context.Context) error {
		return ctrl.Start(ctx, records, startIndex)
	})

	writeJSON(w, http.StatusAccepted, startResponse{
		RunStarted: true,
		Total:      len(records),
		StartIndex: startIndex,
		DelayMs:    opts.BaseDelay.Milliseconds(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	ctrl := s.Controller()
	if ctrl == nil {
		writeError(w, http.StatusBadRequest, controller.ErrNoActiveRun)
		return
	}
	if err := ctrl.Pause(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Status())
}

// handleResume re-enters the loop in the background. Errors the controller
// would report synchronously are checked against the status first.
func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctrl := s.ctrl
	if ctrl == nil {
		writeError(w, http.StatusBadRequest, controller.ErrNoActiveRun)
		return
	}
	st := ctrl.Status()
	switch {
	case st.State == types.StateIdle:
		writeError(w, http.StatusBadRequest, controller.ErrNoActiveRun)
		return
	case st.State == types.StateRunning:
		writeJSON(w, http.StatusOK, st)
		return
	case st.State == types.StateStopping:
		writeError(w, http.StatusBadRequest, controller.ErrAlreadyRunning)
		return
	case st.CurrentIndex >= st.Total:
		writeError(w, http.StatusBadRequest, controller.ErrNothingToResume)
		return
	}

	s.launch(ctrl, ctrl.Resume)
	writeJSON(w, http.StatusAccepted, ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	ctrl := s.Controller()
	if ctrl == nil {
		writeError(w, http.StatusBadRequest, controller.ErrNoActiveRun)
		return
	}
	if err := ctrl.Stop(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Status())
}

// handleClear stops any run and forgets the uploaded records.
func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl != nil {
		if err := s.ctrl.Stop(); err != nil && !errors.Is(err, controller.ErrNoActiveRun) {
			log.Warn("Stop on clear failed", "error", err)
		}
		if s.inflight == 0 {
			if err := s.ctrl.Close(); err != nil {
				log.Warn("Failed to close controller", "error", err)
			}
		}
		s.ctrl = nil
	}
	s.batch = nil
	log.Info("Uploaded records and controller cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ctrl := s.Controller()
	if ctrl == nil {
		writeJSON(w, http.StatusOK, types.StatusSnapshot{State: types.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Status())
}

func (s *Server) handleResults(w http.ResponseWriter, _ *http.Request) {
	result := types.RunResult{}
	if ctrl := s.Controller(); ctrl != nil {
		result = ctrl.Result()
	}
	if result.Successful == nil {
		result.Successful = []types.SuccessEntry{}
	}
	if result.Failed == nil {
		result.Failed = []types.FailureEntry{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, errors.New("run history is disabled"))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.cfg.History.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []types.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, errors.New("run history is disabled"))
		return
	}
	run, err := s.cfg.History.Get(chi.URLParam(r, "runID"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
