// ============================================================================
// formrelay 控制面 - HTTP API
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 上傳記錄、啟動/暫停/恢復/停止執行、查詢狀態與結果
//
// 路由:
//   POST /upload          multipart "file"，解析並暫存記錄
//   POST /start           {startIndex?, delay?}，非同步啟動新的執行
//   POST /pause|/resume|/stop
//   GET  /status          狀態快照（尚未執行時為 idle 與零值）
//   GET  /results         成功與失敗清單
//   POST /clear           停止並丟棄控制器與已上傳的記錄
//   GET  /runs, /runs/{id} 執行歷史
//   GET  /metrics         Prometheus 指標（啟用時）
//   GET  /health          存活檢查
//
// 控制器生命週期:
//   每次 /start 透過 Factory 建立新的控制器；執行在背景 goroutine 進行。
//   inflight 計數背景 goroutine，大於 0 時拒絕新的 /start，
//   確保同一時間只有一個控制器持有日誌檔。
//
// ============================================================================

package server

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/formrelay/internal/controller"
	"github.com/ChuLiYu/formrelay/internal/driver"
	"github.com/ChuLiYu/formrelay/internal/ingest"
	"github.com/ChuLiYu/formrelay/internal/metrics"
	"github.com/ChuLiYu/formrelay/internal/schema"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

//go:embed static
var staticFS embed.FS

// TargetService is the gRPC health service name reflecting whether the
// target form could be opened by the most recent run.
const TargetService = "formrelay.Target"

// StartOptions are per-run overrides taken from POST /start.
type StartOptions struct {
	BaseDelay time.Duration // zero keeps the configured pacing delay
}

// Factory builds a fresh controller for one run.
type Factory func(StartOptions) (*controller.Controller, error)

// HistoryReader serves the /runs endpoints.
type HistoryReader interface {
	List(limit int) ([]types.RunSummary, error)
	Get(id string) (*types.RunSummary, error)
}

// Config wires the server's collaborators.
type Config struct {
	Factory        Factory
	Schema         *schema.Schema      // nil accepts any header
	History        HistoryReader       // nil disables /runs
	Gatherer       prometheus.Gatherer // nil disables /metrics
	MaxUploadBytes int64
}

// Server HTTP 控制面
type Server struct {
	cfg    Config
	router chi.Router
	health *health.Server

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	mu       sync.Mutex
	batch    *ingest.Batch
	ctrl     *controller.Controller
	inflight int
}

// New 創建控制面
func New(cfg Config) (*Server, error) {
	if cfg.Factory == nil {
		return nil, errors.New("server: controller factory is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		health: health.NewServer(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(TargetService, healthpb.HealthCheckResponse_SERVING)
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health returns the gRPC health service to register on a grpc.Server.
func (s *Server) Health() *health.Server {
	return s.health
}

// Controller returns the current controller, or nil before the first start.
func (s *Server) Controller() *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// Shutdown 停止目前的執行並等待背景 goroutine 結束
//
// ctx 到期時取消執行的 context，控制器會在下一個等待點結束。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl != nil {
		if err := ctrl.Stop(); err != nil && !errors.Is(err, controller.ErrNoActiveRun) {
			log.Warn("Stop on shutdown failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		<-done
	}
	s.cancel()
	s.health.Shutdown()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl != nil {
		if cerr := s.ctrl.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.ctrl = nil
	}
	return err
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)

	r.Post("/upload", s.handleUpload)
	r.Post("/start", s.handleStart)
	r.Post("/pause", s.handlePause)
	r.Post("/resume", s.handleResume)
	r.Post("/stop", s.handleStop)
	r.Post("/clear", s.handleClear)
	r.Get("/status", s.handleStatus)
	r.Get("/results", s.handleResults)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleRuns)
		r.Get("/{runID}", s.handleRun)
	})

	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.cfg.Gatherer))
	}

	if sub, err := fs.Sub(staticFS, "static"); err == nil {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(sub))))
	}
	return r
}

// launch runs fn in the background; the caller holds s.mu.
func (s *Server) launch(ctrl *controller.Controller, fn func(context.Context) error) {
	s.inflight++
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		err := fn(s.ctx)
		s.afterRun(ctrl, err)
	}()
}

func (s *Server) afterRun(ctrl *controller.Controller, err error) {
	switch {
	case errors.Is(err, driver.ErrNavigation):
		log.Error("Target form unreachable", "error", err)
		s.health.SetServingStatus(TargetService, healthpb.HealthCheckResponse_NOT_SERVING)
	case err != nil:
		log.Error("Run ended with error", "error", err)
	default:
		s.health.SetServingStatus(TargetService, healthpb.HealthCheckResponse_SERVING)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if ctrl != s.ctrl && s.inflight == 0 {
		// 已被 /clear 丟棄的控制器，等最後一個 goroutine 結束才關閉日誌
		if cerr := ctrl.Close(); cerr != nil {
			log.Warn("Failed to close retired controller", "error", cerr)
		}
	}
}

// busyError reports why a new run or upload is refused, or nil when the
// controller is free. A paused run still owns the controller. The caller
// holds s.mu.
func (s *Server) busyError() error {
	if s.ctrl != nil && s.ctrl.Status().State == types.StatePaused {
		return errRunPaused
	}
	if s.inflight > 0 {
		return controller.ErrAlreadyRunning
	}
	if s.ctrl == nil {
		return nil
	}
	switch s.ctrl.Status().State {
	case types.StateRunning, types.StateStopping:
		return controller.ErrAlreadyRunning
	}
	return nil
}
