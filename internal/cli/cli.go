// ============================================================================
// formrelay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the formrelay binary
//
// Command Structure:
//   formrelay                      # Root command
//   ├── serve                      # HTTP control plane + gRPC health
//   ├── run                        # Submit a CSV file from the terminal
//   │   ├── --file, -f            # Record file (CSV / TSV)
//   │   ├── --start               # First record index
//   │   └── --resume              # Continue the interrupted run
//   ├── validate                   # Parse a record file without submitting
//   ├── status                     # Query a running control plane
//   ├── watch                      # Live terminal dashboard
//   ├── history [run-id]           # Past runs from the local history store
//   ├── demo                       # Local demo form to practise against
//   ├── --config, -c               # Config file (default: ./formrelay.yaml)
//   └── --log-level / --log-format
//
// Configuration:
//   Defaults < config file < FORMRELAY_* environment < command line flags.
//   Flags carrying the "config" annotation are bound to the matching key.
//
// Signal Handling:
//   serve and run stop on SIGINT / SIGTERM. A running batch is stopped
//   after the current record, journaled and checkpointed so that
//   `formrelay run --resume` continues from the next record.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/formrelay/internal/config"
	"github.com/ChuLiYu/formrelay/internal/controller"
	"github.com/ChuLiYu/formrelay/internal/history"
	"github.com/ChuLiYu/formrelay/internal/ingest"
	"github.com/ChuLiYu/formrelay/internal/metrics"
	"github.com/ChuLiYu/formrelay/internal/server"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Version is stamped by the build.
var Version = "dev"

const (
	configKeyAnnotation = "config"
	shutdownTimeout     = 30 * time.Second
)

// app 保存一次命令執行期間的共享狀態
type app struct {
	configFile string
	loader     *config.Loader
	cfg        *config.Config
	logOut     io.Writer
}

// BuildCLI 建立 formrelay 根命令
func BuildCLI() *cobra.Command {
	a := &app{loader: config.NewLoader(), logOut: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "formrelay",
		Short: "formrelay: a paced, resumable web form submitter",
		Long: `formrelay submits every row of a CSV file through a web form, one at a time:
- human-like pacing between submissions
- retries with exponential backoff
- success / failure detection on the response page
- pause, resume and stop over an HTTP control plane
- journal + checkpoint recovery after a crash`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file path")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")
	annotate(flags, "log-level", "logging.level")
	annotate(flags, "log-format", "logging.format")

	rootCmd.AddCommand(buildServeCommand(a))
	rootCmd.AddCommand(buildRunCommand(a))
	rootCmd.AddCommand(buildValidateCommand(a))
	rootCmd.AddCommand(buildStatusCommand(a))
	rootCmd.AddCommand(buildWatchCommand(a))
	rootCmd.AddCommand(buildHistoryCommand(a))
	rootCmd.AddCommand(buildDemoCommand(a))

	return rootCmd
}

// annotate 將旗標綁定到設定鍵
func annotate(flags *pflag.FlagSet, name, key string) {
	_ = flags.SetAnnotation(name, configKeyAnnotation, []string{key})
}

// load 讀取設定並安裝日誌處理器
func (a *app) load(cmd *cobra.Command) error {
	if a.configFile != "" {
		a.loader.SetConfigFile(a.configFile)
	}

	v := a.loader.Viper()
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	setupLogging(cfg.Logging, a.logOut)

	if used := a.loader.ConfigFileUsed(); used != "" {
		slog.Debug("config loaded", "file", used)
	}
	return nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control plane",
		Long: `Serve the operator page and the control API (/upload, /start, /pause,
/resume, /stop, /clear, /status, /results, /runs, /metrics). When a health
address is configured, a gRPC health service reports whether the target
form is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a.cfg)
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("health-addr", "", "gRPC health listen address, empty disables it")
	cmd.Flags().String("target", "", "URL of the target form")
	annotate(cmd.Flags(), "addr", "server.addr")
	annotate(cmd.Flags(), "health-addr", "server.health_addr")
	annotate(cmd.Flags(), "target", "target.url")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	sc, err := loadSchema(cfg)
	if err != nil {
		return err
	}
	drv, err := newDriver(cfg)
	if err != nil {
		return err
	}
	chain := newDetector(cfg)

	var (
		gatherer  prometheus.Gatherer
		collector *metrics.Collector
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		gatherer = reg
	}

	var hist *history.Store
	if cfg.Storage.HistoryPath != "" {
		hist, err = history.Open(cfg.Storage.HistoryPath)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	factory := func(opts server.StartOptions) (*controller.Controller, error) {
		cc, err := controllerConfig(cfg, opts.BaseDelay)
		if err != nil {
			return nil, err
		}
		return controller.New(cc, drv, controllerOptions(sc, chain, collector, hist)...)
	}

	scfg := server.Config{
		Factory:        factory,
		Schema:         sc,
		Gatherer:       gatherer,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}
	if hist != nil {
		scfg.History = hist
	}
	srv, err := server.New(scfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *grpc.Server
	var healthLis net.Listener
	if cfg.Server.HealthAddr != "" {
		healthLis, err = net.Listen("tcp", cfg.Server.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.HealthAddr, err)
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, srv.Health())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control plane listening", "addr", cfg.Server.Addr, "target", cfg.Target.URL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			slog.Info("health service listening", "addr", healthLis.Addr().String())
			return grpcSrv.Serve(healthLis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 先停止執行中的批次，讓日誌與 checkpoint 落盤
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("controller shutdown", "error", err)
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	file   string
	start  int
	resume bool
	delay  time.Duration
}

func buildRunCommand(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit every record of a file through the target form",
		Long: `Read a CSV or TSV file and submit its records one at a time, without the
control plane. Ctrl+C stops after the current record; --resume continues an
interrupted run from its journal and checkpoint.`,
		Example: `  formrelay run -f contacts.csv --target http://localhost:8081/form
  formrelay run -f contacts.csv --start 120 --delay 5s
  formrelay run -f contacts.csv --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), a.cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "record file (CSV or TSV)")
	cmd.Flags().IntVar(&opts.start, "start", 0, "index of the first record to submit")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "continue the run recorded in the journal")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "base delay between submissions, 0 keeps the configured value")
	cmd.Flags().String("target", "", "URL of the target form")
	annotate(cmd.Flags(), "target", "target.url")
	_ = cmd.MarkFlagRequired("file")
	cmd.MarkFlagsMutuallyExclusive("start", "resume")

	return cmd
}

func runBatch(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) error {
	if opts.delay < 0 {
		return fmt.Errorf("--delay must not be negative, got %s", opts.delay)
	}
	sc, err := loadSchema(cfg)
	if err != nil {
		return err
	}

	batch, err := ingest.ParseFile(opts.file, ingest.Options{Schema: sc})
	if batch != nil {
		printRowErrors(out, batch.Errors, 10)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.file, err)
	}
	fmt.Fprintf(out, "Loaded %d records from %s (%d rejected)\n", batch.Valid(), opts.file, batch.Invalid())

	drv, err := newDriver(cfg)
	if err != nil {
		return err
	}
	cc, err := controllerConfig(cfg, opts.delay)
	if err != nil {
		return err
	}

	var hist *history.Store
	if cfg.Storage.HistoryPath != "" {
		hist, err = history.Open(cfg.Storage.HistoryPath)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	ctrl, err := controller.New(cc, drv, controllerOptions(sc, newDetector(cfg), nil, hist)...)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.resume {
		report, err := ctrl.Recover(batch.Records)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		fmt.Fprintf(out, "Recovered run %s: %s at record %d of %d\n",
			shortID(report.RunID), report.State, report.Cursor, len(batch.Records))
		err = ctrl.Resume(ctx)
		printSummary(out, ctrl.Status(), ctrl.Result())
		return err
	}

	err = ctrl.Start(ctx, batch.Records, opts.start)
	printSummary(out, ctrl.Status(), ctrl.Result())
	return err
}

func printRowErrors(out io.Writer, rowErrs []ingest.RowError, limit int) {
	for i, e := range rowErrs {
		if limit > 0 && i >= limit {
			fmt.Fprintf(out, "  ... and %d more\n", len(rowErrs)-limit)
			return
		}
		fmt.Fprintf(out, "  %s\n", e.Error())
	}
}

func printSummary(out io.Writer, st types.StatusSnapshot, res types.RunResult) {
	if st.RunID == "" {
		return
	}
	fmt.Fprintf(out, "\nRun %s %s: %d/%d records, %d succeeded, %d failed, %d retries\n",
		shortID(st.RunID), st.State, st.CurrentIndex, st.Total, st.SuccessCount, st.FailedCount, st.Retries)
	for _, f := range res.Failed {
		fmt.Fprintf(out, "  #%d after %d attempts: %s\n", f.Index, f.AttemptCount, f.LastError)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
