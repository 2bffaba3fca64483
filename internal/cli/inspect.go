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
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/formrelay/internal/client"
	"github.com/ChuLiYu/formrelay/internal/config"
	"github.com/ChuLiYu/formrelay/internal/demoform"
	"github.com/ChuLiYu/formrelay/internal/history"
	"github.com/ChuLiYu/formrelay/internal/ingest"
	"github.com/ChuLiYu/formrelay/internal/tui"
	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#FF5F87"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand(a *app) *cobra.Command {
	var file string
	var preview int

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a record file and report rejected rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(a.cfg, file, preview, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "record file (CSV or TSV)")
	cmd.Flags().IntVar(&preview, "preview", 5, "number of accepted records to print")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runValidate(cfg *config.Config, file string, preview int, out io.Writer) error {
	sc, err := loadSchema(cfg)
	if err != nil {
		return err
	}
	batch, err := ingest.ParseFile(file, ingest.Options{Schema: sc})
	if batch == nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	fmt.Fprintf(out, "%s: %d rows, %d accepted, %d rejected\n", file, batch.Rows, batch.Valid(), batch.Invalid())
	fmt.Fprintf(out, "Columns: %s\n", strings.Join(batch.Columns, ", "))
	if len(batch.Ignored) > 0 {
		fmt.Fprintf(out, "Ignored headers: %s\n", strings.Join(batch.Ignored, ", "))
	}

	if n := min(preview, len(batch.Records)); n > 0 {
		t := newTable(append([]string{"#"}, batch.Columns...)...)
		for i, rec := range batch.Records[:n] {
			row := []string{fmt.Sprint(i)}
			for _, col := range batch.Columns {
				v, _ := rec.Get(col)
				row = append(row, v)
			}
			t.Row(row...)
		}
		fmt.Fprintln(out, t.String())
	}

	if len(batch.Errors) > 0 {
		t := newTable("Row", "Field", "Problem")
		for _, e := range batch.Errors {
			t.Row(fmt.Sprint(e.Row), e.Field, e.Message)
		}
		fmt.Fprintln(out, t.String())
	}
	return err
}

// ============================================================================
// status / watch
// ============================================================================

func buildStatusCommand(a *app) *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client.New(controlPlaneAddr(serverAddr, a.cfg))
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), c.Base(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "control plane address (default: derived from server.addr)")
	return cmd
}

func buildWatchCommand(a *app) *cobra.Command {
	var serverAddr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of a running control plane",
		Long:  "Poll the control plane and draw progress in the terminal. Keys: p pause, r resume, s stop, q quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client.New(controlPlaneAddr(serverAddr, a.cfg))
			return tui.Run(c, c.Base(), interval)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "control plane address (default: derived from server.addr)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func controlPlaneAddr(flagValue string, cfg *config.Config) string {
	if flagValue != "" {
		return flagValue
	}
	return dialAddr(cfg.Server.Addr)
}

// dialAddr 將監聽位址轉為可連線的位址
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func printStatus(out io.Writer, source string, st types.StatusSnapshot) {
	fmt.Fprintf(out, "Control plane: %s\n", source)
	fmt.Fprintf(out, "State:         %s\n", st.State)
	if st.RunID == "" {
		return
	}
	fmt.Fprintf(out, "Run:           %s\n", st.RunID)
	fmt.Fprintf(out, "Progress:      %d / %d (%.1f%%)\n", st.CurrentIndex, st.Total, st.ProgressPercent)
	fmt.Fprintf(out, "Succeeded:     %d\n", st.SuccessCount)
	fmt.Fprintf(out, "Failed:        %d\n", st.FailedCount)
	fmt.Fprintf(out, "Retries:       %d\n", st.Retries)
	fmt.Fprintf(out, "Attempt time:  p50 %.0f ms, p95 %.0f ms\n", st.AttemptP50Ms, st.AttemptP95Ms)
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error:    %s\n", st.LastError)
	}
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or show one run with its failures",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Storage.HistoryPath == "" {
				return errors.New("history is disabled (storage.history_path is empty)")
			}
			store, err := history.OpenReadOnly(a.cfg.Storage.HistoryPath, 2*time.Second)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd.OutOrStdout(), store, args[0])
			}
			return listRuns(cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list, 0 lists all")
	return cmd
}

func listRuns(out io.Writer, store *history.Store, limit int) error {
	runs, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	t := newTable("Run", "Started", "State", "Records", "OK", "Failed", "Retries", "Target")
	for _, r := range runs {
		t.Row(
			shortID(r.RunID),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			string(r.State),
			fmt.Sprintf("%d/%d", r.FinalIndex, r.Total),
			fmt.Sprint(r.Succeeded),
			fmt.Sprint(r.Failed),
			fmt.Sprint(r.Retries),
			r.TargetURL,
		)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func showRun(out io.Writer, store *history.Store, id string) error {
	run, err := store.Get(id)
	if errors.Is(err, history.ErrNotFound) {
		// 允許使用列表中顯示的短 ID
		run, err = findByPrefix(store, id)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run:       %s\n", run.RunID)
	fmt.Fprintf(out, "Target:    %s\n", run.TargetURL)
	fmt.Fprintf(out, "State:     %s\n", run.State)
	fmt.Fprintf(out, "Started:   %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Finished:  %s (%s)\n", run.FinishedAt.Local().Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(out, "Records:   %d..%d of %d\n", run.StartIndex, run.FinalIndex, run.Total)
	fmt.Fprintf(out, "Result:    %d succeeded, %d failed, %d retries\n", run.Succeeded, run.Failed, run.Retries)

	if len(run.Failures) > 0 {
		t := newTable("#", "Attempts", "Error").StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 2:
				return failStyle
			}
			return cellStyle
		})
		for _, f := range run.Failures {
			t.Row(fmt.Sprint(f.Index), fmt.Sprint(f.AttemptCount), f.LastError)
		}
		fmt.Fprintln(out, t.String())
	}
	return nil
}

func findByPrefix(store *history.Store, prefix string) (*types.RunSummary, error) {
	runs, err := store.List(0)
	if err != nil {
		return nil, err
	}
	var match *types.RunSummary
	for i := range runs {
		if !strings.HasPrefix(runs[i].RunID, prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("run id prefix %q is ambiguous", prefix)
		}
		match = &runs[i]
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, prefix)
	}
	return match, nil
}

// ============================================================================
// demo
// ============================================================================

func buildDemoCommand(_ *app) *cobra.Command {
	var addr string
	var cfg demoform.Config

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Serve a local contact form to practise against",
		Long: `Serve a small contact form that validates its input, redirects to a thank-you
page on success and can randomly answer "server busy" to exercise retries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.RejectRate < 0 || cfg.RejectRate > 1 {
				return fmt.Errorf("--reject-rate must be within [0, 1], got %v", cfg.RejectRate)
			}
			return runDemo(cmd.Context(), addr, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	cmd.Flags().Float64Var(&cfg.RejectRate, "reject-rate", 0, "share of valid submissions answered with a transient error")
	cmd.Flags().DurationVar(&cfg.Latency, "latency", 0, "delay added to every submission")
	return cmd
}

func runDemo(ctx context.Context, addr string, cfg demoform.Config, out io.Writer) error {
	form := demoform.New(cfg)
	httpSrv := &http.Server{Addr: addr, Handler: form, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	fmt.Fprintf(out, "Demo form at http://%s/form\n", dialAddr(addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("demo form stopping", "accepted", len(form.Accepted()), "rejected", form.Rejected())
	return httpSrv.Shutdown(sctx)
}
