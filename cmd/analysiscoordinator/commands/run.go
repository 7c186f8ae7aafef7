// Package commands implements CLI command handlers for the analysis
// coordinator reference embedder.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/announce"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/boundary"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/coordinator"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/event"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/workerpool"
	"github.com/Sumatoshi-tech/analysiscoordinator/pkg/config"
)

// ErrNoManifest is returned when --manifest is not set.
var ErrNoManifest = errors.New("a --manifest file is required")

const metricsServerReadHeaderTimeout = 5 * time.Second

// runLauncher adapts Config to workerpool.Launcher for the fakeworker binary.
type runLauncher struct {
	binary       string
	announceAddr string
	pluginsDir   string
	debugBase    int
}

func (l *runLauncher) Args(workerIndex int) []string {
	args := []string{l.binary, "--work-announce", l.announceAddr}

	if l.pluginsDir != "" {
		args = append(args, "--plugins-directory", l.pluginsDir)
	}

	return args
}

func (l *runLauncher) Env(workerIndex int) []string {
	env := os.Environ()

	if l.debugBase != 0 {
		env = append(env, fmt.Sprintf("ANALYSISCOORDINATOR_DEBUG_PORT=%d", l.debugBase+workerIndex))
	}

	return env
}

// NewRunCommand creates the "run" subcommand: drives one analysis end to
// end against a pool of cmd/fakeworker processes, printing live progress.
func NewRunCommand() *cobra.Command {
	var (
		configPath   string
		manifestPath string
		workerBinary string
		overwrite    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis against a manifest using the demo worker pool",
		RunE: func(cc *cobra.Command, _ []string) error {
			if manifestPath == "" {
				return ErrNoManifest
			}

			return runAnalysis(cc.Context(), configPath, manifestPath, workerBinary, overwrite)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a YAML image-set manifest")
	cmd.Flags().StringVar(&workerBinary, "worker-binary", "", "path to the fakeworker binary (defaults to this binary's path with a -fakeworker suffix)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "reprocess every image set regardless of prior status")

	return cmd
}

func runAnalysis(ctx context.Context, configPath, manifestPath, workerBinary string, overwrite bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	logger := providers.Logger

	metrics, err := telemetry.NewREDMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	if providers.PrometheusHandler != nil && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", providers.PrometheusHandler)

		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: metricsServerReadHeaderTimeout}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", "error", err)
			}
		}()

		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	mainStore := manifest.BuildStore()

	b, err := boundary.New(fmt.Sprintf("%s:%d", cfg.Boundary.Host, cfg.Boundary.Port), logger)
	if err != nil {
		return fmt.Errorf("start boundary: %w", err)
	}
	defer b.Close()

	pool := workerpool.New(logger)

	var beacon *announce.Beacon
	if cfg.Announce.Enabled {
		beacon = announce.NewBeacon(cfg.Announce.BroadcastAddr, logger)
	}

	analysisID := fmt.Sprintf("run-%d", time.Now().UnixNano())

	boundaryCtx, cancelBoundary := context.WithCancel(ctx)
	defer cancelBoundary()

	go func() {
		if err := b.Serve(boundaryCtx, analysisID); err != nil {
			logger.Error("boundary serve exited", "error", err)
		}
	}()

	if beacon != nil {
		if err := beacon.Announce(boundaryCtx, analysisID, b.Addr()); err != nil {
			return fmt.Errorf("start announce: %w", err)
		}
	}

	if workerBinary == "" {
		workerBinary = defaultFakeworkerPath()
	}

	launcher := &runLauncher{
		binary:       workerBinary,
		announceAddr: cfg.Announce.BroadcastAddr,
		pluginsDir:   cfg.Worker.PluginsDirectory,
		debugBase:    cfg.Worker.DebugPortBase,
	}

	if err := pool.Start(ctx, cfg.Worker.Count, launcher); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	pipeline := &FixturePipeline{Modules: []string{"identify_primary_objects", "measure_object_intensity"}}

	progress := newProgressPrinter(logger)

	analysis := coordinator.New(coordinator.Deps{
		ID:                  analysisID,
		Logger:              logger,
		Tracer:              providers.Tracer,
		Metrics:             metrics,
		Sink:                progress.sink,
		Store:               mainStore,
		Pipeline:            pipeline,
		InitialMeasurements: []byte("{}"),
		Boundary:            b,
		Pool:                pool,
		Beacon:              beacon,
		Overwrite:           overwrite,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		analysis.Cancel()
	}()

	analysis.Start(ctx)

	<-progress.done

	return nil
}

func defaultFakeworkerPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "fakeworker"
	}

	return exe + "-fakeworker"
}

// progressPrinter renders Progress/Finished events as a colorized table
// (grounded on the teacher's render command's table/color conventions).
type progressPrinter struct {
	logger *slog.Logger
	done   chan struct{}
	start  time.Time
}

func newProgressPrinter(logger *slog.Logger) *progressPrinter {
	return &progressPrinter{logger: logger, done: make(chan struct{}), start: time.Now()}
}

func (p *progressPrinter) sink(e event.Event) {
	switch e.Kind {
	case event.KindStarted:
		color.New(color.FgCyan).Fprintln(os.Stdout, "analysis started")

	case event.KindProgress:
		p.renderProgress(e.ProgressCounts)

	case event.KindPaused:
		color.New(color.FgYellow).Fprintln(os.Stdout, "paused")

	case event.KindResumed:
		color.New(color.FgYellow).Fprintln(os.Stdout, "resumed")

	case event.KindDisplayPostRun:
		color.New(color.FgMagenta).Fprintf(os.Stdout, "post_run module %d: %s\n", e.ModuleNum, string(e.Data))

	case event.KindFinished:
		elapsed := humanize.RelTime(p.start, time.Now(), "", "")
		if e.WasCancelled {
			color.New(color.FgRed).Fprintf(os.Stdout, "analysis cancelled after %s\n", elapsed)
		} else {
			color.New(color.FgGreen).Fprintf(os.Stdout, "analysis finished after %s\n", elapsed)
		}

		close(p.done)

	case event.KindForwarded:
		p.logger.Warn("unhandled interactive request from worker", "method", e.Forwarded.Method)

		if err := e.Forwarded.Reply.Fail(context.Background(), fmt.Errorf("interactive requests are not supported by this reference embedder")); err != nil {
			p.logger.Debug("forwarded reply failed", "error", err)
		}
	}
}

func (p *progressPrinter) renderProgress(counts map[store.Status]int) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Unprocessed", "InProcess", "FinishedWaiting", "Done"})
	t.AppendRow(table.Row{
		counts[store.StatusUnprocessed],
		counts[store.StatusInProcess],
		counts[store.StatusFinishedWaiting],
		counts[store.StatusDone],
	})
	t.Render()
}
