package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/compiler"
	"github.com/roach88/deck/internal/config"
	"github.com/roach88/deck/internal/engine"
	"github.com/roach88/deck/internal/metrics"
	"github.com/roach88/deck/internal/registry"
	"github.com/roach88/deck/internal/relay"
	"github.com/roach88/deck/internal/rotation"
	"github.com/roach88/deck/internal/store"
	"github.com/roach88/deck/internal/upstream"
	"github.com/roach88/deck/internal/validate"
)

// shutdownTimeout bounds closing client connections.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	OutputDir string
	Catalog   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the deck relay.

Existing capsules in the output directory are loaded in name order, the
catalog is opened (and backfilled for capsules it has not seen), and the
websocket relay starts listening. Events are buffered in memory and
rotated into new capsules when a threshold is crossed. On SIGINT or
SIGTERM the relay stops accepting connections and the buffer is flushed
into a final capsule.

Example:
  deck serve --config deck.yaml
  deck serve --listen 0.0.0.0:7777 --output-dir ./capsules`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "capsule directory (overrides config)")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "catalog database path (overrides config)")

	return cmd
}

func (o *ServeOptions) apply(cfg *config.Config) {
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.OutputDir != "" {
		cfg.OutputDir = o.OutputDir
	}
	if o.Catalog != "" {
		cfg.Catalog = o.Catalog
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.Check(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	validator, err := validate.ForMode(cfg.Validation)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	upCfg, err := cfg.UpstreamConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New()
	}

	rt, err := newRuntime(ctx, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(context.Background()); closeErr != nil {
			slog.Error("error closing capsule runtime", "error", closeErr)
		}
	}()

	slog.Info("opening catalog", "path", cfg.Catalog)
	st, err := store.Open(cfg.Catalog)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open catalog", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing catalog", "error", closeErr)
		}
	}()

	reg := registry.New()
	loaded, err := reg.Bootstrap(ctx, cfg.OutputDir, func(ctx context.Context, path string) (registry.Capsule, error) {
		return rt.Load(ctx, path)
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load capsules", err)
	}
	slog.Info("capsules loaded", "dir", cfg.OutputDir, "count", loaded)

	buf := buffer.New()
	eng := engine.New(buf, reg,
		engine.WithValidator(validator),
		engine.WithCatalog(st),
		engine.WithMetrics(m),
		engine.WithInfo(cfg.InfoDocument()),
		engine.WithMaxLimit(cfg.Limits.MaxLimit),
		engine.WithQueryWorkers(cfg.Limits.QueryWorkers),
	)
	if n, err := eng.Backfill(ctx); err != nil {
		slog.Warn("catalog backfill incomplete", "indexed", n, "error", err)
	} else if n > 0 {
		slog.Info("catalog backfilled", "capsules", n)
	}

	m.Gauge("buffer", "events", "Events held in the ingest buffer.", func() float64 {
		return float64(eng.Stats().Buffered)
	})
	m.Gauge("buffer", "bytes", "Serialized size of the ingest buffer.", func() float64 {
		return float64(eng.Stats().Bytes)
	})
	m.Gauge("registry", "capsules", "Capsules in the registry.", func() float64 {
		return float64(eng.Stats().Capsules)
	})

	rot := rotation.New(cfg.RotationConfig(), buf, reg,
		compiler.NewToolchain(cfg.ToolchainConfig(), rt),
		rotation.WithRecorder(st),
		rotation.WithMetrics(m),
	)

	watermark, err := newestStored(ctx, st)
	if err != nil {
		slog.Warn("no capture watermark", "error", err)
	}
	capture := upstream.New(upCfg, eng, upstream.WithMetrics(m), upstream.WithWatermark(watermark))

	srv := relay.New(cfg.RelayConfig(), eng, relay.WithMetrics(m))
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("relay listening", "addr", ln.Addr().String(), "capsules", reg.Len(), "upstream", len(upCfg.Relays))
	fmt.Fprintf(cmd.OutOrStdout(), "deck listening on %s\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return ignoreCanceled(rot.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(capture.Run(gctx)) })

	runErr := g.Wait()

	// Whatever is still buffered becomes one last capsule.
	flushErr := rot.Flush(context.Background())
	if runErr != nil {
		return WrapExitError(ExitFailure, "relay error", runErr)
	}
	if flushErr != nil {
		return WrapExitError(ExitFailure, "final rotation failed", flushErr)
	}

	slog.Info("relay stopped gracefully", "capsules", reg.Len())
	return nil
}

// newestStored returns the newest created_at across cataloged capsules.
func newestStored(ctx context.Context, st *store.Store) (int64, error) {
	recs, err := st.Capsules(ctx)
	if err != nil {
		return 0, err
	}
	var newest int64
	for _, r := range recs {
		newest = max(newest, r.NewestCreatedAt)
	}
	return newest, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
