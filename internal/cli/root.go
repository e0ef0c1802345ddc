package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/deck/internal/capsule"
	"github.com/roach88/deck/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to deck.yaml; empty uses defaults and environment
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the deck command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "deck",
		Short: "deck - a relay that rotates its tail into capsules",
		Long: `deck is a Nostr relay that keeps recent events in memory and
periodically compiles them into self-contained WASM capsules. Queries
are answered from the buffer and every capsule, merged and deduplicated.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to deck.yaml")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDubCommand(opts))
	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewCatalogCommand(opts))

	return cmd
}

// setupLogging installs the default slog logger. JSON output gets JSON logs
// so a pipeline can parse both streams.
func setupLogging(opts *RootOptions, w io.Writer) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the configuration named by --config.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newRuntime creates a capsule host configured from cfg.
func newRuntime(ctx context.Context, cfg *config.Config) (*capsule.Runtime, error) {
	rt, err := capsule.NewRuntime(ctx,
		capsule.WithRelayInfo(cfg.InfoDocument()),
		capsule.WithMemoryLimitPages(cfg.Compiler.MemoryPages),
		capsule.WithMaxCalls(cfg.Compiler.MaxCalls),
	)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to start capsule runtime", err)
	}
	return rt, nil
}

// loadCapsule opens a single capsule file.
func loadCapsule(ctx context.Context, rt *capsule.Runtime, path string) (*capsule.Capsule, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "capsule not found", err)
	}
	c, err := rt.Load(ctx, path)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load capsule", err)
	}
	return c, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// the command's own context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
