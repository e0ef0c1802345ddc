package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/compiler"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/store"
	"github.com/roach88/deck/internal/validate"
)

// DubOptions holds flags for the dub command.
type DubOptions struct {
	*RootOptions
	Name        string
	Description string
	OutputDir   string
	Validation  string
	Record      bool
}

// NewDubCommand creates the dub command.
func NewDubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dub <events.json>",
		Short: "Compile an events file into a capsule",
		Long: `Compile events into a capsule without running the relay.

The input is a JSON array of events or one event per line. Events pass
through the same duplicate and replacement rules as the relay buffer, so
only the newest version of a replaceable event is kept. Invalid events
are skipped and counted.

Example:
  deck dub notes.json --name "my notes"
  deck dub export.jsonl --output-dir ./capsules --record`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDub(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "capsule name (overrides relay_info.name)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "capsule description")
	cmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", "", "capsule directory (overrides config)")
	cmd.Flags().StringVar(&opts.Validation, "validation", "", "event validation: signature|id|none (overrides config)")
	cmd.Flags().BoolVar(&opts.Record, "record", false, "record the capsule in the catalog")

	return cmd
}

// DubResult is the outcome of a dub.
type DubResult struct {
	Capsule string            `json:"capsule"`
	Path    string            `json:"path"`
	Size    int64             `json:"size"`
	Events  int               `json:"events"`
	Skipped int               `json:"skipped"`
	Kinds   []store.KindCount `json:"kinds"`
}

// RenderText implements TextRenderer.
func (r DubResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "Dubbed %s (%d events, %d bytes)\n", r.Capsule, r.Events, r.Size)
	fmt.Fprintf(w, "  path: %s\n", r.Path)
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  skipped: %d\n", r.Skipped)
	}
	for _, k := range r.Kinds {
		fmt.Fprintf(w, "  kind %d: %d\n", k.Kind, k.Count)
	}
	return nil
}

func runDub(opts *DubOptions, path string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, cmd.ErrOrStderr())
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.OutputDir != "" {
		cfg.OutputDir = opts.OutputDir
	}
	if opts.Validation != "" {
		cfg.Validation = opts.Validation
	}
	validator, err := validate.ForMode(cfg.Validation)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid validation mode", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	events, err := decodeEvents(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to decode events", err)
	}

	buf := buffer.New()
	skipped := 0
	for i := range events {
		if err := validator.Validate(&events[i]); err != nil {
			out.VerboseLog("skipping event %d: %v", i, err)
			skipped++
			continue
		}
		buf.Ingest(events[i])
	}
	snap := buf.Snapshot()
	if snap.Len() == 0 {
		return NewExitError(ExitCommandError, "no valid events to compile")
	}

	meta := cfg.Metadata()
	if opts.Name != "" {
		meta.Name = opts.Name
	}
	if opts.Description != "" {
		meta.Description = opts.Description
	}

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, &cfg)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	res, err := compiler.NewToolchain(cfg.ToolchainConfig(), rt).Compile(ctx, snap.Events, cfg.CompilerExtensions(), meta)
	if err != nil {
		return WrapExitError(ExitFailure, "build failed", err)
	}

	if opts.Record {
		if err := recordDub(cmd, cfg.Catalog, res, snap.Events); err != nil {
			return err
		}
	}

	return out.Success(DubResult{
		Capsule: res.Capsule.Name(),
		Path:    res.Path,
		Size:    res.Size,
		Events:  snap.Len(),
		Skipped: skipped,
		Kinds:   kindStats(snap.Events),
	})
}

func recordDub(cmd *cobra.Command, catalog string, res *compiler.Result, events []nostr.Event) error {
	st, err := store.Open(catalog)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open catalog", err)
	}
	defer st.Close()

	rec := store.CapsuleRecord{Name: res.Capsule.Name(), Path: res.Path, ByteSize: res.Size}
	if err := st.RecordCapsule(cmd.Context(), rec, events); err != nil {
		return WrapExitError(ExitFailure, "failed to record capsule", err)
	}
	slog.Info("capsule recorded", "capsule", rec.Name, "catalog", catalog)
	return nil
}

// decodeEvents accepts a JSON array of events or one event per line.
func decodeEvents(data []byte) ([]nostr.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var events []nostr.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var events []nostr.Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// kindStats counts events per kind, most common first.
func kindStats(events []nostr.Event) []store.KindCount {
	counts := make(map[int]int)
	for i := range events {
		counts[events[i].Kind]++
	}
	out := make([]store.KindCount, 0, len(counts))
	for kind, n := range counts {
		out = append(out, store.KindCount{Kind: kind, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
