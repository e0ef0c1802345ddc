package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/deck/internal/nostr"
)

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	*RootOptions
	SubID string
	Count bool
	Limit int
	Raw   bool
}

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play <capsule.wasm> [filter-json...]",
		Short: "Query a capsule file",
		Long: `Run a REQ or COUNT directly against one capsule.

Each extra argument is a filter object. With no filters every event is
returned. With --raw the single argument after the capsule is sent as a
complete client message and the capsule's reply is printed unchanged.

Example:
  deck play capsules/notes.wasm '{"kinds":[1],"limit":10}'
  deck play capsules/notes.wasm --count '{"authors":["ab12..."]}'
  deck play capsules/notes.wasm --raw '["REQ","x",{"limit":1}]'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SubID, "sub", "play", "subscription id")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "send COUNT instead of REQ")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "set limit on every filter")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "send the argument as a raw client message")

	return cmd
}

// PlayResult is the outcome of a play.
type PlayResult struct {
	Capsule string        `json:"capsule"`
	Events  []nostr.Event `json:"events,omitempty"`
	Count   *int64        `json:"count,omitempty"`
	Reply   string        `json:"reply,omitempty"`
}

// RenderText implements TextRenderer. Events are printed one JSON object
// per line.
func (r PlayResult) RenderText(w io.Writer) error {
	switch {
	case r.Count != nil:
		_, err := fmt.Fprintln(w, *r.Count)
		return err
	case r.Reply != "":
		_, err := fmt.Fprintln(w, r.Reply)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range r.Events {
		if err := enc.Encode(&r.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

func runPlay(opts *PlayOptions, path string, rest []string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, cmd.ErrOrStderr())
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var filters nostr.Filters
	if !opts.Raw {
		var err error
		filters, err = parseFilterArgs(rest, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid filter", err)
		}
	} else if len(rest) != 1 {
		return NewExitError(ExitCommandError, "--raw takes exactly one message argument")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, &cfg)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	c, err := loadCapsule(ctx, rt, path)
	if err != nil {
		return err
	}
	res := PlayResult{Capsule: c.Name()}

	switch {
	case opts.Raw:
		reply, err := c.Send(ctx, []byte(rest[0]))
		if err != nil {
			return WrapExitError(ExitFailure, "send failed", err)
		}
		res.Reply = string(reply)
	case opts.Count:
		n, err := c.Count(ctx, opts.SubID, filters)
		if err != nil {
			return WrapExitError(ExitFailure, "count failed", err)
		}
		res.Count = &n
	default:
		events, err := c.Req(ctx, opts.SubID, filters)
		if err != nil {
			return WrapExitError(ExitFailure, "query failed", err)
		}
		res.Events = events
		out.VerboseLog("%d events from %s", len(events), c.Name())
	}
	return out.Success(res)
}

// parseFilterArgs decodes filter objects given as separate arguments.
func parseFilterArgs(args []string, limit int) (nostr.Filters, error) {
	if len(args) == 0 {
		args = []string{"{}"}
	}
	filters, err := nostr.ParseFilters([]byte("[" + strings.Join(args, ",") + "]"))
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		for i := range filters {
			filters[i].Limit = nostr.Int(limit)
		}
	}
	return filters, nil
}
