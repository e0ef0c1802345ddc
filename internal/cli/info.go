package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <capsule.wasm>",
		Short: "Show a capsule's description and information document",
		Long: `Load a capsule and print its self-description and, when it
exports one, its relay information document.

Example:
  deck info capsules/notes.wasm
  deck info capsules/notes.wasm --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

// InfoResult describes one capsule.
type InfoResult struct {
	Capsule     string          `json:"capsule"`
	Path        string          `json:"path"`
	Description string          `json:"description"`
	Info        json.RawMessage `json:"info,omitempty"`
}

// RenderText implements TextRenderer.
func (r InfoResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "%s\n", r.Description)
	fmt.Fprintf(w, "  path: %s\n", r.Path)
	if len(r.Info) == 0 {
		fmt.Fprintln(w, "  no information document")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, r.Info, "  ", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "  %s\n", pretty.String())
	return err
}

func runInfo(opts *RootOptions, path string, cmd *cobra.Command) error {
	setupLogging(opts, cmd.ErrOrStderr())
	out := NewOutputFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
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

	res := InfoResult{Capsule: c.Name(), Path: c.Path()}
	if res.Description, err = c.Describe(ctx); err != nil {
		return WrapExitError(ExitFailure, "describe failed", err)
	}
	if c.HasInfo() {
		if res.Info, err = c.Info(ctx); err != nil {
			return WrapExitError(ExitFailure, "info failed", err)
		}
	}
	return out.Success(res)
}
