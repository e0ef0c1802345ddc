package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/deck/internal/store"
)

// CatalogOptions holds flags for the catalog command.
type CatalogOptions struct {
	*RootOptions
	Catalog string
	Kinds   bool
}

// NewCatalogCommand creates the catalog command.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CatalogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List cataloged capsules",
		Long: `List the capsules recorded in the catalog database, oldest
rotation first.

Example:
  deck catalog --config deck.yaml
  deck catalog --catalog deck.db --kinds`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "catalog database path (overrides config)")
	cmd.Flags().BoolVar(&opts.Kinds, "kinds", false, "include per-kind event counts")

	return cmd
}

// CatalogEntry is one cataloged capsule.
type CatalogEntry struct {
	store.CapsuleRecord
	Kinds []store.KindCount `json:"kinds,omitempty"`
}

// CatalogResult lists cataloged capsules.
type CatalogResult struct {
	Capsules []CatalogEntry `json:"capsules"`
}

// RenderText implements TextRenderer.
func (r CatalogResult) RenderText(w io.Writer) error {
	if len(r.Capsules) == 0 {
		_, err := fmt.Fprintln(w, "No capsules cataloged")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEVENTS\tBYTES\tOLDEST\tNEWEST\tROTATED")
	for _, c := range r.Capsules {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			c.Name, c.EventCount, c.ByteSize, c.OldestCreatedAt, c.NewestCreatedAt,
			c.RotatedAt.UTC().Format(time.RFC3339))
		for _, k := range c.Kinds {
			fmt.Fprintf(tw, "  kind %d\t%d\t\t\t\t\n", k.Kind, k.Count)
		}
	}
	return tw.Flush()
}

func runCatalog(opts *CatalogOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, cmd.ErrOrStderr())
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Catalog != "" {
		cfg.Catalog = opts.Catalog
	}
	// Listing never creates a catalog.
	if _, err := os.Stat(cfg.Catalog); err != nil {
		return WrapExitError(ExitCommandError, "catalog not found", err)
	}

	st, err := store.Open(cfg.Catalog)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open catalog", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	recs, err := st.Capsules(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list capsules", err)
	}

	res := CatalogResult{Capsules: make([]CatalogEntry, 0, len(recs))}
	for _, rec := range recs {
		entry := CatalogEntry{CapsuleRecord: rec}
		if opts.Kinds {
			if entry.Kinds, err = st.KindStats(ctx, rec.Name); err != nil {
				return WrapExitError(ExitFailure, "failed to read kind stats", err)
			}
		}
		res.Capsules = append(res.Capsules, entry)
	}
	return out.Success(res)
}
