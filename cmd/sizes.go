package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/model"
	"github.com/fieldvision/plotclip/internal/registry"
)

var sizesCmd = &cobra.Command{
	Use:   "sizes",
	Short: "Manage the canonical plot grid-size registry",
	Long:  "The registry pins each plot to the pixel grid of its first clip so clips from every flight stack into a time series. These commands inspect, back up, and seed it.",
}

// -- sizes list --

var sizesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every plot identity and its canonical grid size",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sizes"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sizes, err := st.LoadSizes(ctx)
		if err != nil {
			return eris.Wrap(err, "sizes list")
		}

		if len(sizes) == 0 {
			fmt.Fprintln(os.Stderr, "No sizes recorded.")
			return nil
		}

		formatSizes(os.Stdout, sizes)
		return nil
	},
}

// -- sizes export --

var sizesExportOut string

var sizesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the registry as a YAML snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sizes"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		reg := registry.New(st)
		if err := reg.Load(ctx); err != nil {
			return err
		}
		if err := reg.WriteSnapshot(sizesExportOut); err != nil {
			return err
		}

		zap.L().Info("sizes exported",
			zap.Int("identities", reg.Len()),
			zap.String("path", sizesExportOut),
		)
		return nil
	},
}

// -- sizes import --

var sizesImportCmd = &cobra.Command{
	Use:   "import <snapshot.yaml>",
	Short: "Seed the registry from a YAML snapshot",
	Long:  "Loads a snapshot into the store. Identities that already have a size keep it; the snapshot never overwrites an existing reservation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sizes"); err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "sizes import: read %s", args[0])
		}
		sizes, err := registry.ParseSnapshot(data)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		added, err := st.ImportSizes(ctx, sizes)
		if err != nil {
			return eris.Wrap(err, "sizes import")
		}

		zap.L().Info("sizes imported",
			zap.Int("in_snapshot", len(sizes)),
			zap.Int("added", added),
			zap.Int("kept_existing", len(sizes)-added),
		)
		return nil
	},
}

func init() {
	sizesExportCmd.Flags().StringVarP(&sizesExportOut, "out", "o", "sizes.yaml", "snapshot file path")

	sizesCmd.AddCommand(sizesListCmd)
	sizesCmd.AddCommand(sizesExportCmd)
	sizesCmd.AddCommand(sizesImportCmd)
	rootCmd.AddCommand(sizesCmd)
}

// formatSizes writes a tabular list of identities and sizes to w.
func formatSizes(out io.Writer, sizes map[string]model.GridSize) {
	identities := make([]string, 0, len(sizes))
	for identity := range sizes {
		identities = append(identities, identity)
	}
	sort.Strings(identities)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "IDENTITY\tWIDTH\tHEIGHT")
	_, _ = fmt.Fprintln(w, "--------\t-----\t------")
	for _, identity := range identities {
		s := sizes[identity]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", identity, s.Width, s.Height)
	}
	_ = w.Flush()
}
