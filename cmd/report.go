package main

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/report"
)

var (
	reportOut    string
	reportFormat string
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Export a run and its plot results as CSV or XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("report"); err != nil {
			return err
		}

		format, err := resolveReportFormat(reportFormat, reportOut)
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

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report")
		}
		results, err := st.ListResults(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "report")
		}

		switch format {
		case "csv":
			err = report.WriteCSV(results, reportOut)
		case "xlsx":
			err = report.WriteXLSX(run, results, reportOut)
		default:
			return eris.Errorf("report: unknown format %q", format)
		}
		if err != nil {
			return err
		}

		zap.L().Info("report written",
			zap.String("run_id", run.ID),
			zap.String("format", format),
			zap.String("path", reportOut),
			zap.Int("plots", len(results)),
		)
		return nil
	},
}

// resolveReportFormat picks the export format from --format, falling back
// to the output file extension.
func resolveReportFormat(flag, out string) (string, error) {
	if flag != "" {
		f := strings.ToLower(flag)
		if f != "csv" && f != "xlsx" {
			return "", eris.Errorf("report: unknown format %q", flag)
		}
		return f, nil
	}
	switch strings.ToLower(filepath.Ext(out)) {
	case ".csv":
		return "csv", nil
	case ".xlsx":
		return "xlsx", nil
	default:
		return "", eris.Errorf("report: cannot infer format from %q, pass --format", out)
	}
}

func init() {
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "output file path (required)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "", "report format: csv or xlsx (default from extension)")
	_ = reportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(reportCmd)
}
