// Package report exports a clip run and its per-plot results as CSV or XLSX.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/fieldvision/plotclip/internal/model"
)

// resultColumns defines the ordered per-plot report columns.
var resultColumns = []string{
	"Ordinal",
	"Identity",
	"Status",
	"Reason",
	"Output Path",
	"Width",
	"Height",
	"Resized",
	"Bytes",
	"Duration (ms)",
	"Band Means",
}

// WriteCSV writes one row per plot result to a CSV file.
func WriteCSV(results []model.ClipResult, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return eris.Wrap(err, "report: create csv file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(resultColumns); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}

	for _, res := range results {
		if err := w.Write(buildResultRow(res)); err != nil {
			return eris.Wrap(err, "report: write csv row")
		}
	}

	return nil
}

// buildResultRow maps a ClipResult to a report row.
func buildResultRow(res model.ClipResult) []string {
	return []string{
		fmt.Sprintf("%d", res.Ordinal),
		res.Identity,
		string(res.Status),
		res.Reason,
		res.Path,
		fmt.Sprintf("%d", res.Width),
		fmt.Sprintf("%d", res.Height),
		fmt.Sprintf("%v", res.Resized),
		fmt.Sprintf("%d", res.Bytes),
		fmt.Sprintf("%d", res.Duration),
		formatBandMeans(res.Bands),
	}
}

// formatBandMeans joins per-band means in band order, e.g. "5.5; 7.25".
func formatBandMeans(bands []model.BandStats) string {
	if len(bands) == 0 {
		return ""
	}
	parts := make([]string, len(bands))
	for i, b := range bands {
		parts[i] = strconv.FormatFloat(b.Mean, 'g', -1, 64)
	}
	return strings.Join(parts, "; ")
}

// WriteXLSX writes a workbook with a run summary sheet, a per-plot results
// sheet, and a long-format band statistics sheet.
func WriteXLSX(run *model.Run, results []model.ClipResult, outputPath string) error {
	f := xlsx.NewFile()

	if err := addSummarySheet(f, run); err != nil {
		return err
	}
	if err := addResultsSheet(f, results); err != nil {
		return err
	}
	if err := addBandStatsSheet(f, results); err != nil {
		return err
	}

	if err := f.Save(outputPath); err != nil {
		return eris.Wrap(err, "report: save xlsx")
	}
	return nil
}

func addSummarySheet(f *xlsx.File, run *model.Run) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}

	kvString(sheet, "Run ID", run.ID)
	kvString(sheet, "Raster", run.RasterPath)
	kvString(sheet, "Vector", run.VectorPath)
	kvString(sheet, "Output Root", run.OutputRoot)
	kvString(sheet, "Capture Date", run.Date.String())
	kvString(sheet, "Status", string(run.Status))
	kvString(sheet, "Started", run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		kvString(sheet, "Finished", run.FinishedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		kvString(sheet, "Error", run.Error)
	}

	kvInt(sheet, "Plots Total", int64(run.Summary.PlotsTotal))
	kvInt(sheet, "Written", int64(run.Summary.Written))
	kvInt(sheet, "Skipped", int64(run.Summary.Skipped))
	kvInt(sheet, "Failed", int64(run.Summary.Failed))
	kvInt(sheet, "No Overlap", int64(run.Summary.NoOverlap))
	kvInt(sheet, "Files Created", int64(run.Summary.FilesCreated))
	kvInt(sheet, "Output Bytes", run.Summary.OutputBytes)
	return nil
}

func addResultsSheet(f *xlsx.File, results []model.ClipResult) error {
	sheet, err := f.AddSheet("Results")
	if err != nil {
		return eris.Wrap(err, "report: add results sheet")
	}

	header := sheet.AddRow()
	for _, col := range resultColumns {
		header.AddCell().SetString(col)
	}

	for _, res := range results {
		row := sheet.AddRow()
		row.AddCell().SetInt(res.Ordinal)
		row.AddCell().SetString(res.Identity)
		row.AddCell().SetString(string(res.Status))
		row.AddCell().SetString(res.Reason)
		row.AddCell().SetString(res.Path)
		row.AddCell().SetInt(res.Width)
		row.AddCell().SetInt(res.Height)
		row.AddCell().SetBool(res.Resized)
		row.AddCell().SetInt64(res.Bytes)
		row.AddCell().SetInt64(res.Duration)
		row.AddCell().SetString(formatBandMeans(res.Bands))
	}
	return nil
}

func addBandStatsSheet(f *xlsx.File, results []model.ClipResult) error {
	sheet, err := f.AddSheet("Band Stats")
	if err != nil {
		return eris.Wrap(err, "report: add band stats sheet")
	}

	header := sheet.AddRow()
	for _, col := range []string{"Ordinal", "Identity", "Band", "Min", "Max", "Mean", "Std Dev", "Valid Pixels"} {
		header.AddCell().SetString(col)
	}

	for _, res := range results {
		for _, b := range res.Bands {
			row := sheet.AddRow()
			row.AddCell().SetInt(res.Ordinal)
			row.AddCell().SetString(res.Identity)
			row.AddCell().SetInt(b.Band)
			row.AddCell().SetFloat(b.Min)
			row.AddCell().SetFloat(b.Max)
			row.AddCell().SetFloat(b.Mean)
			row.AddCell().SetFloat(b.StdDev)
			row.AddCell().SetInt(b.Valid)
		}
	}
	return nil
}

func kvString(sheet *xlsx.Sheet, label, value string) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetString(value)
}

func kvInt(sheet *xlsx.Sheet, label string, value int64) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetInt64(value)
}
