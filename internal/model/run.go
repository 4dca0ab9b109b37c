package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus represents the current state of a clip run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// CaptureDate is a calendar date with no time-of-day component.
type CaptureDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates t to its calendar date in t's location.
func DateOf(t time.Time) CaptureDate {
	y, m, d := t.Date()
	return CaptureDate{Year: y, Month: m, Day: d}
}

// ParseCaptureDate validates s as a strict YYYY-MM-DD calendar date.
func ParseCaptureDate(s string) (CaptureDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return CaptureDate{}, eris.Wrapf(err, "model: parse capture date %q", s)
	}
	return DateOf(t), nil
}

func (d CaptureDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// IsZero reports whether d is the zero date.
func (d CaptureDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// MarshalJSON encodes the date as its YYYY-MM-DD string.
func (d CaptureDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (d *CaptureDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "model: capture date")
	}
	parsed, err := ParseCaptureDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Run represents a single clip run over one raster and one vector source.
type Run struct {
	ID         string       `json:"id"`
	RasterPath string       `json:"raster_path"`
	VectorPath string       `json:"vector_path"`
	OutputRoot string       `json:"output_root"`
	Date       CaptureDate  `json:"date"`
	Status     RunStatus    `json:"status"`
	Summary    RunSummary   `json:"summary"`
	Results    []ClipResult `json:"results,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// RunSummary aggregates per-plot outcomes for a run.
type RunSummary struct {
	PlotsTotal   int   `json:"plots_total"`
	Written      int   `json:"written"`
	Skipped      int   `json:"skipped"`
	Failed       int   `json:"failed"`
	NoOverlap    int   `json:"no_overlap"`
	FilesCreated int   `json:"files_created"`
	OutputBytes  int64 `json:"output_bytes"`
}
