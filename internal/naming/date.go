package naming

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldvision/plotclip/internal/model"
)

// ErrInvalidDateFormat flags a date-shaped token that is not a real calendar
// date. Callers treat it as fatal for the whole run.
var ErrInvalidDateFormat = eris.New("naming: invalid date token")

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ResolveDate recovers the capture date from a raster file or dataset name.
// The base name, extension stripped, is split on the literal " - " delimiter
// and the first part with the fixed YYYY-MM-DD shape wins. A shaped part that
// is not a real calendar date is an error, never silently skipped. A name
// with no shaped part resolves to today in local time.
func ResolveDate(fileName string) (model.CaptureDate, error) {
	return resolveDateAt(fileName, time.Now())
}

// ParseStrictDate validates s against the fixed YYYY-MM-DD grammar. Unlike
// ResolveDate it never falls back to a default; callers use it for explicit
// date overrides, where silence would hide a typo.
func ParseStrictDate(s string) (model.CaptureDate, error) {
	if !datePattern.MatchString(s) {
		return model.CaptureDate{}, eris.Wrapf(ErrInvalidDateFormat, "token %q", s)
	}
	d, err := model.ParseCaptureDate(s)
	if err != nil {
		return model.CaptureDate{}, eris.Wrapf(ErrInvalidDateFormat, "token %q", s)
	}
	return d, nil
}

func resolveDateAt(fileName string, now time.Time) (model.CaptureDate, error) {
	base := filepath.Base(fileName)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	for _, part := range strings.Split(base, " - ") {
		if !datePattern.MatchString(part) {
			continue
		}
		d, err := model.ParseCaptureDate(part)
		if err != nil {
			return model.CaptureDate{}, eris.Wrapf(ErrInvalidDateFormat, "token %q in %q", part, fileName)
		}
		return d, nil
	}

	return model.DateOf(now), nil
}
