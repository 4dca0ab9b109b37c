package naming

import (
	"path"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/fieldvision/plotclip/internal/model"
)

// BuildPath derives the run-relative output path for one plot, without file
// extension: season and experiment segments when present, the capture date,
// then the leaf. Identical inputs always produce identical paths.
func BuildPath(date model.CaptureDate, plot model.Plot) string {
	segs := make([]string, 0, 4)
	if s := optionalSegment(plot.Attrs.SeasonName); s != "" {
		segs = append(segs, s)
	}
	if s := optionalSegment(plot.Attrs.ExperimentName); s != "" {
		segs = append(segs, s)
	}
	segs = append(segs, date.String())
	segs = append(segs, leafSegment(plot))
	return path.Join(segs...)
}

func leafSegment(plot model.Plot) string {
	if plot.Attrs.PlotName != nil {
		if s := sanitizeSegment(*plot.Attrs.PlotName); s != "" {
			return s
		}
	}
	return strconv.Itoa(plot.Ordinal)
}

func optionalSegment(v *string) string {
	if v == nil {
		return ""
	}
	return sanitizeSegment(*v)
}

// sanitizeSegment flattens an attribute value into a single safe path
// segment. Separators, control characters and whitespace collapse to
// underscores; a value that reduces to nothing, ".", or ".." yields "".
func sanitizeSegment(s string) string {
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		replace := r == '/' || r == '\\' || r == ':' ||
			unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
		if replace {
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}

	out := strings.Trim(b.String(), "_. ")
	if out == "" {
		return ""
	}
	return out
}
