package shape

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/model"
)

var (
	wktNameRe = regexp.MustCompile(`^\s*(PROJCS|GEOGCS|PROJCRS|GEOGCRS)\s*\[\s*"([^"]*)"`)
	wktEPSGRe = regexp.MustCompile(`AUTHORITY\s*\[\s*"EPSG"\s*,\s*"(\d+)"\s*\]`)
)

// readProjection parses the .prj sidecar into a CRS declaration. Shapefiles
// without one are common; the zero CRS means "undeclared" and skips the
// reference system check downstream.
func readProjection(shpPath string) model.CRS {
	prjPath, ok := sidecar(shpPath, ".prj")
	if !ok {
		return model.CRS{}
	}

	data, err := os.ReadFile(prjPath)
	if err != nil {
		zap.L().Warn("shape: unreadable projection sidecar", zap.String("path", prjPath), zap.Error(err))
		return model.CRS{}
	}

	return parseWKT(string(data))
}

// parseWKT extracts the CRS name and EPSG code from a WKT definition.
// Nested AUTHORITY nodes tag datums and units too; the outermost one is
// listed last, so the last match wins.
func parseWKT(wkt string) model.CRS {
	wkt = strings.TrimSpace(wkt)

	var crs model.CRS
	if m := wktNameRe.FindStringSubmatch(wkt); m != nil {
		crs.Projected = strings.HasPrefix(m[1], "PROJ")
		crs.Citation = m[2]
	}
	matches := wktEPSGRe.FindAllStringSubmatch(wkt, -1)
	if len(matches) > 0 {
		if code, err := strconv.Atoi(matches[len(matches)-1][1]); err == nil {
			crs.EPSG = code
		}
	}
	return crs
}
