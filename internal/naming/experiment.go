package naming

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/fieldvision/plotclip/internal/model"
)

// ExperimentConfig carries run-level naming overrides from the optional
// experiment configuration JSON uploaded alongside the imagery.
type ExperimentConfig struct {
	Season    string
	StudyName string
	Timestamp string
}

// experimentDoc mirrors the on-disk layout: overrides nest under "pipeline".
type experimentDoc struct {
	Pipeline struct {
		Season               string `json:"season"`
		StudyName            string `json:"studyName"`
		ObservationTimeStamp string `json:"observationTimeStamp"`
	} `json:"pipeline"`
}

// LoadExperimentConfig reads the overrides file. A missing file is not an
// error; callers get a nil config and every override stays unset.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "naming: read experiment config %s", path)
	}

	var doc experimentDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "naming: parse experiment config %s", path)
	}

	return &ExperimentConfig{
		Season:    strings.TrimSpace(doc.Pipeline.Season),
		StudyName: strings.TrimSpace(doc.Pipeline.StudyName),
		Timestamp: strings.TrimSpace(doc.Pipeline.ObservationTimeStamp),
	}, nil
}

// Date validates the timestamp override. The field carries an ISO 8601
// timestamp, so anything after a 'T' is dropped before the date check.
// Unlike filename tokens, an explicit override that does not reduce to a
// valid calendar date is fatal.
func (c *ExperimentConfig) Date() (model.CaptureDate, bool, error) {
	if c == nil || c.Timestamp == "" {
		return model.CaptureDate{}, false, nil
	}

	datePart, _, _ := strings.Cut(c.Timestamp, "T")
	d, err := ParseStrictDate(datePart)
	if err != nil {
		return model.CaptureDate{}, false,
			eris.Wrapf(ErrInvalidDateFormat, "experiment timestamp %q", c.Timestamp)
	}
	return d, true, nil
}
