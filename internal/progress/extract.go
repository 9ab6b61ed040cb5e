package progress

import (
	"regexp"
	"strconv"
)

// Field names a scalar pulled out of a sidecar payload.
type Field string

const (
	// FieldModified is the YYYY-MM-DD date under the summary table.
	FieldModified Field = "summary.modified"
	// FieldPercentFinished is the fraction of the book read.
	FieldPercentFinished Field = "percent_finished"
)

// Extractor reads single fields from a sidecar payload. The payload is
// otherwise opaque, so a real table parser can replace the default.
type Extractor interface {
	Extract(content []byte, field Field) (string, bool)
}

// RegexExtractor scrapes fields with regular expressions.
type RegexExtractor struct{}

var fieldPatterns = map[Field]*regexp.Regexp{
	FieldModified:        regexp.MustCompile(`(?s)\["summary"\].*?\["modified"\]\s*=\s*"(\d{4}-\d{2}-\d{2})"`),
	FieldPercentFinished: regexp.MustCompile(`\["percent_finished"\]\s*=\s*(-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?)`),
}

func (RegexExtractor) Extract(content []byte, field Field) (string, bool) {
	re, ok := fieldPatterns[field]
	if !ok {
		return "", false
	}
	m := re.FindSubmatch(content)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

// DefaultExtractor is used when a caller does not supply one.
var DefaultExtractor Extractor = RegexExtractor{}

// ExtractModifiedDate returns the literal summary.modified date.
func ExtractModifiedDate(ex Extractor, content []byte) (string, bool) {
	if ex == nil {
		ex = DefaultExtractor
	}
	return ex.Extract(content, FieldModified)
}

// ExtractPercentFinished returns percent_finished as a float.
func ExtractPercentFinished(ex Extractor, content []byte) (float64, bool) {
	if ex == nil {
		ex = DefaultExtractor
	}
	raw, ok := ex.Extract(content, FieldPercentFinished)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ClampPercent limits p to [0,1].
func ClampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
