// Package progress handles the reader's progress sidecar: where it lives, what
// it says about itself, and whether an upload may replace the stored copy.
package progress

import (
	"strings"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
)

// ContentType is the media type sidecars are stored with.
const ContentType = "application/x-lua"

// Descriptor locates the progress sidecar that belongs to a book file.
type Descriptor struct {
	ProgressKey      string `json:"progressKey"`
	MetadataFileName string `json:"metadataFileName"`
	Extension        string `json:"extension"`
	BaseName         string `json:"baseName"`
}

// BuildDescriptor derives "<base>.sdr/metadata.<ext>.lua" from a storage key.
func BuildDescriptor(storageKey string) (Descriptor, error) {
	lastDot := strings.LastIndex(storageKey, ".")
	if lastDot <= 0 || lastDot == len(storageKey)-1 {
		return Descriptor{}, apperr.Validation("invalid title format %q: expected filename with extension", storageKey)
	}

	ext := storageKey[lastDot+1:]
	base := storageKey[:lastDot]
	meta := "metadata." + ext + ".lua"
	return Descriptor{
		ProgressKey:      base + ".sdr/" + meta,
		MetadataFileName: meta,
		Extension:        ext,
		BaseName:         base,
	}, nil
}

// NormalizeLookupTitle turns a legacy "The_Road_42.epub" into "The Road_42.epub":
// underscores before the last one become spaces, the "_<id>.<ext>" suffix is kept.
func NormalizeLookupTitle(title string) string {
	last := strings.LastIndex(title, "_")
	if last <= 0 {
		return title
	}
	return strings.ReplaceAll(title[:last], "_", " ") + title[last:]
}

// LookupTitleCandidates lists the storage keys a device-supplied title may
// refer to: the legacy normalized form first, then the title as sent.
func LookupTitleCandidates(title string) []string {
	normalized := NormalizeLookupTitle(title)
	if normalized == title {
		return []string{title}
	}
	return []string{normalized, title}
}

// IsIncomingOlder reports whether an upload must be refused. Only when both
// dates are known and the incoming one sorts strictly before the stored one.
func IsIncomingOlder(existing, incoming string) bool {
	if existing == "" || incoming == "" {
		return false
	}
	return incoming < existing
}
