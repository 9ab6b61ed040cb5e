package progress

import (
	"regexp"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var umlauts = strings.NewReplacer(
	"Ä", "Ae", "Ö", "Oe", "Ü", "Ue",
	"ä", "ae", "ö", "oe", "ü", "ue",
	"ß", "ss",
	"&", " and ",
)

var (
	unsafeRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	slashRun  = regexp.MustCompile(`[\\/]+`)
)

// combining diacritical marks block
var combining = runes.Predicate(func(r rune) bool { return r >= 0x0300 && r <= 0x036f })

func transliterate(s string) string {
	s = umlauts.Replace(s)
	t := transform.Chain(norm.NFKD, runes.Remove(combining))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func normalizeSegment(s, fallback string) string {
	out := unsafeRun.ReplaceAllString(transliterate(s), "_")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return fallback
	}
	return out
}

// SanitizeStorageKey makes an arbitrary file name safe to use as a flat storage key.
func SanitizeStorageKey(raw string) string {
	const fallback = "download.bin"
	input := strings.TrimSpace(raw)
	if input == "" {
		return fallback
	}

	flat := slashRun.ReplaceAllString(input, "_")
	lastDot := strings.LastIndex(flat, ".")
	if lastDot <= 0 || lastDot == len(flat)-1 {
		return normalizeSegment(flat, fallback)
	}

	name := normalizeSegment(flat[:lastDot], "download")
	ext := strings.ReplaceAll(normalizeSegment(flat[lastDot+1:], "bin"), ".", "_")
	return name + "." + ext
}

// BuildBookFileName returns "<title>_<id>.<ext>" with every part sanitized.
func BuildBookFileName(title, bookID, extension string) string {
	safeTitle := normalizeSegment(title, "book")
	safeID := normalizeSegment(bookID, "id")
	safeExt := strings.ReplaceAll(normalizeSegment(extension, "bin"), ".", "_")
	return safeTitle + "_" + safeID + "." + safeExt
}
