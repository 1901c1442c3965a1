package store

import (
	"regexp"
	"strings"
)

var slugRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowers a value to a filesystem-and-URL-safe slug. The fallback is
// returned when nothing survives.
func Slugify(value, fallback string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	slug := strings.Trim(slugRE.ReplaceAllString(lowered, "-"), "-")
	if slug == "" {
		return fallback
	}
	return slug
}
