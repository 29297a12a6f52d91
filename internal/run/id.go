package run

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxSlugLen = 40

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// NewRunID builds a run id from the work reference, the creation time and
// a random suffix: "<slug>-<20060102T150405Z>-<6 hex>".
func NewRunID(workRef string, now time.Time) (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", Slug(workRef), now.UTC().Format("20060102T150405Z"), hex.EncodeToString(b)), nil
}

// Slug lowercases s and collapses anything outside [a-z0-9] into single
// hyphens. Empty input yields "run".
func Slug(s string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "run"
	}
	return slug
}

// ValidID reports whether id is safe to use as a file name under the state
// directory.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00\n\r")
}
