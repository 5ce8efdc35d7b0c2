// Package codes normalizes product and reporter codes and builds the raw
// table names used across the warehouse.
package codes

import (
	"fmt"
	"regexp"
	"strings"
)

// NormalizeProductCode removes grouping separators so that "28.21.13.30",
// "28 21 13 30" and "28211330" compare equal. Total: "" stays "".
func NormalizeProductCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch r {
		case '.', ' ', '-', '/', '\t', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeCountryCode trims and upper-cases a reporter code. Purely numeric
// declarant codes are left-padded to three digits ("4" -> "004").
func NormalizeCountryCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return c
	}
	if isDigits(c) && len(c) < 3 {
		c = strings.Repeat("0", 3-len(c)) + c
	}
	return c
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

var (
	identRe   = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	nonIdentR = regexp.MustCompile(`[^a-z0-9]+`)
)

// ValidIdentifier reports whether name is safe to splice into SQL as a table name.
func ValidIdentifier(name string) bool {
	return len(name) <= 63 && identRe.MatchString(name)
}

// TableName builds the raw table name "<source>_<dataset_id>_<year>",
// lower-cased with every non-alphanumeric run collapsed to "_".
func TableName(source, datasetID string, year int) (string, error) {
	clean := func(s string) string {
		return strings.Trim(nonIdentR.ReplaceAllString(strings.ToLower(s), "_"), "_")
	}
	name := fmt.Sprintf("%s_%s_%d", clean(source), clean(datasetID), year)
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("cannot derive table name from %q/%q/%d", source, datasetID, year)
	}
	return name, nil
}

// YearTable returns "<kind>_<year>" for the derived per-year tables.
func YearTable(kind string, year int) string {
	return fmt.Sprintf("%s_%d", kind, year)
}
