// Package extract turns raw long-table rows into typed facts: values are
// parsed, reporter codes mapped, product codes reconciled against the
// catalogue and quantities converted to tonnes.
package extract

import (
	"math"
	"strconv"
	"strings"
)

// Kind tags a parsed raw value.
type Kind int

const (
	// Numeric is a usable number.
	Numeric Kind = iota
	// Sentinel is a recognised missing or confidential marker.
	Sentinel
	// Unparseable is neither; it is logged and dropped, never zeroed.
	Unparseable
)

func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Sentinel:
		return "sentinel"
	default:
		return "unparseable"
	}
}

// Sentinel reasons.
const (
	ReasonNotAvailable  = "not_available"
	ReasonConfidential  = "confidential"
	ReasonNotApplicable = "not_applicable"
	ReasonNull          = "null"
	ReasonNonFinite     = "non_finite"
	ReasonEmpty         = "empty"
)

// Value is the result of ParseValue.
type Value struct {
	Kind   Kind
	Number float64
	Reason string
	Flags  string
	Raw    string
}

// observation flags Eurostat appends to values
const flagLetters = "bcdefnprsuz"

var sentinels = map[string]string{
	":":         ReasonNotAvailable,
	":c":        ReasonConfidential,
	"-":         ReasonNotApplicable,
	"null":      ReasonNull,
	"nan":       ReasonNonFinite,
	"inf":       ReasonNonFinite,
	"+inf":      ReasonNonFinite,
	"-inf":      ReasonNonFinite,
	"infinity":  ReasonNonFinite,
	"+infinity": ReasonNonFinite,
	"-infinity": ReasonNonFinite,
}

// ParseValue classifies a raw value string. Sentinels are recognised before
// any numeric parse, so "NaN" and "Inf" never become floats. A trailing
// observation flag is stripped; the "c" flag marks the value confidential.
func ParseValue(s string) Value {
	raw := s
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return Value{Kind: Sentinel, Reason: ReasonEmpty, Raw: raw}
	}
	if reason, ok := sentinels[t]; ok {
		return Value{Kind: Sentinel, Reason: reason, Raw: raw}
	}

	// ": c", ":z" and friends
	if strings.HasPrefix(t, ":") {
		flags := strings.TrimSpace(t[1:])
		if isFlags(flags) {
			reason := ReasonNotAvailable
			if strings.Contains(flags, "c") {
				reason = ReasonConfidential
			}
			return Value{Kind: Sentinel, Reason: reason, Flags: flags, Raw: raw}
		}
		return Value{Kind: Unparseable, Raw: raw}
	}

	if f, ok := parseFinite(t); ok {
		return Value{Kind: Numeric, Number: f, Raw: raw}
	}

	num, flags := splitFlags(t)
	if flags == "" {
		return Value{Kind: Unparseable, Raw: raw}
	}
	if sentinel, ok := sentinels[num]; ok {
		if strings.Contains(flags, "c") {
			sentinel = ReasonConfidential
		}
		return Value{Kind: Sentinel, Reason: sentinel, Flags: flags, Raw: raw}
	}
	f, ok := parseFinite(num)
	if !ok {
		return Value{Kind: Unparseable, Raw: raw}
	}
	if strings.Contains(flags, "c") {
		return Value{Kind: Sentinel, Reason: ReasonConfidential, Flags: flags, Raw: raw}
	}
	return Value{Kind: Numeric, Number: f, Flags: flags, Raw: raw}
}

func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// splitFlags separates a trailing run of flag letters, with or without a
// space before it.
func splitFlags(s string) (string, string) {
	if i := strings.LastIndexByte(s, ' '); i >= 0 {
		if f := s[i+1:]; isFlags(f) {
			return strings.TrimSpace(s[:i]), f
		}
		return s, ""
	}
	end := len(s)
	for end > 0 && strings.IndexByte(flagLetters, s[end-1]) >= 0 {
		end--
	}
	if end == len(s) || end == 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

func isFlags(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(flagLetters, s[i]) < 0 {
			return false
		}
	}
	return true
}
