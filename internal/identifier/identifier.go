// Package identifier validates human-assigned fault identifiers ("A013") and
// suggests the next one to pre-fill on the entry form.
//
// Suggestions are best effort. Nothing here reserves an identifier, so two
// operators working at the same time can be offered the same value.
package identifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// DefaultSuggestion pre-fills the form of a fresh session.
const DefaultSuggestion = "A013"

// bootstrapThreshold is the record count at which an empty-history table
// jumps straight to DefaultSuggestion.
const bootstrapThreshold = 12

var pattern = regexp.MustCompile(`^([A-Za-z])(\d+)$`)

// Pattern is the textual form of the identifier rule.
const Pattern = `^[A-Za-z]\d+$`

// HistorySource exposes the stored identifiers used to derive a suggestion.
type HistorySource interface {
	AllHistoricalFaultIdentifiers(ctx context.Context) ([]string, error)
	FaultRecordCount(ctx context.Context) (int, error)
}

// IsValid reports whether s, after trimming whitespace, is one letter
// followed by one or more digits.
func IsValid(s string) bool {
	return pattern.MatchString(strings.TrimSpace(s))
}

// Parse splits a valid identifier into its letter prefix and its digit
// suffix, leading zeros included. The suffix is kept as text so there is no
// upper bound on its value.
func Parse(s string) (prefix, digits string, ok bool) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Advance returns the identifier following id, keeping the prefix letter and
// the zero-padded width of the suffix: A013 -> A014, A9 -> A10, A999 -> A1000.
func Advance(id string) (string, bool) {
	prefix, digits, ok := Parse(id)
	if !ok {
		return "", false
	}
	return prefix + increment(digits), true
}

// Derive computes a suggestion from every stored identifier. The numeric part
// is the highest stored value plus one, padded to 3 digits at or above 100 and
// to 2 below, but never narrower than the suffix of the highest stored id.
// With no usable history it falls back to the record count: at or beyond the
// bootstrap threshold it suggests DefaultSuggestion, otherwise A<count+1>.
func Derive(ids []string, recordCount int) string {
	maxDigits, maxWidth, found := "", 0, false
	for _, id := range ids {
		_, digits, ok := Parse(id)
		if !ok {
			continue
		}
		value := trimZeros(digits)
		if c := compareDigits(value, maxDigits); !found || c > 0 || (c == 0 && len(digits) > maxWidth) {
			maxDigits, maxWidth = value, len(digits)
		}
		found = true
	}
	if !found {
		if recordCount >= bootstrapThreshold {
			return DefaultSuggestion
		}
		if recordCount < 0 {
			recordCount = 0
		}
		return fmt.Sprintf("A%02d", recordCount+1)
	}
	// len(next) >= 3 exactly when the value is at least 100
	next := increment(maxDigits)
	width := max(len(next), 2, maxWidth)
	return "A" + strings.Repeat("0", width-len(next)) + next
}

// increment adds one to a decimal digit string, carrying as needed. The
// result is as wide as the input unless the carry runs off the top.
func increment(digits string) string {
	b := []byte(digits)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < '9' {
			b[i]++
			return string(b)
		}
		b[i] = '0'
	}
	return "1" + string(b)
}

func trimZeros(digits string) string {
	if t := strings.TrimLeft(digits, "0"); t != "" {
		return t
	}
	return "0"
}

// compareDigits orders two digit strings without leading zeros by value.
func compareDigits(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Policy advances suggestions, consulting history when the submitted
// identifier cannot be parsed.
type Policy struct {
	History HistorySource
}

// Next returns the suggestion that follows a successfully stored identifier.
func (p Policy) Next(ctx context.Context, submitted string) (string, error) {
	if next, ok := Advance(submitted); ok {
		return next, nil
	}
	return p.FromHistory(ctx)
}

// FromHistory derives a suggestion from the stored identifiers and count.
func (p Policy) FromHistory(ctx context.Context) (string, error) {
	if p.History == nil {
		return DefaultSuggestion, nil
	}
	ids, err := p.History.AllHistoricalFaultIdentifiers(ctx)
	if err != nil {
		return "", fmt.Errorf("load fault identifiers: %w", err)
	}
	count, err := p.History.FaultRecordCount(ctx)
	if err != nil {
		return "", fmt.Errorf("count fault records: %w", err)
	}
	return Derive(ids, count), nil
}
