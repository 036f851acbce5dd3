package document

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// ErrDateNotFound is returned when no pattern yields a valid calendar date.
// It is an expected outcome for noisy scans, not a fault.
var ErrDateNotFound = errors.New("no valid date found in text")

// Pattern names, in priority order.
const (
	PatternISO              = "iso"
	PatternDayMonthYear     = "day-month-year"
	PatternDayMonthNameYear = "day-month-name-year"
)

// Extraction is the result of a successful date extraction.
type Extraction struct {
	Date    Date
	Pattern string
	// Match is the substring of the normalized text that produced Date.
	Match string
}

type datePattern struct {
	name  string
	re    *regexp.Regexp
	parse func(groups []string) (Date, error)
}

// datePatterns is ordered from least to most ambiguous. A year-first shape
// can never be confused with a day-first one because the leading group must
// be a 19xx/20xx year. The two separators of a numeric date need not match.
var datePatterns = []datePattern{
	{
		name: PatternISO,
		re:   regexp.MustCompile(`\b((?:19|20)\d{2})[-/](\d{2})[-/](\d{2})\b`),
		parse: func(g []string) (Date, error) {
			return dateFromDigits(g[1], g[2], g[3])
		},
	},
	{
		name: PatternDayMonthYear,
		re:   regexp.MustCompile(`\b(\d{2})[-./](\d{2})[-./]((?:19|20)\d{2})\b`),
		parse: func(g []string) (Date, error) {
			return dateFromDigits(g[3], g[2], g[1])
		},
	},
	{
		name: PatternDayMonthNameYear,
		re:   regexp.MustCompile(`(?i)\b(\d{2})\s+([a-z]{3,})\.?\s+((?:19|20)\d{2})\b`),
		parse: func(g []string) (Date, error) {
			month, ok := MonthFromName(g[2])
			if !ok {
				return Date{}, fmt.Errorf("unknown month name %q", g[2])
			}
			return dateFromDigits(g[3], strconv.Itoa(month), g[1])
		},
	},
}

var monthNames = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

// MonthFromName resolves a full English month name or a prefix of at least
// three letters ("Jan", "SEPT"), case-insensitively.
func MonthFromName(name string) (int, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if len(name) < 3 {
		return 0, false
	}
	for i, full := range monthNames {
		if strings.HasPrefix(full, name) {
			return i + 1, true
		}
	}
	return 0, false
}

// NormalizeText folds compatibility characters (full-width digits, odd
// separators) to their canonical ASCII forms before pattern matching.
func NormalizeText(text string) string {
	return norm.NFKC.String(text)
}

// DecodeLatin1 converts ISO 8859-1 text, as written by older recognition
// tools, to UTF-8.
func DecodeLatin1(b []byte) (string, error) {
	result, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// Extract finds the most likely birthdate in recognized text.
//
// Patterns are tried in priority order and the first pattern with a valid
// match wins, regardless of where in the text a lower priority pattern
// would have matched. Within one pattern, candidates are checked in text
// order and candidates that are not valid calendar dates are skipped.
func Extract(text string) (Extraction, error) {
	normalized := NormalizeText(text)

	for _, p := range datePatterns {
		for _, groups := range p.re.FindAllStringSubmatch(normalized, -1) {
			date, err := p.parse(groups)
			if err != nil {
				slog.Debug("Discarding date candidate", "pattern", p.name, "reason", err)
				continue
			}
			return Extraction{Date: date, Pattern: p.name, Match: groups[0]}, nil
		}
	}

	return Extraction{}, ErrDateNotFound
}

func dateFromDigits(year, month, day string) (Date, error) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return Date{}, fmt.Errorf("invalid year %q", year)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return Date{}, fmt.Errorf("invalid month %q", month)
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return Date{}, fmt.Errorf("invalid day %q", day)
	}
	return NewDate(y, m, d)
}
