package pipeline

import (
	"fmt"
	"strings"

	"go-age-issuer/document"
)

type FallbackMode string

const (
	// FallbackFail fails the document stage when no birthdate is found.
	FallbackFail FallbackMode = "fail"
	// FallbackDate verifies the document with a fixed date and flags the
	// session as low confidence.
	FallbackDate FallbackMode = "fallback_date"
)

// DefaultFallbackDate is the date substituted under FallbackDate when none is configured.
var DefaultFallbackDate = document.Date{Year: 1995, Month: 6, Day: 15}

// FallbackPolicy decides what a scan does when date extraction finds nothing.
// The zero value fails.
type FallbackPolicy struct {
	Mode FallbackMode
	Date document.Date
}

func FailOnNotFound() FallbackPolicy {
	return FallbackPolicy{Mode: FallbackFail}
}

func FallbackToDate(date document.Date) FallbackPolicy {
	return FallbackPolicy{Mode: FallbackDate, Date: date}
}

func (p FallbackPolicy) usesDate() bool {
	return p.Mode == FallbackDate
}

func (p FallbackPolicy) String() string {
	if p.usesDate() {
		return fmt.Sprintf("%s(%s)", p.Mode, p.Date)
	}
	return string(FallbackFail)
}

// ParseFallbackPolicy builds a policy from configuration values. An empty
// mode means fail; an empty date with mode fallback_date uses DefaultFallbackDate.
func ParseFallbackPolicy(mode, date string) (FallbackPolicy, error) {
	switch FallbackMode(strings.ToLower(strings.TrimSpace(mode))) {
	case "", FallbackFail:
		return FailOnNotFound(), nil
	case FallbackDate:
		if strings.TrimSpace(date) == "" {
			return FallbackToDate(DefaultFallbackDate), nil
		}
		d, err := document.ParseDate(strings.TrimSpace(date))
		if err != nil {
			return FallbackPolicy{}, fmt.Errorf("invalid fallback date: %w", err)
		}
		return FallbackToDate(d), nil
	default:
		return FallbackPolicy{}, fmt.Errorf("%v is not a valid fallback policy", mode)
	}
}
