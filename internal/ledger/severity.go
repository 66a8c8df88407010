package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies an event for retention purposes. Noise events are
// aggressively trimmed; important events are kept for the long window.
type Severity string

const (
	SeverityNoise     Severity = "noise"
	SeverityImportant Severity = "important"
)

// ParseSeverity normalizes and validates a severity string.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.TrimSpace(strings.ToLower(raw))) {
	case SeverityNoise:
		return SeverityNoise, nil
	case SeverityImportant:
		return SeverityImportant, nil
	default:
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, raw)
	}
}

func (s Severity) Valid() bool {
	return s == SeverityNoise || s == SeverityImportant
}

// RetentionPolicy defines how long each tier is kept before an event becomes
// stale-and-purgeable. Purging is always an explicit operation; the policy
// only answers staleness queries.
type RetentionPolicy struct {
	Noise     time.Duration
	Important time.Duration
}

// DefaultRetention keeps noise for 7 days and important events for 90 days.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Noise:     7 * 24 * time.Hour,
		Important: 90 * 24 * time.Hour,
	}
}

// TTL returns the retention window for a severity tier.
func (p RetentionPolicy) TTL(s Severity) time.Duration {
	if s == SeverityNoise {
		return p.Noise
	}
	return p.Important
}

// Stale reports whether an event that occurred at the given time is past its
// retention window as of now.
func (p RetentionPolicy) Stale(e Event, now time.Time) bool {
	return now.Sub(e.OccurredAt) > p.TTL(e.Severity)
}
