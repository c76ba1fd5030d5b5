// Package clock provides time and identifier primitives shared across the
// orchestrator: an injectable clock, UUID generation, and the bucket key
// formats used by the metrics and ledger subsystems.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so tests can substitute a fixed or stepped clock.
type Clock interface {
	Now() time.Time
}

// Real is the production clock.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// Fixed is a clock pinned to a single instant. Useful in tests.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }

// NewID returns a new 128-bit random identifier in canonical UUID form.
func NewID() string {
	return uuid.New().String()
}

// HourBucket formats t as the hour-granularity bucket key used in metric
// keys: YYYY-MM-DD-HH (UTC).
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// DayBucket formats t as the day-granularity bucket key: YYYY-MM-DD (UTC).
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// EpochMillis returns t as milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// EpochSeconds returns t as fractional seconds since the Unix epoch, the
// timestamp format used in the event log.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
