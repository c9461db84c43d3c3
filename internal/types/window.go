package types

import (
	"fmt"
	"time"
)

// Default windowing parameters. All three are overridable via config.
const (
	DefaultWindowSize        = time.Hour
	DefaultAllowedLateness   = time.Hour
	DefaultWatermarkInterval = 5 * time.Minute
)

// WindowFor returns the tumbling window [start, end) containing ts.
// Window starts are aligned to integral multiples of size since the epoch.
func WindowFor(ts time.Time, size time.Duration) (start, end time.Time) {
	start = ts.UTC().Truncate(size)
	end = start.Add(size)
	return start, end
}

// Watermark derives the global watermark from processing time. Events with
// a window starting before the watermark are considered late. The derivation
// is intentionally kept in this one place so a per-key event-time watermark
// can replace it later.
func Watermark(now time.Time, allowedLateness time.Duration) time.Time {
	return now.UTC().Add(-allowedLateness)
}

// ReratingJobID derives a deterministic job id from the customer and window
// so that concurrent corrections for the same window share one job.
func ReratingJobID(customerID string, windowStart time.Time) string {
	return fmt.Sprintf("%s_%s_%d", UUID_PREFIX_RERATING_JOB, customerID, windowStart.UTC().UnixMilli())
}
