// Package identifier generates the opaque ids used across the control
// plane and the deterministic window keys the budget engine buckets on.
package identifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common prefixes used by the core. Callers may use any other prefix.
const (
	PrefixTransaction = "ps"
	PrefixDispute     = "dsp"
	PrefixRecovery    = "rcv"
	PrefixMandate     = "mdt"
)

// Clock is injectable so tests can produce deterministic ids and
// timestamps without sleeping.
type Clock func() time.Time

// New returns a fresh id of the form <prefix>_<hex-ms-timestamp>_<8-char-random>.
func New(prefix string) string {
	return NewAt(prefix, time.Now())
}

// NewAt generates an id as of the given instant, for deterministic tests.
func NewAt(prefix string, at time.Time) string {
	ts := fmt.Sprintf("%x", at.UTC().UnixMilli())
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", prefix, ts, random)
}

// Timestamp formats t as the lexicographically-sortable ISO-8601 UTC
// millisecond timestamp used for every Transaction/Provenance/Dispute
// timestamp field across the control plane.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Now returns the current instant stamped in the canonical timestamp format.
func Now() string {
	return Timestamp(time.Now())
}

// WindowKind enumerates the budget window granularities of spec §3.
type WindowKind string

const (
	WindowPerTransaction WindowKind = "per_transaction"
	WindowHourly         WindowKind = "hourly"
	WindowDaily          WindowKind = "daily"
	WindowWeekly         WindowKind = "weekly"
	WindowMonthly        WindowKind = "monthly"
)

// WindowKey computes the deterministic UTC window key for t under kind.
// per_transaction windows have no shared key: each evaluation is its
// own window, so the caller must not rely on WindowKey for dedup in
// that case (it returns the empty string).
func WindowKey(kind WindowKind, t time.Time) string {
	u := t.UTC()
	switch kind {
	case WindowPerTransaction:
		return ""
	case WindowHourly:
		return u.Format("2006-01-02T15")
	case WindowDaily:
		return u.Format("2006-01-02")
	case WindowWeekly:
		return isoWeekMonday(u).Format("2006-01-02")
	case WindowMonthly:
		return u.Format("2006-01")
	default:
		return u.Format("2006-01-02")
	}
}

// isoWeekMonday returns the Monday of the ISO week containing t.
func isoWeekMonday(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // ISO: Sunday is day 7
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -(weekday - 1))
}
