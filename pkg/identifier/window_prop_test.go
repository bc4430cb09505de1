package identifier_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentpay-io/control-plane/pkg/identifier"
)

func TestWindowKeyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Epoch millis spanning 1970 through roughly 2096.
	timeGen := gen.Int64Range(0, 4_000_000_000_000).Map(func(ms int64) time.Time {
		return time.UnixMilli(ms).UTC()
	})

	properties.Property("keys are deterministic", prop.ForAll(
		func(at time.Time) bool {
			for _, kind := range []identifier.WindowKind{
				identifier.WindowHourly, identifier.WindowDaily,
				identifier.WindowWeekly, identifier.WindowMonthly,
			} {
				if identifier.WindowKey(kind, at) != identifier.WindowKey(kind, at) {
					return false
				}
			}
			return true
		},
		timeGen,
	))

	properties.Property("adjacent hourly windows produce distinct keys", prop.ForAll(
		func(at time.Time) bool {
			return identifier.WindowKey(identifier.WindowHourly, at) !=
				identifier.WindowKey(identifier.WindowHourly, at.Add(time.Hour))
		},
		timeGen,
	))

	properties.Property("adjacent daily windows produce distinct keys", prop.ForAll(
		func(at time.Time) bool {
			return identifier.WindowKey(identifier.WindowDaily, at) !=
				identifier.WindowKey(identifier.WindowDaily, at.AddDate(0, 0, 1))
		},
		timeGen,
	))

	properties.Property("weekly key is the Monday at or before the instant", prop.ForAll(
		func(at time.Time) bool {
			key := identifier.WindowKey(identifier.WindowWeekly, at)
			monday, err := time.ParseInLocation("2006-01-02", key, time.UTC)
			if err != nil || monday.Weekday() != time.Monday {
				return false
			}
			delta := at.Sub(monday)
			return delta >= 0 && delta < 7*24*time.Hour
		},
		timeGen,
	))

	properties.TestingRun(t)
}
