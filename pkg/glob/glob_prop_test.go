package glob_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentpay-io/control-plane/pkg/glob"
)

func TestMatchProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every string matches itself", prop.ForAll(
		func(s string) bool { return glob.Match(s, s) },
		gen.AnyString(),
	))

	properties.Property("every string matches bare star", prop.ForAll(
		func(s string) bool { return glob.Match(s, "*") },
		gen.AnyString(),
	))

	properties.Property("match is deterministic across calls", prop.ForAll(
		func(s, pattern string) bool {
			return glob.Match(s, pattern) == glob.Match(s, pattern)
		},
		gen.AnyString(), gen.AnyString(),
	))

	properties.Property("star prefix matches any suffix extension", prop.ForAll(
		func(prefix, suffix string) bool {
			return glob.Match(prefix+suffix, prefix+"*")
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
