// Package glob implements the simple wildcard matching used by policy
// conditions: "*" matches any run of characters, "?" matches exactly
// one, everything else is literal.
package glob

import "regexp"

// Match reports whether s matches pattern under glob semantics.
// Malformed patterns (anything regexp.Compile chokes on after escaping,
// which in practice never happens since every metacharacter is escaped
// up front) degrade to literal equality rather than fail.
func Match(s, pattern string) bool {
	if pattern == s || pattern == "*" {
		return true
	}
	re, err := compile(pattern)
	if err != nil {
		return s == pattern
	}
	return re.MatchString(s)
}

func compile(pattern string) (*regexp.Regexp, error) {
	var b []byte
	b = append(b, "(?s)^"...)
	for _, r := range pattern {
		switch r {
		case '*':
			b = append(b, '.', '*')
		case '?':
			b = append(b, '.')
		default:
			b = append(b, []byte(regexp.QuoteMeta(string(r)))...)
		}
	}
	b = append(b, '$')
	return regexp.Compile(string(b))
}

// MatchAny reports whether s matches at least one of the patterns.
// An empty pattern list matches nothing; callers that want "match
// everything when unspecified" should skip calling MatchAny entirely.
func MatchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if Match(s, p) {
			return true
		}
	}
	return false
}
