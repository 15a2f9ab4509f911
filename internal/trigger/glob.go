package trigger

import (
	"regexp"
	"strings"
	"sync"
)

var globCache sync.Map

// MatchGlob reports whether value matches pattern in full. A '*' matches any run
// of characters, including '/'; everything else is literal.
func MatchGlob(pattern, value string) bool {
	return compileGlob(pattern).MatchString(value)
}

func compileGlob(pattern string) *regexp.Regexp {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re := regexp.MustCompile(expr)
	globCache.Store(pattern, re)
	return re
}

func matchesAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if MatchGlob(pattern, value) {
			return true
		}
	}
	return false
}

// BranchMatches accepts a branch that matches no exclude glob and at least one
// include glob. Excludes are checked first.
func BranchMatches(branch string, filter BranchFilter) bool {
	if matchesAny(filter.Exclude, branch) {
		return false
	}
	return matchesAny(filter.Include, branch)
}
