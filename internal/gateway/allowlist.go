package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// AllowList restricts which external endpoints the server may call.
type AllowList struct {
	patterns []*regexp.Regexp
}

// CompileAllowList compiles URL patterns into an allow-list. Patterns
// missing a leading ^ or trailing $ get them added, so a bare pattern
// always matches the whole URL. This rewrite applies even when the
// pattern contains alternation, which changes its meaning; existing
// configurations rely on that, so it is kept as-is.
func CompileAllowList(patterns []string) (*AllowList, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		anchored := p
		if !strings.HasPrefix(anchored, "^") {
			anchored = "^" + anchored
		}
		if !strings.HasSuffix(anchored, "$") {
			anchored = anchored + "$"
		}
		re, err := regexp.Compile(anchored)
		if err != nil {
			return nil, fmt.Errorf("gateway: allowlist pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &AllowList{patterns: compiled}, nil
}

// Matches reports whether url is permitted by any pattern.
func (a *AllowList) Matches(url string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Size returns the number of compiled patterns.
func (a *AllowList) Size() int {
	if a == nil {
		return 0
	}
	return len(a.patterns)
}
