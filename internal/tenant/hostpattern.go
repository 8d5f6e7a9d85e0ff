package tenant

import "strings"

// matchHost reports whether host satisfies pattern. pattern may carry a
// single leading "*." wildcard label ("*.example.com" matches
// "a.example.com" and "a.b.example.com" but not "example.com" itself);
// any other wildcard shape is rejected by validatePattern at load time.
func matchHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)

	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	suffix := pattern[1:] // keep the leading dot: ".example.com"
	return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
}

// validatePattern rejects any wildcard shape other than a single leading
// "*." label.
func validatePattern(pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return true
	}
	return strings.Count(pattern, "*") == 1 && strings.HasPrefix(pattern, "*.")
}

// literalSuffixLen returns the length of the non-wildcard portion of a
// pattern, used to break ties between multiple matching patterns in
// favor of the most specific (longest literal suffix) one.
func literalSuffixLen(pattern string) int {
	if strings.HasPrefix(pattern, "*.") {
		return len(pattern) - 2
	}
	return len(pattern)
}
