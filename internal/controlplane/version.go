package controlplane

import "strconv"

// Newer reports whether resource version candidate supersedes current.
//
// Versions are opaque to clients, but every backend in use serves them as
// increasing integers. When either side does not parse, any difference is
// treated as newer.
func Newer(candidate, current string) bool {
	if current == "" {
		return candidate != ""
	}
	if candidate == "" {
		return false
	}
	c, errC := strconv.ParseUint(candidate, 10, 64)
	cur, errCur := strconv.ParseUint(current, 10, 64)
	if errC != nil || errCur != nil {
		return candidate != current
	}
	return c > cur
}
