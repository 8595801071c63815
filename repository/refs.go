package repository

import "strings"

// IsValidRef returns true if the argument refname is valid according
// to the git-check-ref-format(1) rules.  Interface implementations
// and the receive-pack engine use this to reject ill-formed ref
// update commands before they reach the ref database.
func IsValidRef(name string) bool {
	return strings.HasPrefix(name, "refs/") &&
		!strings.Contains(name, "/.") &&
		!strings.Contains(name, "..") &&
		strings.IndexFunc(name, func(r rune) bool {
			return r < 0x20 ||
				r == 0x7F ||
				r == ' ' ||
				r == '~' ||
				r == '^' ||
				r == ':' ||
				r == '?' ||
				r == '[' ||
				r == '*'
		}) == -1 &&
		!strings.HasSuffix(name, "/") &&
		!strings.Contains(name, "//") &&
		!strings.HasSuffix(name, ".") &&
		!strings.HasSuffix(name, ".lock") &&
		!strings.Contains(name, "@{") &&
		!strings.Contains(name, `\`)
}
