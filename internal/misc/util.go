package misc

import "strings"

// IsNotFoundError reports whether err describes a missing object by its
// message text. Store drivers outside this module do not always wrap the
// persist sentinel error.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "no such file")
}
