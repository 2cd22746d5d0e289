//go:build windows

package manifest

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/windows"
)

// isLockViolation reports errors raised while another process, typically Excel,
// holds the file open.
func isLockViolation(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
