//go:build unix

package manifest

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isLockViolation reports errors raised while another process holds the file,
// such as EBUSY from SMB mounts of the share. Permission errors are not locks
// here: they persist and are reported at once.
func isLockViolation(err error) bool {
	return errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ETXTBSY)
}
