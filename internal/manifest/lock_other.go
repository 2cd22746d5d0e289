//go:build !windows && !unix

package manifest

import (
	"errors"
	"io/fs"
)

func isLockViolation(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
