//go:build !windows && !unix

package manifest

import "io/fs"

var errFileLocked error = fs.ErrPermission
