//go:build windows

package manifest

import "golang.org/x/sys/windows"

var errFileLocked error = windows.ERROR_SHARING_VIOLATION
