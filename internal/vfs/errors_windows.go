//go:build windows

package vfs

import "syscall"

var notDir error = syscall.ERROR_PATH_NOT_FOUND
