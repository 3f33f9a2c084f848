//go:build !windows

package vfs

import "syscall"

var notDir error = syscall.ENOTDIR
