//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package logfile

import "os"

// No advisory locking here; the in-process mutex still serializes writers.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
