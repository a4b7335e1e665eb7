//go:build !unix && !windows

package security

import "os"

// Platforms without advisory locks run unlocked.
func tryLockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
