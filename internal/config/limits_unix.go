//go:build unix

package config

import "golang.org/x/sys/unix"

// fallbackMaxFileSegments is used when the open file limit cannot be read.
const fallbackMaxFileSegments = 64

// maxDefaultFileSegments keeps the default modest even on hosts with huge limits.
const maxDefaultFileSegments = 256

// DefaultMaxFileSegments derives the session-wide file segment budget from the
// soft RLIMIT_NOFILE: a quarter of it, at most maxDefaultFileSegments. Buffered
// file segments keep their descriptors open, so the budget has to leave room
// for sockets and logs.
func DefaultMaxFileSegments() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil || rl.Cur == 0 {
		return fallbackMaxFileSegments
	}
	n := rl.Cur / 4
	if n > maxDefaultFileSegments {
		n = maxDefaultFileSegments
	}
	if n == 0 {
		n = 1
	}
	return int(n)
}
