//go:build !unix

package config

// DefaultMaxFileSegments returns a fixed budget where the open file limit is
// not queryable.
func DefaultMaxFileSegments() int { return 64 }
