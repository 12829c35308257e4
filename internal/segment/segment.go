// Package segment provides the owned buffer primitives that stream channels
// move between each other: a Segment is a chunk of body bytes held in memory or
// referenced in a file, or an end-of-stream marker; a Queue is an ordered run of
// segments with move-only transfer between queues.
package segment

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Kind identifies what a Segment carries.
type Kind uint8

const (
	// KindData is an in-memory chunk of bytes.
	KindData Kind = iota
	// KindFile is a byte range of an open file.
	KindFile
	// KindEOS is the end-of-stream marker. It carries no bytes.
	KindEOS
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindFile:
		return "file"
	case KindEOS:
		return "eos"
	default:
		return fmt.Sprintf("UNKNOWN_KIND_%d", uint8(k))
	}
}

// fileRef is a reference counted open file shared by all segments split off
// the same original file segment. The file is closed when the last segment
// referencing it is released.
type fileRef struct {
	f    *os.File
	refs atomic.Int32
}

func (r *fileRef) retain() { r.refs.Add(1) }

func (r *fileRef) release() error {
	if r.refs.Add(-1) == 0 {
		return r.f.Close()
	}
	return nil
}

// Segment is a single chunk in a Queue. The zero value is an empty data segment.
// Segments are values, but a file segment holds a reference on its file: every
// Segment obtained from a constructor or a Queue must be released exactly once,
// or handed on to a Queue which then owns it.
type Segment struct {
	kind Kind
	data []byte
	file *fileRef
	off  int64
	n    int64
}

// Bytes returns a data segment over p. The segment takes ownership of p.
func Bytes(p []byte) Segment {
	return Segment{kind: KindData, data: p, n: int64(len(p))}
}

// String returns a data segment holding a copy of s.
func String(s string) Segment {
	return Bytes([]byte(s))
}

// File returns a file segment covering n bytes of f starting at off.
// The segment takes ownership of f and closes it once released.
func File(f *os.File, off, n int64) Segment {
	ref := &fileRef{f: f}
	ref.refs.Store(1)
	return Segment{kind: KindFile, file: ref, off: off, n: n}
}

// EOS returns an end-of-stream marker.
func EOS() Segment {
	return Segment{kind: KindEOS}
}

// Kind reports what the segment carries.
func (s Segment) Kind() Kind { return s.kind }

// IsEOS reports whether s is the end-of-stream marker.
func (s Segment) IsEOS() bool { return s.kind == KindEOS }

// IsFile reports whether s references a file.
func (s Segment) IsFile() bool { return s.kind == KindFile }

// Len returns the number of body bytes in s. Markers have length 0.
func (s Segment) Len() int64 {
	if s.kind == KindEOS {
		return 0
	}
	return s.n
}

// Data returns the in-memory bytes of a data segment, nil otherwise.
func (s Segment) Data() []byte {
	if s.kind != KindData {
		return nil
	}
	return s.data
}

// Release drops the segment's claim on its storage. Releasing the last
// segment referencing a file closes that file.
func (s Segment) Release() error {
	if s.kind == KindFile && s.file != nil {
		return s.file.release()
	}
	return nil
}

// slice returns a segment covering [at, at+n) of s. For file segments the new
// segment holds its own reference on the file.
func (s Segment) slice(at, n int64) Segment {
	switch s.kind {
	case KindData:
		return Segment{kind: KindData, data: s.data[at : at+n], n: n}
	case KindFile:
		s.file.retain()
		return Segment{kind: KindFile, file: s.file, off: s.off + at, n: n}
	default:
		return s
	}
}

// advance drops the first n bytes of s in place. The file reference, if any,
// is kept.
func (s *Segment) advance(n int64) {
	switch s.kind {
	case KindData:
		s.data = s.data[n:]
	case KindFile:
		s.off += n
	}
	s.n -= n
}

// ReadRange reads n bytes of s starting at at into a fresh buffer.
func (s Segment) ReadRange(at, n int64) ([]byte, error) {
	if at < 0 || n < 0 || at+n > s.Len() {
		return nil, fmt.Errorf("segment: range [%d,%d) out of bounds for %s segment of length %d", at, at+n, s.kind, s.Len())
	}
	switch s.kind {
	case KindData:
		out := make([]byte, n)
		copy(out, s.data[at:at+n])
		return out, nil
	case KindFile:
		out := make([]byte, n)
		if _, err := s.file.f.ReadAt(out, s.off+at); err != nil {
			return nil, fmt.Errorf("segment: failed to read %d bytes at offset %d of %s: %w", n, s.off+at, s.file.f.Name(), err)
		}
		return out, nil
	default:
		return nil, nil
	}
}
