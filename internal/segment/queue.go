package segment

import (
	"errors"
	"fmt"
)

// Unlimited disables the byte limit of Move, Readx and Avail.
const Unlimited int64 = -1

// readChunkSize bounds how much of a file segment is read per callback.
const readChunkSize = 16 * 1024

// Queue is an ordered sequence of segments. The zero value is an empty queue
// ready for use. A Queue is not safe for concurrent use.
type Queue struct {
	segs []Segment
}

// NewQueue returns a queue holding segs in order. The queue takes ownership.
func NewQueue(segs ...Segment) *Queue {
	q := &Queue{}
	for _, s := range segs {
		q.Push(s)
	}
	return q
}

// Push appends s to the tail of the queue.
func (q *Queue) Push(s Segment) {
	q.segs = append(q.segs, s)
}

// Empty reports whether the queue holds no segments at all.
func (q *Queue) Empty() bool { return len(q.segs) == 0 }

// Count returns the number of segments, markers included.
func (q *Queue) Count() int { return len(q.segs) }

// FileCount returns the number of file segments.
func (q *Queue) FileCount() int {
	n := 0
	for _, s := range q.segs {
		if s.kind == KindFile {
			n++
		}
	}
	return n
}

// Length returns the number of body bytes held in the queue.
func (q *Queue) Length() int64 {
	var n int64
	for _, s := range q.segs {
		n += s.Len()
	}
	return n
}

// TailIsEOS reports whether the last segment is an end-of-stream marker.
func (q *Queue) TailIsEOS() bool {
	return len(q.segs) > 0 && q.segs[len(q.segs)-1].kind == KindEOS
}

// HasDataOrEOS reports whether the queue holds at least one body byte or an
// end-of-stream marker.
func (q *Queue) HasDataOrEOS() bool {
	for _, s := range q.segs {
		if s.kind == KindEOS || s.Len() > 0 {
			return true
		}
	}
	return false
}

// Avail returns how many body bytes a read limited to maxBytes would deliver
// and whether it would reach the end-of-stream marker. The queue is not
// modified.
func (q *Queue) Avail(maxBytes int64) (int64, bool) {
	var n int64
	for _, s := range q.segs {
		if s.kind == KindEOS {
			return n, true
		}
		take := s.Len()
		if maxBytes >= 0 && n+take > maxBytes {
			return maxBytes, false
		}
		n += take
	}
	return n, false
}

// Release drops every segment in the queue, closing files whose last
// reference goes away. The queue is empty afterwards.
func (q *Queue) Release() error {
	var errs []error
	for i := range q.segs {
		if err := q.segs[i].Release(); err != nil {
			errs = append(errs, err)
		}
		q.segs[i] = Segment{}
	}
	q.segs = q.segs[:0]
	return errors.Join(errs...)
}

// popFront removes and returns the head segment.
func (q *Queue) popFront() Segment {
	s := q.segs[0]
	q.segs[0] = Segment{}
	q.segs = q.segs[1:]
	if len(q.segs) == 0 {
		q.segs = nil
	}
	return s
}

// MoveStats describes the outcome of a Move.
type MoveStats struct {
	// Bytes is the number of body bytes moved.
	Bytes int64
	// Segments is the number of segments pushed to the destination, markers included.
	Segments int
	// Files is the number of file segments moved by reference.
	Files int
	// EOS reports that an end-of-stream marker was moved.
	EOS bool
}

// Move transfers leading segments from src to the tail of dst until maxBytes
// body bytes have been moved (Unlimited for no bound). A segment straddling the
// limit is split. End-of-stream markers are moved even when the byte limit has
// been reached, so a reader that drained the data also learns the stream ended.
// Move stops after the first marker it moves.
//
// When fileBudget is non-nil it bounds how many file segments may be moved by
// reference: each one moved decrements *fileBudget, and once the budget is
// exhausted remaining file bytes are read into memory instead. A nil fileBudget
// moves file segments by reference without accounting.
//
// Segments that do not fit stay in src and remain the caller's responsibility.
func Move(dst, src *Queue, maxBytes int64, fileBudget *int) (MoveStats, error) {
	var st MoveStats
	for !src.Empty() {
		head := &src.segs[0]
		if head.kind == KindEOS {
			dst.Push(src.popFront())
			st.Segments++
			st.EOS = true
			return st, nil
		}

		take := head.Len()
		if maxBytes >= 0 {
			remain := maxBytes - st.Bytes
			if remain <= 0 && take > 0 {
				break
			}
			if take > remain {
				take = remain
			}
		}

		if head.kind == KindFile && fileBudget != nil && *fileBudget <= 0 {
			p, err := head.ReadRange(0, take)
			if err != nil {
				return st, fmt.Errorf("segment: failed to buffer file segment: %w", err)
			}
			if take == head.Len() {
				if err := src.popFront().Release(); err != nil {
					return st, err
				}
			} else {
				head.advance(take)
			}
			dst.Push(Bytes(p))
			st.Bytes += take
			st.Segments++
			continue
		}

		var moved Segment
		if take == head.Len() {
			moved = src.popFront()
		} else {
			moved = head.slice(0, take)
			head.advance(take)
		}
		if moved.kind == KindFile {
			st.Files++
			if fileBudget != nil {
				*fileBudget--
			}
		}
		dst.Push(moved)
		st.Bytes += take
		st.Segments++
	}
	return st, nil
}

// Readx hands up to maxBytes body bytes from the head of the queue to cb and
// removes what was delivered. File segments are read in bounded chunks. It
// returns the number of bytes delivered and whether the end-of-stream marker
// was consumed. A nil cb only reports what would be delivered, like Avail.
//
// cb must not retain the slice it is given. If cb fails the bytes of the
// failing call stay in the queue.
func (q *Queue) Readx(cb func([]byte) error, maxBytes int64) (int64, bool, error) {
	if cb == nil {
		n, eos := q.Avail(maxBytes)
		return n, eos, nil
	}
	var n int64
	for !q.Empty() {
		head := &q.segs[0]
		if head.kind == KindEOS {
			q.popFront()
			return n, true, nil
		}
		if head.Len() == 0 {
			if err := q.popFront().Release(); err != nil {
				return n, false, err
			}
			continue
		}
		if maxBytes >= 0 && n >= maxBytes {
			break
		}
		take := head.Len()
		if maxBytes >= 0 && take > maxBytes-n {
			take = maxBytes - n
		}
		for take > 0 {
			chunk := take
			var p []byte
			if head.kind == KindData {
				p = head.data[:chunk]
			} else {
				if chunk > readChunkSize {
					chunk = readChunkSize
				}
				var err error
				if p, err = head.ReadRange(0, chunk); err != nil {
					return n, false, err
				}
			}
			if err := cb(p); err != nil {
				return n, false, err
			}
			head.advance(chunk)
			take -= chunk
			n += chunk
		}
		if head.Len() == 0 {
			if err := q.popFront().Release(); err != nil {
				return n, false, err
			}
		}
	}
	return n, false, nil
}
