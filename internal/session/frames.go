package session

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/segment"
)

// writeHeaderBlock writes block as a HEADERS frame followed by as many
// CONTINUATION frames as maxFrame requires.
func writeHeaderBlock(fr *http2.Framer, id uint32, block []byte, endStream bool, maxFrame int) error {
	first := block
	if len(first) > maxFrame {
		first = block[:maxFrame]
	}
	rest := block[len(first):]
	err := fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	})
	if err != nil {
		return fmt.Errorf("failed to write HEADERS for stream %d: %w", id, err)
	}
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFrame {
			chunk = rest[:maxFrame]
		}
		rest = rest[len(chunk):]
		if err := fr.WriteContinuation(id, len(rest) == 0, chunk); err != nil {
			return fmt.Errorf("failed to write CONTINUATION for stream %d: %w", id, err)
		}
	}
	return nil
}

// queueBytes copies the body bytes of q into one slice and releases q.
func queueBytes(q *segment.Queue) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(q.Length()))
	_, _, err := q.Readx(func(p []byte) error {
		buf.Write(p)
		return nil
	}, segment.Unlimited)
	if rerr := q.Release(); err == nil {
		err = rerr
	}
	return buf.Bytes(), err
}

// wireCode converts between the two error code types of the package and the
// x/net framer.
func wireCode(code h2.ErrorCode) http2.ErrCode { return http2.ErrCode(code) }
