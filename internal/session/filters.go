package session

import (
	"bytes"
	"errors"
	"fmt"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/segment"
)

// Output filters a response can select with Response.FilterOverride.
const (
	// FilterSegments moves buffered segments out of the channel and reads
	// them, file ranges included, after the Mplx lock is released. It is the
	// default.
	FilterSegments = "segments"
	// FilterCopy copies the bytes straight out of the channel while holding
	// the Mplx lock.
	FilterCopy = "copy"
)

// outputFilter takes up to grant bytes of stream id's output as the payload of
// one DATA frame.
type outputFilter func(m *h2.Mplx, id uint32, grant int64) (data []byte, n int64, eos bool, err error)

var outputFilters = map[string]outputFilter{
	"":             segmentFilter,
	FilterSegments: segmentFilter,
	FilterCopy:     copyFilter,
}

// errBodyRead marks a failure to read buffered body bytes. It resets the
// stream rather than the session.
var errBodyRead = errors.New("failed to read response body")

func lookupFilter(name string) (outputFilter, bool) {
	f, ok := outputFilters[name]
	if !ok {
		return segmentFilter, false
	}
	return f, true
}

func segmentFilter(m *h2.Mplx, id uint32, grant int64) ([]byte, int64, bool, error) {
	dst := &segment.Queue{}
	n, eos, err := m.OutReadTo(id, dst, grant)
	if err != nil {
		_ = dst.Release()
		return nil, n, false, err
	}
	data, err := queueBytes(dst)
	if err != nil {
		return nil, n, false, fmt.Errorf("%w: %v", errBodyRead, err)
	}
	return data, n, eos, nil
}

func copyFilter(m *h2.Mplx, id uint32, grant int64) ([]byte, int64, bool, error) {
	var buf bytes.Buffer
	n, eos, err := m.OutReadx(id, func(p []byte) error {
		buf.Write(p)
		return nil
	}, grant)
	if err != nil {
		if errors.Is(err, h2.ErrWouldBlock) || errors.Is(err, h2.ErrAborted) {
			return nil, n, false, err
		}
		return nil, n, false, fmt.Errorf("%w: %v", errBodyRead, err)
	}
	return buf.Bytes(), n, eos, nil
}
