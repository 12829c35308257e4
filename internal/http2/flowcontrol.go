package http2

import (
	"fmt"
	"sync"
)

// MaxWindowSize is the maximum value a flow control window can reach (2^31 - 1).
const MaxWindowSize = (1 << 31) - 1

// DefaultInitialWindowSize is the window every stream and the connection
// start with before SETTINGS say otherwise.
const DefaultInitialWindowSize = 65535

func flowControlError(streamID uint32, msg string) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeFlowControlError, msg)
	}
	return NewStreamError(streamID, ErrCodeFlowControlError, msg)
}

// FlowControlWindow tracks how much DATA this endpoint may still send on a
// stream or, with streamID 0, on the connection. The session's reader raises
// it on WINDOW_UPDATE and its writer takes from it; neither ever waits.
type FlowControlWindow struct {
	mu sync.Mutex

	available         int64
	initialWindowSize uint32
	streamID          uint32 // 0 for the connection

	err error // terminal, set on overflow or Close
}

// NewFlowControlWindow creates a send window of initialSize for streamID.
func NewFlowControlWindow(initialSize uint32, streamID uint32) *FlowControlWindow {
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	return &FlowControlWindow{
		available:         int64(initialSize),
		initialWindowSize: initialSize,
		streamID:          streamID,
	}
}

// Available returns the current send window. It can be negative after the
// peer shrank SETTINGS_INITIAL_WINDOW_SIZE.
func (fcw *FlowControlWindow) Available() int64 {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	return fcw.available
}

// Take consumes up to n bytes of window and returns how many were granted,
// possibly zero.
func (fcw *FlowControlWindow) Take(n int64) (int64, error) {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.err != nil {
		return 0, fcw.err
	}
	if n > fcw.available {
		n = fcw.available
	}
	if n <= 0 {
		return 0, nil
	}
	fcw.available -= n
	return n, nil
}

// Increase applies a WINDOW_UPDATE increment from the peer.
func (fcw *FlowControlWindow) Increase(increment uint32) error {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.err != nil {
		return fcw.err
	}
	if increment == 0 {
		if fcw.streamID != 0 {
			return NewStreamError(fcw.streamID, ErrCodeProtocolError, "WINDOW_UPDATE increment cannot be 0 for a stream")
		}
		return nil
	}
	newSize := fcw.available + int64(increment)
	if newSize > MaxWindowSize {
		fcw.err = flowControlError(fcw.streamID, fmt.Sprintf("flow control window (stream: %d) would overflow: current %d + increment %d = %d > max %d",
			fcw.streamID, fcw.available, increment, newSize, MaxWindowSize))
		return fcw.err
	}
	fcw.available = newSize
	return nil
}

// UpdateInitialWindowSize applies a changed SETTINGS_INITIAL_WINDOW_SIZE to a
// stream window. The connection window is unaffected by that setting.
func (fcw *FlowControlWindow) UpdateInitialWindowSize(newInitialSize uint32) error {
	if fcw.streamID == 0 {
		return nil
	}
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.err != nil {
		return fcw.err
	}
	if newInitialSize > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError, fmt.Sprintf("SETTINGS_INITIAL_WINDOW_SIZE %d exceeds MaxWindowSize %d", newInitialSize, MaxWindowSize))
	}
	delta := int64(newInitialSize) - int64(fcw.initialWindowSize)
	newAvailable := fcw.available + delta
	if newAvailable > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError, fmt.Sprintf("applying SETTINGS_INITIAL_WINDOW_SIZE delta %d to stream %d window (current %d) would exceed max %d",
			delta, fcw.streamID, fcw.available, MaxWindowSize))
	}
	fcw.available = newAvailable
	fcw.initialWindowSize = newInitialSize
	return nil
}

// Close makes every later call fail with err.
func (fcw *FlowControlWindow) Close(err error) {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.err == nil {
		if err == nil {
			err = fmt.Errorf("flow control window (stream: %d) is closed", fcw.streamID)
		}
		fcw.err = err
	}
}

// ReceiveWindow tracks DATA received from the peer against the window this
// endpoint advertised, and decides when to return consumed bytes to the peer
// with WINDOW_UPDATE.
type ReceiveWindow struct {
	mu sync.Mutex

	streamID  uint32 // 0 for the connection
	size      int64  // advertised window
	available int64  // what the peer may still send
	pending   int64  // consumed but not yet returned
	threshold int64
}

// NewReceiveWindow creates a receive window of size for streamID. Updates are
// sent once half the window has been consumed.
func NewReceiveWindow(streamID uint32, size uint32) *ReceiveWindow {
	if size > MaxWindowSize {
		size = MaxWindowSize
	}
	threshold := int64(size) / 2
	if threshold == 0 && size > 0 {
		threshold = 1
	}
	return &ReceiveWindow{
		streamID:  streamID,
		size:      int64(size),
		available: int64(size),
		threshold: threshold,
	}
}

// Receive accounts for n bytes of DATA payload, padding included. Receiving
// more than the window allows is a flow control error.
func (rw *ReceiveWindow) Receive(n uint32) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if int64(n) > rw.available {
		return flowControlError(rw.streamID, fmt.Sprintf("received %d bytes with only %d bytes of window (stream: %d)", n, rw.available, rw.streamID))
	}
	rw.available -= int64(n)
	return nil
}

// Consume records that n received bytes were taken off our hands and returns
// the WINDOW_UPDATE increment to send, or 0 if none is due yet.
func (rw *ReceiveWindow) Consume(n int64) uint32 {
	if n <= 0 {
		return 0
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.pending += n
	if rw.pending < rw.threshold {
		return 0
	}
	inc := rw.pending
	if rw.available+inc > rw.size {
		inc = rw.size - rw.available
	}
	rw.pending = 0
	if inc <= 0 {
		return 0
	}
	rw.available += inc
	return uint32(inc)
}

// Available returns how many bytes the peer may still send.
func (rw *ReceiveWindow) Available() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.available
}
