package http2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlowControlWindow(t *testing.T) {
	fcw := NewFlowControlWindow(DefaultInitialWindowSize, 3)
	require.NotNil(t, fcw)
	assert.Equal(t, int64(DefaultInitialWindowSize), fcw.Available())
	assert.Equal(t, uint32(3), fcw.streamID)

	capped := NewFlowControlWindow(MaxWindowSize+10, 0)
	assert.Equal(t, int64(MaxWindowSize), capped.Available())
}

func TestFlowControlWindow_Take(t *testing.T) {
	fcw := NewFlowControlWindow(100, 1)

	n, err := fcw.Take(40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)
	assert.Equal(t, int64(60), fcw.Available())

	n, err = fcw.Take(100)
	require.NoError(t, err)
	assert.Equal(t, int64(60), n, "grant is capped at the window")
	assert.Equal(t, int64(0), fcw.Available())

	n, err = fcw.Take(10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFlowControlWindow_Increase(t *testing.T) {
	t.Run("adds increment", func(t *testing.T) {
		fcw := NewFlowControlWindow(10, 1)
		require.NoError(t, fcw.Increase(90))
		assert.Equal(t, int64(100), fcw.Available())
	})

	t.Run("zero increment on stream is protocol error", func(t *testing.T) {
		fcw := NewFlowControlWindow(10, 1)
		err := fcw.Increase(0)
		var se *StreamError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, ErrCodeProtocolError, se.Code)
	})

	t.Run("zero increment on connection is ignored", func(t *testing.T) {
		fcw := NewFlowControlWindow(10, 0)
		require.NoError(t, fcw.Increase(0))
		assert.Equal(t, int64(10), fcw.Available())
	})

	t.Run("overflow on stream", func(t *testing.T) {
		fcw := NewFlowControlWindow(MaxWindowSize, 5)
		err := fcw.Increase(1)
		var se *StreamError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, ErrCodeFlowControlError, se.Code)
		assert.Equal(t, uint32(5), se.StreamID)

		_, err = fcw.Take(1)
		assert.Error(t, err, "window is unusable after overflow")
	})

	t.Run("overflow on connection", func(t *testing.T) {
		fcw := NewFlowControlWindow(MaxWindowSize, 0)
		err := fcw.Increase(1)
		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, ErrCodeFlowControlError, ce.Code)
	})
}

func TestFlowControlWindow_UpdateInitialWindowSize(t *testing.T) {
	fcw := NewFlowControlWindow(1000, 1)
	_, err := fcw.Take(600)
	require.NoError(t, err)

	require.NoError(t, fcw.UpdateInitialWindowSize(500))
	assert.Equal(t, int64(-100), fcw.Available(), "shrinking can drive the window negative")
	n, err := fcw.Take(10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, fcw.UpdateInitialWindowSize(2000))
	assert.Equal(t, int64(1400), fcw.Available())

	conn := NewFlowControlWindow(1000, 0)
	require.NoError(t, conn.UpdateInitialWindowSize(10))
	assert.Equal(t, int64(1000), conn.Available(), "connection window ignores the setting")

	big := NewFlowControlWindow(MaxWindowSize, 2)
	big.initialWindowSize = 1
	err = big.UpdateInitialWindowSize(10)
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeFlowControlError, ce.Code)
}

func TestFlowControlWindow_Close(t *testing.T) {
	fcw := NewFlowControlWindow(100, 1)
	reason := errors.New("stream reset")
	fcw.Close(reason)
	fcw.Close(errors.New("second"))

	_, err := fcw.Take(1)
	assert.ErrorIs(t, err, reason)
	assert.ErrorIs(t, fcw.Increase(1), reason)

	plain := NewFlowControlWindow(100, 1)
	plain.Close(nil)
	_, err = plain.Take(1)
	assert.ErrorContains(t, err, "is closed")
}

func TestReceiveWindow_UpdatesAfterHalfConsumed(t *testing.T) {
	rw := NewReceiveWindow(1, 100)
	require.NoError(t, rw.Receive(80))
	assert.Equal(t, int64(20), rw.Available())

	assert.Equal(t, uint32(0), rw.Consume(30))
	assert.Equal(t, uint32(50), rw.Consume(20))
	assert.Equal(t, int64(70), rw.Available())

	assert.Equal(t, uint32(0), rw.Consume(0))
	assert.Equal(t, uint32(0), rw.Consume(-5))
}

func TestReceiveWindow_NeverExceedsAdvertisedSize(t *testing.T) {
	rw := NewReceiveWindow(1, 10)
	require.NoError(t, rw.Receive(6))
	assert.Equal(t, uint32(6), rw.Consume(8))
	assert.Equal(t, int64(10), rw.Available())
}

func TestReceiveWindow_OverReceipt(t *testing.T) {
	t.Run("stream", func(t *testing.T) {
		rw := NewReceiveWindow(7, 10)
		err := rw.Receive(11)
		var se *StreamError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, ErrCodeFlowControlError, se.Code)
		assert.Equal(t, uint32(7), se.StreamID)
		assert.Equal(t, int64(10), rw.Available(), "a rejected frame is not counted")
	})

	t.Run("connection", func(t *testing.T) {
		rw := NewReceiveWindow(0, 10)
		require.NoError(t, rw.Receive(10))
		err := rw.Receive(1)
		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, ErrCodeFlowControlError, ce.Code)
	})
}

func TestReceiveWindow_SmallWindowThreshold(t *testing.T) {
	rw := NewReceiveWindow(1, 1)
	require.NoError(t, rw.Receive(1))
	assert.Equal(t, uint32(1), rw.Consume(1))
}
