// Package session runs the server side of an HTTP/2 connection on top of an
// http2.Mplx: it reads frames, feeds request bodies into stream channels,
// runs one task per stream and writes what the tasks produce back out.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"example.com/h2bridge/internal/config"
	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/segment"
)

// initialMaxFrameSize is SETTINGS_MAX_FRAME_SIZE until the peer says
// otherwise.
const initialMaxFrameSize = 16384

// Handler serves one stream. A returned error resets the stream with the
// code ResetCode derives from it; returning nil ends the response body.
type Handler func(ctx context.Context, t *Task) error

// Session is the server end of one connection.
type Session struct {
	conn    net.Conn
	fr      *http2.Framer
	cfg     config.SessionConfig
	mplx    *h2.Mplx
	handler Handler
	log     *logger.Logger

	idleTimeout time.Duration

	// Reader goroutine only.
	dec          *h2.HeaderDecoder
	hdrStream    uint32
	hdrEndStream bool

	lastStreamID atomic.Uint32
	goAwaySent   atomic.Bool

	// Writer goroutine only.
	enc          *h2.HeaderEncoder
	peerMaxFrame uint32

	connRecv *h2.ReceiveWindow
	connSend *h2.FlowControlWindow

	mu                sync.Mutex
	streams           map[uint32]*streamState
	control           []func() error
	peerInitialWindow uint32

	wake  chan struct{}
	tasks errgroup.Group

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

type streamState struct {
	recv *h2.ReceiveWindow
	send *h2.FlowControlWindow

	// Writer goroutine only.
	headersSent bool
	localDone   bool
	filter      outputFilter

	// Guarded by Session.mu.
	peerReset bool
	taskDone  bool
}

// New creates a session serving conn. cfg must have had defaults applied.
func New(conn net.Conn, cfg config.SessionConfig, mplx *h2.Mplx, handler Handler, lg *logger.Logger) (*Session, error) {
	idle, err := config.ParseDuration(*cfg.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s := &Session{
		conn:              conn,
		fr:                http2.NewFramer(conn, conn),
		cfg:               cfg,
		mplx:              mplx,
		handler:           handler,
		log:               lg.With(logger.LogFields{"component": "session", "remote": conn.RemoteAddr().String()}),
		idleTimeout:       idle,
		dec:               h2.NewHeaderDecoder(4096),
		enc:               h2.NewHeaderEncoder(4096),
		peerMaxFrame:      initialMaxFrameSize,
		connRecv:          h2.NewReceiveWindow(0, h2.DefaultInitialWindowSize),
		connSend:          h2.NewFlowControlWindow(h2.DefaultInitialWindowSize, 0),
		streams:           make(map[uint32]*streamState),
		peerInitialWindow: h2.DefaultInitialWindowSize,
		wake:              make(chan struct{}, 1),
	}
	s.fr.SetMaxReadFrameSize(*cfg.MaxFrameSize)
	s.dec.SetMaxStringLength(int(*cfg.MaxFrameSize))
	return s, nil
}

// Serve runs the session until the peer goes away, the connection fails or
// ctx is done. Every stream still open at that point is reset and its task
// waited for.
func (s *Session) Serve(ctx context.Context) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()
	writerDone := make(chan struct{})

	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		defer close(writerDone)
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.mplx.Shutdown()
		<-writerDone
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()
	_ = s.tasks.Wait()
	for _, id := range s.mplx.Streams() {
		s.mplx.Release(id)
	}

	fields := logger.LogFields{
		"duration":  time.Since(start).String(),
		"bytes_in":  humanize.Bytes(uint64(s.bytesIn.Load())),
		"bytes_out": humanize.Bytes(uint64(s.bytesOut.Load())),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.log.Warn("Session closed with error", fields)
		return err
	}
	s.log.Info("Session closed", fields)
	return nil
}

func (s *Session) notifyWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue schedules fn to run on the writer goroutine, which owns the
// framer's write side.
func (s *Session) enqueue(fn func() error) {
	s.mu.Lock()
	s.control = append(s.control, fn)
	s.mu.Unlock()
	s.notifyWriter()
}

func (s *Session) stream(id uint32) *streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *Session) readLoop(ctx context.Context) error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(s.conn, preface); err != nil {
		return s.readError(ctx, fmt.Errorf("failed to read client preface: %w", err))
	}
	if !bytes.Equal(preface, []byte(http2.ClientPreface)) {
		return s.goAway(h2.NewConnectionError(h2.ErrCodeProtocolError, "invalid client preface"))
	}

	for {
		s.armIdleTimer()
		f, err := s.fr.ReadFrame()
		if err != nil {
			if os.IsTimeout(err) {
				s.log.Info("Closing idle session", logger.LogFields{"idle_timeout": s.idleTimeout.String()})
				return s.goAway(h2.NewConnectionError(h2.ErrCodeNoError, "idle timeout"))
			}
			var se http2.StreamError
			if errors.As(err, &se) {
				s.resetStream(se.StreamID, h2.ErrorCode(se.Code))
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				return s.goAway(h2.NewConnectionErrorWithCause(h2.ErrorCode(ce), "frame read failed", err))
			}
			return s.readError(ctx, err)
		}
		if err := s.processFrame(ctx, f); err != nil {
			var ce *h2.ConnectionError
			if errors.As(err, &ce) {
				return s.goAway(ce)
			}
			return err
		}
	}
}

// readError turns the end of the connection into a clean return.
func (s *Session) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil || isClosedConn(err) {
		return nil
	}
	return err
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func (s *Session) armIdleTimer() {
	if s.idleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	idle := len(s.streams) == 0
	s.mu.Unlock()
	if idle {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

// goAway sends GOAWAY for ce and ends the session. An error code other than
// NO_ERROR is returned as the session's error.
func (s *Session) goAway(ce *h2.ConnectionError) error {
	last := s.lastStreamID.Load()
	s.enqueue(func() error {
		s.goAwaySent.Store(true)
		return s.fr.WriteGoAway(last, wireCode(ce.Code), ce.DebugData)
	})
	if ce.Code == h2.ErrCodeNoError {
		return nil
	}
	ce.LastStreamID = last
	return ce
}

func (s *Session) processFrame(ctx context.Context, f http2.Frame) error {
	if s.hdrStream != 0 {
		if cf, ok := f.(*http2.ContinuationFrame); ok && cf.StreamID == s.hdrStream {
			return s.headerFragment(ctx, cf.StreamID, cf.HeaderBlockFragment(), cf.HeadersEnded())
		}
		return h2.NewConnectionError(h2.ErrCodeProtocolError, "expected CONTINUATION frame")
	}

	switch f := f.(type) {
	case *http2.HeadersFrame:
		s.hdrStream = f.StreamID
		s.hdrEndStream = f.StreamEnded()
		return s.headerFragment(ctx, f.StreamID, f.HeaderBlockFragment(), f.HeadersEnded())
	case *http2.ContinuationFrame:
		return h2.NewConnectionError(h2.ErrCodeProtocolError, "unexpected CONTINUATION frame")
	case *http2.DataFrame:
		return s.processData(f)
	case *http2.RSTStreamFrame:
		if st := s.stream(f.StreamID); st != nil {
			s.mu.Lock()
			st.peerReset = true
			s.mu.Unlock()
			_ = s.mplx.Reset(f.StreamID, h2.ErrorCode(f.ErrCode))
		}
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		return s.processSettings(f)
	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			if err := s.connSend.Increase(f.Increment); err != nil {
				var ce *h2.ConnectionError
				if errors.As(err, &ce) {
					return ce
				}
				return h2.NewConnectionErrorWithCause(h2.ErrCodeFlowControlError, "connection window update failed", err)
			}
		} else if st := s.stream(f.StreamID); st != nil {
			if err := st.send.Increase(f.Increment); err != nil {
				s.resetStream(f.StreamID, h2.ResetCode(err))
			}
		}
		s.notifyWriter()
	case *http2.PingFrame:
		if !f.IsAck() {
			data := f.Data
			s.enqueue(func() error { return s.fr.WritePing(true, data) })
		}
	case *http2.GoAwayFrame:
		s.log.Debug("Peer sent GOAWAY", logger.LogFields{"last_stream_id": f.LastStreamID, "code": f.ErrCode.String()})
	case *http2.PriorityFrame:
		// Scheduling is by stream id; priorities are ignored.
	default:
		s.log.Debug("Ignoring frame", logger.LogFields{"type": f.Header().Type.String()})
	}
	return nil
}

func (s *Session) processSettings(f *http2.SettingsFrame) error {
	var maxFrame, tableSize, initialWindow *uint32
	err := f.ForeachSetting(func(setting http2.Setting) error {
		if err := setting.Valid(); err != nil {
			return err
		}
		v := setting.Val
		switch setting.ID {
		case http2.SettingMaxFrameSize:
			maxFrame = &v
		case http2.SettingHeaderTableSize:
			tableSize = &v
		case http2.SettingInitialWindowSize:
			initialWindow = &v
		}
		return nil
	})
	if err != nil {
		return h2.NewConnectionErrorWithCause(h2.ErrCodeProtocolError, "invalid SETTINGS", err)
	}

	var windows []*h2.FlowControlWindow
	if initialWindow != nil {
		s.mu.Lock()
		s.peerInitialWindow = *initialWindow
		for _, st := range s.streams {
			windows = append(windows, st.send)
		}
		s.mu.Unlock()
	}
	s.enqueue(func() error {
		if maxFrame != nil {
			s.peerMaxFrame = *maxFrame
		}
		if tableSize != nil {
			s.enc.SetMaxDynamicTableSize(*tableSize)
		}
		if initialWindow != nil {
			for _, w := range windows {
				if err := w.UpdateInitialWindowSize(*initialWindow); err != nil {
					return err
				}
			}
		}
		return s.fr.WriteSettingsAck()
	})
	return nil
}

func (s *Session) headerFragment(ctx context.Context, id uint32, frag []byte, ended bool) error {
	if err := s.dec.DecodeFragment(frag); err != nil {
		return h2.NewConnectionErrorWithCause(h2.ErrCodeCompressionError, "header decoding failed", err)
	}
	if !ended {
		return nil
	}
	fields, err := s.dec.Finish()
	s.hdrStream = 0
	if err != nil {
		return h2.NewConnectionErrorWithCause(h2.ErrCodeCompressionError, "header decoding failed", err)
	}

	if st := s.stream(id); st != nil {
		// Trailers of an open request.
		if s.hdrEndStream {
			_ = s.mplx.InClose(id)
		}
		return nil
	}
	if id%2 == 0 || id <= s.lastStreamID.Load() {
		return h2.NewConnectionError(h2.ErrCodeProtocolError, fmt.Sprintf("HEADERS on invalid stream %d", id))
	}
	s.lastStreamID.Store(id)
	return s.openStream(ctx, id, fields, s.hdrEndStream)
}

func (s *Session) openStream(ctx context.Context, id uint32, fields []hpack.HeaderField, endStream bool) error {
	method, err := h2.PseudoValue(fields, ":method")
	if err != nil {
		s.resetStream(id, h2.ErrCodeProtocolError)
		return nil
	}
	path, _ := h2.PseudoValue(fields, ":path")

	s.mu.Lock()
	if uint32(len(s.streams)) >= *s.cfg.MaxConcurrentStreams {
		s.mu.Unlock()
		s.resetStream(id, h2.ErrCodeRefusedStream)
		return nil
	}
	st := &streamState{
		recv: h2.NewReceiveWindow(id, *s.cfg.InitialWindowSize),
		send: h2.NewFlowControlWindow(s.peerInitialWindow, id),
	}
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.mplx.Open(id); err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		s.resetStream(id, h2.ErrCodeRefusedStream)
		return nil
	}
	if endStream {
		_ = s.mplx.InClose(id)
	}

	t := &Task{id: id, method: method, path: path, headers: fields, mplx: s.mplx, log: s.log.With(logger.LogFields{"stream_id": id})}
	s.tasks.Go(func() error {
		s.runTask(ctx, t, st)
		return nil
	})
	return nil
}

func (s *Session) runTask(ctx context.Context, t *Task, st *streamState) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Panic in stream handler", logger.LogFields{
				"panic_val": fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			_ = s.mplx.Reset(t.id, h2.ErrCodeInternalError)
		}
		s.mu.Lock()
		st.taskDone = true
		s.mu.Unlock()
		s.notifyWriter()
	}()

	if err := s.handler(ctx, t); err != nil {
		if !errors.Is(err, h2.ErrAborted) {
			t.log.Warn("Stream handler failed", logger.LogFields{"error": err.Error()})
		}
		_ = s.mplx.Reset(t.id, h2.ResetCode(err))
		return
	}
	if err := t.Close(); err != nil && !errors.Is(err, h2.ErrAborted) {
		t.log.Warn("Failed to finish response", logger.LogFields{"error": err.Error()})
	}
}

// resetStream aborts id locally; the writer sends RST_STREAM. Streams that
// were never opened get the frame directly.
func (s *Session) resetStream(id uint32, code h2.ErrorCode) {
	if s.stream(id) != nil && s.mplx.Reset(id, code) == nil {
		return
	}
	s.enqueue(func() error { return s.fr.WriteRSTStream(id, wireCode(code)) })
}

func (s *Session) processData(f *http2.DataFrame) error {
	id := f.StreamID
	n := f.Header().Length
	if err := s.connRecv.Receive(n); err != nil {
		var ce *h2.ConnectionError
		if errors.As(err, &ce) {
			return ce
		}
		return err
	}
	s.bytesIn.Add(int64(n))
	data := f.Data()
	unused := int64(n) - int64(len(data))

	st := s.stream(id)
	if st == nil {
		if id > s.lastStreamID.Load() {
			return h2.NewConnectionError(h2.ErrCodeProtocolError, fmt.Sprintf("DATA on idle stream %d", id))
		}
		s.returnConnWindow(int64(n))
		return nil
	}
	if err := st.recv.Receive(n); err != nil {
		s.resetStream(id, h2.ResetCode(err))
		s.returnConnWindow(int64(n))
		return nil
	}
	if len(data) > 0 {
		p := make([]byte, len(data))
		copy(p, data)
		if err := s.mplx.InWrite(id, segment.NewQueue(segment.Bytes(p))); err != nil {
			if errors.Is(err, h2.ErrAlreadyClosed) {
				s.resetStream(id, h2.ErrCodeStreamClosed)
			}
			unused = int64(n)
		}
	}
	if unused > 0 {
		s.returnConnWindow(unused)
		if inc := st.recv.Consume(unused); inc > 0 {
			s.enqueue(func() error { return s.fr.WriteWindowUpdate(id, inc) })
		}
	}
	if f.StreamEnded() {
		_ = s.mplx.InClose(id)
	}
	return nil
}

// returnConnWindow consumes n bytes that no task will read.
func (s *Session) returnConnWindow(n int64) {
	if inc := s.connRecv.Consume(n); inc > 0 {
		s.enqueue(func() error { return s.fr.WriteWindowUpdate(0, inc) })
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	err := s.writeFrames(ctx)
	if isClosedConn(err) {
		// The peer hung up; the reader reports that.
		return nil
	}
	return err
}

func (s *Session) writeFrames(ctx context.Context) error {
	settings := []http2.Setting{
		{ID: http2.SettingMaxFrameSize, Val: *s.cfg.MaxFrameSize},
		{ID: http2.SettingInitialWindowSize, Val: *s.cfg.InitialWindowSize},
		{ID: http2.SettingMaxConcurrentStreams, Val: *s.cfg.MaxConcurrentStreams},
	}
	if err := s.fr.WriteSettings(settings...); err != nil {
		return fmt.Errorf("failed to write SETTINGS: %w", err)
	}
	for {
		if err := s.flushControl(); err != nil {
			return err
		}
		if err := s.writeStreams(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			// Best effort: the peer learns which streams were processed.
			_ = s.flushControl()
			if !s.goAwaySent.Load() {
				_ = s.fr.WriteGoAway(s.lastStreamID.Load(), http2.ErrCodeNo, nil)
			}
			return nil
		case <-s.wake:
		case <-s.mplx.Ready():
		}
	}
}

func (s *Session) flushControl() error {
	s.mu.Lock()
	control := s.control
	s.control = nil
	s.mu.Unlock()
	for _, fn := range control {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

type windowUpdate struct {
	id  uint32
	inc uint32
}

func (s *Session) writeStreams() error {
	for _, id := range s.mplx.Streams() {
		if err := s.writeStream(id); err != nil {
			return err
		}
	}

	var updates []windowUpdate
	s.mplx.UpdateWindows(func(id uint32, n int64) {
		if st := s.stream(id); st != nil {
			if inc := st.recv.Consume(n); inc > 0 {
				updates = append(updates, windowUpdate{id, inc})
			}
		}
		if inc := s.connRecv.Consume(n); inc > 0 {
			updates = append(updates, windowUpdate{0, inc})
		}
	})
	for _, u := range updates {
		if err := s.fr.WriteWindowUpdate(u.id, u.inc); err != nil {
			return fmt.Errorf("failed to write WINDOW_UPDATE: %w", err)
		}
	}
	return nil
}

func (s *Session) writeStream(id uint32) error {
	st := s.stream(id)
	status, ok := s.mplx.Status(id)
	if st == nil || !ok {
		return nil
	}

	if !st.localDone {
		var err error
		switch {
		case status.Reset:
			st.localDone = true
			s.mu.Lock()
			peerReset := st.peerReset
			s.mu.Unlock()
			if !peerReset {
				err = s.fr.WriteRSTStream(id, wireCode(status.ResetCode))
			}
		case status.Response != nil:
			err = s.writeResponse(id, st, status.Response)
		}
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	release := st.localDone && st.taskDone
	if release {
		delete(s.streams, id)
	}
	s.mu.Unlock()
	if release {
		st.send.Close(nil)
		s.mplx.Release(id)
	}
	return nil
}

func (s *Session) writeResponse(id uint32, st *streamState, resp *h2.Response) error {
	if !st.headersSent {
		filter, ok := lookupFilter(resp.FilterOverride)
		if !ok {
			s.log.Warn("Unknown output filter, using the default", logger.LogFields{"stream_id": id, "filter": resp.FilterOverride})
		}
		st.filter = filter
		block, err := resp.HeaderBlock(s.enc)
		if err != nil {
			s.log.Error("Invalid response", logger.LogFields{"stream_id": id, "error": err.Error()})
			return s.mplx.Reset(id, h2.ErrCodeInternalError)
		}
		// A response whose body is already known to be empty ends with its
		// headers.
		n, eos, perr := s.mplx.OutReadx(id, nil, 0)
		endStream := perr == nil && n == 0 && eos && len(resp.Trailers) == 0
		if err := writeHeaderBlock(s.fr, id, block, endStream, int(s.peerMaxFrame)); err != nil {
			return err
		}
		st.headersSent = true
		if endStream {
			_, _, _ = s.mplx.OutReadTo(id, &segment.Queue{}, 0)
			st.localDone = true
			return nil
		}
	}

	for {
		grant := int64(s.peerMaxFrame)
		if a := s.connSend.Available(); a < grant {
			grant = a
		}
		if a := st.send.Available(); a < grant {
			grant = a
		}
		if grant < 0 {
			grant = 0
		}

		data, n, eos, err := st.filter(s.mplx, id, grant)
		if err != nil {
			switch {
			case errors.Is(err, h2.ErrWouldBlock) || errors.Is(err, h2.ErrAborted):
				return nil
			case errors.Is(err, errBodyRead):
				s.log.Error("Failed to read response body", logger.LogFields{"stream_id": id, "error": err.Error()})
				return s.mplx.Reset(id, h2.ErrCodeInternalError)
			}
			return err
		}
		if _, err := s.connSend.Take(n); err != nil {
			return err
		}
		if _, err := st.send.Take(n); err != nil {
			return s.mplx.Reset(id, h2.ResetCode(err))
		}

		trailers := eos && len(resp.Trailers) > 0
		if n > 0 || (eos && !trailers) {
			if err := s.fr.WriteData(id, eos && !trailers, data); err != nil {
				return fmt.Errorf("failed to write DATA for stream %d: %w", id, err)
			}
			s.bytesOut.Add(n)
		}
		if trailers {
			block, err := resp.TrailerBlock(s.enc)
			if err != nil {
				return s.fr.WriteRSTStream(id, wireCode(h2.ErrCodeInternalError))
			}
			if err := writeHeaderBlock(s.fr, id, block, true, int(s.peerMaxFrame)); err != nil {
				return err
			}
		}
		if eos {
			st.localDone = true
			return nil
		}
		if n == 0 {
			return nil
		}
	}
}
