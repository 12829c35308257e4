package http2

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"example.com/h2bridge/internal/config"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/segment"
)

// ErrStreamNotFound is the cause of errors for stream ids the Mplx does not
// know, either never opened or already released.
var ErrStreamNotFound = errors.New("no such stream")

// ErrShutdown is returned by Open after Shutdown.
var ErrShutdown = errors.New("multiplexer is shut down")

// Mplx owns the body channels of one session and mediates between the
// session goroutines and the task goroutines serving its streams. All
// channels share one lock. Tasks park here when their channel reports
// ErrWouldBlock; the session never waits.
type Mplx struct {
	mu      sync.Mutex
	streams map[uint32]*mplxStream

	fileBudget     int
	streamMaxMem   int64
	inputChunkSize int64
	shutdown       bool

	ready chan struct{}

	log     *logger.Logger
	metrics *Metrics
}

type mplxStream struct {
	io *StreamIO

	// Buffered by one: a signal sent while nobody waits is kept for the
	// next waiter.
	inChanged  chan struct{}
	outDrained chan struct{}

	windowReported int64 // InputConsumed already passed to UpdateWindows
	ownedFiles     int   // FileSegmentsOwned as last accounted in fileBudget
	bytesOut       int64
	opened         time.Time
}

// StreamStatus is a snapshot of one stream as seen by the session.
type StreamStatus struct {
	Response     *Response
	Reset        bool
	ResetCode    ErrorCode
	InputClosed  bool
	OutputClosed bool
	HasOutput    bool
}

// NewMplx creates a multiplexer from cfg, which must have had defaults
// applied.
func NewMplx(cfg config.MplxConfig, lg *logger.Logger, metrics *Metrics) *Mplx {
	m := &Mplx{
		streams:        make(map[uint32]*mplxStream),
		fileBudget:     *cfg.MaxFileSegments,
		streamMaxMem:   *cfg.StreamMaxMem,
		inputChunkSize: *cfg.InputChunkSize,
		ready:          make(chan struct{}, 1),
		log:            lg,
		metrics:        metrics,
	}
	return m
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func unknownStream(id uint32) error {
	return NewStreamErrorWithCause(id, ErrCodeStreamClosed, "unknown stream", ErrStreamNotFound)
}

func (m *Mplx) lookupLocked(id uint32) (*mplxStream, error) {
	st, ok := m.streams[id]
	if !ok {
		return nil, unknownStream(id)
	}
	return st, nil
}

// syncFilesLocked returns file segments that left the stream's output to the
// shared budget.
func (m *Mplx) syncFilesLocked(st *mplxStream) {
	owned := st.io.FileSegmentsOwned()
	delta := owned - st.ownedFiles
	if delta < 0 {
		m.fileBudget -= delta
	}
	st.ownedFiles = owned
	m.metrics.fileSegments(delta)
}

// Ready is signalled whenever a stream's output, response or consumed input
// changed, i.e. when the session may have frames to write.
func (m *Mplx) Ready() <-chan struct{} { return m.ready }

// FileBudget returns how many more file segments may be buffered.
func (m *Mplx) FileBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileBudget
}

// Open creates the channel for a new stream.
func (m *Mplx) Open(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrShutdown
	}
	if _, exists := m.streams[id]; exists {
		return NewStreamError(id, ErrCodeProtocolError, "stream already open")
	}
	m.streams[id] = &mplxStream{
		io:         NewStreamIO(id, m.log),
		inChanged:  make(chan struct{}, 1),
		outDrained: make(chan struct{}, 1),
		opened:     time.Now(),
	}
	m.metrics.streamOpened()
	return nil
}

// Release destroys the channel of id and returns its file segments to the
// budget. It writes the stream's access log entry.
func (m *Mplx) Release(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return
	}
	status := 0
	if resp := st.io.Response(); resp != nil {
		status = resp.Status
	}
	rst := ""
	if code, reset := st.io.RstError(); reset {
		rst = code.String()
	}
	m.log.Access(id, status, st.io.InputConsumed(), st.bytesOut, time.Since(st.opened), rst)

	st.io.Destroy()
	m.syncFilesLocked(st)
	delete(m.streams, id)
	m.metrics.streamReleased()
}

// Streams returns the ids of all open streams in ascending order.
func (m *Mplx) Streams() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns a snapshot of stream id.
func (m *Mplx) Status(id uint32) (StreamStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return StreamStatus{}, false
	}
	code, reset := st.io.RstError()
	return StreamStatus{
		Response:     st.io.Response(),
		Reset:        reset,
		ResetCode:    code,
		InputClosed:  st.io.InputClosed(),
		OutputClosed: st.io.OutputClosed(),
		HasOutput:    st.io.OutputHasData(),
	}, true
}

// InWrite passes request body segments received on the wire to stream id.
func (m *Mplx) InWrite(id uint32, q *segment.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	err = st.io.WriteInput(q)
	notify(st.inChanged)
	return err
}

// InClose marks the end of stream id's request body.
func (m *Mplx) InClose(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	err = st.io.CloseInput()
	notify(st.inChanged)
	return err
}

// InRead moves up to maxBytes of stream id's request body onto dst, waiting
// until there is something to move, the body ended, the stream was reset or
// ctx is done. A maxBytes of zero or less reads at most the configured input
// chunk size.
func (m *Mplx) InRead(ctx context.Context, id uint32, dst *segment.Queue, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = m.inputChunkSize
	}
	for {
		m.mu.Lock()
		st, err := m.lookupLocked(id)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		before := st.io.InputConsumed()
		err = st.io.ReadInput(dst, maxBytes)
		consumed := st.io.InputConsumed() - before
		m.mu.Unlock()

		if consumed > 0 {
			m.metrics.addInput(consumed)
			notify(m.ready)
		}
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.inChanged:
		}
	}
}

// UpdateWindows calls fn for every stream whose task consumed request body
// since the last call, with the number of bytes consumed. fn runs under the
// Mplx lock and must not call back into it.
func (m *Mplx) UpdateWindows(fn func(id uint32, consumed int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.streams {
		if n := st.io.InputConsumed() - st.windowReported; n > 0 {
			st.windowReported += n
			fn(id, n)
		}
	}
}

// SetResponse attaches the response of stream id.
func (m *Mplx) SetResponse(id uint32, resp *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	_, wasReset := st.io.RstError()
	st.io.SetResponse(resp)
	if code, reset := st.io.RstError(); reset && !wasReset {
		m.metrics.streamReset(code)
		notify(st.inChanged)
	}
	notify(m.ready)
	return nil
}

// OutWrite moves q onto stream id's output, waiting while the output holds
// more than the configured per-stream maximum. It returns once q is empty,
// on error or when ctx is done. File segments are buffered by reference while
// the shared file budget lasts.
func (m *Mplx) OutWrite(ctx context.Context, id uint32, q *segment.Queue) error {
	for {
		m.mu.Lock()
		st, err := m.lookupLocked(id)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		beforeLen, beforeCount := q.Length(), q.Count()
		room := m.streamMaxMem - st.io.OutputLength()
		if room < 0 {
			room = 0
		}
		err = st.io.WriteOutput(q, room, &m.fileBudget)
		m.syncFilesLocked(st)
		progressed := q.Length() != beforeLen || q.Count() != beforeCount
		done := q.Empty()
		m.mu.Unlock()

		if progressed {
			notify(m.ready)
		}
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.outDrained:
		}
	}
}

// OutClose ends stream id's response body.
func (m *Mplx) OutClose(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	err = st.io.CloseOutput()
	notify(m.ready)
	return err
}

// OutHasData reports whether stream id has output or a reset to surface.
func (m *Mplx) OutHasData(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	return ok && st.io.OutputHasData()
}

// OutLength returns the bytes buffered in stream id's output.
func (m *Mplx) OutLength(id uint32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return 0
	}
	return st.io.OutputLength()
}

// OutReadx hands up to maxBytes of stream id's output to cb under the Mplx
// lock. See StreamIO.ReadOutput.
func (m *Mplx) OutReadx(id uint32, cb func([]byte) error, maxBytes int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return 0, false, err
	}
	n, eos, err := st.io.ReadOutput(cb, maxBytes)
	if cb != nil {
		m.afterOutReadLocked(st, n, eos)
	}
	return n, eos, err
}

// OutReadTo moves up to maxBytes of stream id's output onto dst. The caller
// can then write dst to the wire without holding the Mplx lock.
func (m *Mplx) OutReadTo(id uint32, dst *segment.Queue, maxBytes int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return 0, false, err
	}
	n, eos, err := st.io.ReadOutputTo(dst, maxBytes)
	m.afterOutReadLocked(st, n, eos)
	return n, eos, err
}

func (m *Mplx) afterOutReadLocked(st *mplxStream, n int64, eos bool) {
	m.syncFilesLocked(st)
	if n > 0 || eos {
		st.bytesOut += n
		m.metrics.addOutput(n)
		notify(st.outDrained)
	}
}

// Reset aborts stream id with code and wakes its task.
func (m *Mplx) Reset(id uint32, code ErrorCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	m.resetLocked(st, code)
	return nil
}

func (m *Mplx) resetLocked(st *mplxStream, code ErrorCode) {
	if _, already := st.io.RstError(); already {
		return
	}
	st.io.Reset(code)
	m.metrics.streamReset(code)
	notify(st.inChanged)
	notify(st.outDrained)
	notify(m.ready)
}

// Shutdown resets every open stream with CANCEL and refuses new ones.
func (m *Mplx) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}
	m.shutdown = true
	for _, st := range m.streams {
		m.resetLocked(st, ErrCodeCancel)
	}
	if len(m.streams) > 0 {
		m.log.Debug("Multiplexer shut down", logger.LogFields{"streams": len(m.streams)})
	}
}
