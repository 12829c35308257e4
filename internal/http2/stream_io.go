package http2

import (
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/segment"
)

// StreamIO is the body channel of one stream. The session writes request body
// data into its input and reads response body data from its output; the task
// serving the stream does the reverse. Each direction carries its own
// end-of-stream state, and a reset aborts both.
//
// StreamIO never blocks and does no locking. When nothing can be done it
// returns ErrWouldBlock, and the owner (see Mplx) decides whether to wait.
// Calls must be serialized by the owner.
type StreamIO struct {
	id uint32

	// nil until first used. An absent queue reads differently from an
	// empty one only in how it is reported, never in what is delivered.
	input  *segment.Queue
	output *segment.Queue

	rstError     *ErrorCode
	inputClosed  bool
	outputClosed bool // the reader consumed the output's end-of-stream marker

	inputConsumed     int64
	fileSegmentsOwned int

	response  *Response
	destroyed bool

	log *logger.Logger
}

// NewStreamIO creates the channel for stream id. Both queues start absent.
func NewStreamIO(id uint32, lg *logger.Logger) *StreamIO {
	return &StreamIO{
		id:  id,
		log: lg.With(logger.LogFields{"stream_id": id}),
	}
}

func (s *StreamIO) mustBeLive() {
	if s.destroyed {
		panic("http2: use of destroyed StreamIO")
	}
}

func (s *StreamIO) aborted() error {
	return abortedError(s.id, *s.rstError)
}

// Destroy releases both queues, closing any files only they referenced.
// The channel must not be used afterwards.
func (s *StreamIO) Destroy() {
	s.mustBeLive()
	for _, q := range []*segment.Queue{s.input, s.output} {
		if q == nil {
			continue
		}
		if err := q.Release(); err != nil {
			s.log.Warn("Failed to release stream buffers", logger.LogFields{"error": err.Error()})
		}
	}
	s.input, s.output = nil, nil
	s.fileSegmentsOwned = 0
	s.destroyed = true
}

// Reset aborts the stream with code. Only the first reset counts. Buffered
// output is kept until Destroy but is never delivered.
func (s *StreamIO) Reset(code ErrorCode) {
	s.mustBeLive()
	if s.rstError != nil {
		return
	}
	s.rstError = &code
	s.inputClosed = true
	s.log.Debug("Stream reset", logger.LogFields{"code": code.String()})
}

// SetResponse attaches a copy of resp. A response with a non-zero RstError
// resets the stream. Attaching twice is a programming error.
func (s *StreamIO) SetResponse(resp *Response) {
	s.mustBeLive()
	if s.response != nil {
		panic("http2: response already set on stream")
	}
	s.response = resp.Copy()
	if s.response.RstError != ErrCodeNoError {
		s.Reset(s.response.RstError)
	}
}

// WriteInput appends the segments of q to the input. An end-of-stream marker
// in q closes the input. q is left empty.
func (s *StreamIO) WriteInput(q *segment.Queue) error {
	s.mustBeLive()
	if s.rstError != nil {
		return s.aborted()
	}
	if s.inputClosed {
		return closedError(s.id, "input")
	}
	if q == nil || q.Empty() {
		return nil
	}
	if s.input == nil {
		s.input = &segment.Queue{}
	}
	st, err := segment.Move(s.input, q, segment.Unlimited, nil)
	if err != nil {
		return err
	}
	if st.EOS {
		s.inputClosed = true
		if !q.Empty() {
			// Nothing may follow the end of a stream.
			if err := q.Release(); err != nil {
				s.log.Warn("Failed to release input after end of stream", logger.LogFields{"error": err.Error()})
			}
		}
	}
	return nil
}

// CloseInput marks the end of the request body. Once reset, it reports the
// abort and changes nothing.
func (s *StreamIO) CloseInput() error {
	s.mustBeLive()
	if s.rstError != nil {
		return s.aborted()
	}
	if s.inputClosed {
		return nil
	}
	if s.input == nil {
		s.input = &segment.Queue{}
	}
	s.input.Push(segment.EOS())
	s.inputClosed = true
	return nil
}

// ReadInput moves up to maxBytes of request body, and the end-of-stream
// marker if it is reached, onto dst. It returns ErrEndOfStream once the
// input has been fully read and ErrWouldBlock when nothing is buffered yet.
func (s *StreamIO) ReadInput(dst *segment.Queue, maxBytes int64) error {
	s.mustBeLive()
	if s.rstError != nil {
		return s.aborted()
	}
	if s.input == nil || s.input.Empty() {
		if s.inputClosed {
			return ErrEndOfStream
		}
		return ErrWouldBlock
	}
	st, err := segment.Move(dst, s.input, maxBytes, nil)
	s.inputConsumed += st.Bytes
	if err != nil {
		return err
	}
	if st.Segments == 0 {
		return ErrWouldBlock
	}
	return nil
}

// WriteOutput moves up to maxBytes of q onto the output. File segments are
// taken by reference while *fileBudget is positive, each one decrementing it;
// past that their bytes are copied into memory. Whatever does not fit stays
// in q for a later call.
//
// Once the output end-of-stream has been delivered, a batch carrying data is
// rejected with ErrAlreadyClosed and an empty one is accepted. Either way q is
// released.
func (s *StreamIO) WriteOutput(q *segment.Queue, maxBytes int64, fileBudget *int) error {
	s.mustBeLive()
	if s.rstError != nil {
		return s.aborted()
	}
	if s.outputClosed {
		if q == nil {
			return nil
		}
		hasData := q.Length() > 0
		if err := q.Release(); err != nil {
			s.log.Warn("Failed to release late output", logger.LogFields{"error": err.Error()})
		}
		if hasData {
			return closedError(s.id, "output")
		}
		return nil
	}
	if q == nil || q.Empty() {
		return nil
	}
	if s.output == nil {
		s.output = &segment.Queue{}
	}
	st, err := segment.Move(s.output, q, maxBytes, fileBudget)
	s.fileSegmentsOwned += st.Files
	return err
}

// CloseOutput appends the end-of-stream marker to the output unless it is
// already there. Once reset, it reports the abort and changes nothing.
func (s *StreamIO) CloseOutput() error {
	s.mustBeLive()
	if s.rstError != nil {
		return s.aborted()
	}
	if s.outputClosed {
		return nil
	}
	if s.output == nil {
		s.output = &segment.Queue{}
	}
	if !s.output.TailIsEOS() {
		s.output.Push(segment.EOS())
	}
	return nil
}

// OutputHasData reports whether the session has something to do for this
// stream's output: data or an end-of-stream marker to send, or a reset to
// surface.
func (s *StreamIO) OutputHasData() bool {
	s.mustBeLive()
	if s.rstError != nil {
		return true
	}
	return s.output != nil && s.output.HasDataOrEOS()
}

// OutputLength returns the number of body bytes buffered in the output.
func (s *StreamIO) OutputLength() int64 {
	s.mustBeLive()
	if s.output == nil {
		return 0
	}
	return s.output.Length()
}

// ReadOutput hands up to maxBytes of buffered response body to cb and reports
// the number of bytes delivered and whether the end of the stream was
// reached. With a nil cb it only reports what would be delivered.
func (s *StreamIO) ReadOutput(cb func([]byte) error, maxBytes int64) (int64, bool, error) {
	s.mustBeLive()
	if s.rstError != nil {
		return 0, false, s.aborted()
	}
	if s.outputClosed {
		return 0, true, nil
	}
	if s.output == nil {
		return 0, false, ErrWouldBlock
	}
	if cb == nil {
		n, eos := s.output.Avail(maxBytes)
		if n == 0 && !eos {
			return 0, false, ErrWouldBlock
		}
		return n, eos, nil
	}

	files := s.output.FileCount()
	n, eos, err := s.output.Readx(cb, maxBytes)
	s.fileSegmentsOwned -= files - s.output.FileCount()
	if err != nil {
		return n, false, err
	}
	if n == 0 && !eos {
		return 0, false, ErrWouldBlock
	}
	if eos {
		s.latchOutputClosed()
	}
	return n, eos, nil
}

// ReadOutputTo is ReadOutput moving segments onto dst instead of copying
// bytes out. File segments keep their file open until dst releases them.
func (s *StreamIO) ReadOutputTo(dst *segment.Queue, maxBytes int64) (int64, bool, error) {
	s.mustBeLive()
	if s.rstError != nil {
		return 0, false, s.aborted()
	}
	if s.outputClosed {
		return 0, true, nil
	}
	if s.output == nil {
		return 0, false, ErrWouldBlock
	}

	files := s.output.FileCount()
	st, err := segment.Move(dst, s.output, maxBytes, nil)
	s.fileSegmentsOwned -= files - s.output.FileCount()
	if err != nil {
		return st.Bytes, false, err
	}
	if st.Bytes == 0 && !st.EOS {
		return 0, false, ErrWouldBlock
	}
	if st.EOS {
		s.latchOutputClosed()
	}
	return st.Bytes, st.EOS, nil
}

// latchOutputClosed records that the end-of-stream marker was delivered.
// Anything queued behind the marker can never be sent and is released.
func (s *StreamIO) latchOutputClosed() {
	s.outputClosed = true
	if s.output == nil || s.output.Empty() {
		return
	}
	s.log.Warn("Discarding output written after end of stream", logger.LogFields{
		"bytes":    s.output.Length(),
		"segments": s.output.Count(),
	})
	s.fileSegmentsOwned -= s.output.FileCount()
	if err := s.output.Release(); err != nil {
		s.log.Warn("Failed to release late output", logger.LogFields{"error": err.Error()})
	}
}

// ID returns the stream identifier.
func (s *StreamIO) ID() uint32 { return s.id }

// InputConsumed returns the number of request body bytes read by the task.
func (s *StreamIO) InputConsumed() int64 { return s.inputConsumed }

// FileSegmentsOwned returns the number of file segments buffered in the
// output.
func (s *StreamIO) FileSegmentsOwned() int { return s.fileSegmentsOwned }

// Response returns the attached response, or nil.
func (s *StreamIO) Response() *Response { return s.response }

// RstError returns the reset code and whether the stream was reset.
func (s *StreamIO) RstError() (ErrorCode, bool) {
	if s.rstError == nil {
		return ErrCodeNoError, false
	}
	return *s.rstError, true
}

func (s *StreamIO) InputClosed() bool  { return s.inputClosed }
func (s *StreamIO) OutputClosed() bool { return s.outputClosed }
