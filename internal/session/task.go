package session

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/net/http2/hpack"

	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/segment"
)

// Task is the handler's view of one stream. Its methods must be called from
// the handler goroutine only.
type Task struct {
	id      uint32
	method  string
	path    string
	headers []hpack.HeaderField
	mplx    *h2.Mplx
	log     *logger.Logger

	pending   segment.Queue
	eof       bool
	responded bool
}

// ID returns the stream id.
func (t *Task) ID() uint32 { return t.id }

// Method returns the request's :method.
func (t *Task) Method() string { return t.method }

// Path returns the request's :path.
func (t *Task) Path() string { return t.path }

// Headers returns the request header fields, pseudo-headers included.
func (t *Task) Headers() []hpack.HeaderField { return t.headers }

// Header returns the value of the first request header named name.
func (t *Task) Header(name string) string {
	name = strings.ToLower(name)
	for _, hf := range t.headers {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// Log returns the stream's logger.
func (t *Task) Log() *logger.Logger { return t.log }

// ReadContext reads request body into p, waiting for the peer to send more
// when nothing is buffered. It returns io.EOF at the end of the body.
func (t *Task) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for t.pending.Empty() {
		if t.eof {
			return 0, io.EOF
		}
		if err := t.mplx.InRead(ctx, t.id, &t.pending, int64(len(p))); err != nil {
			if err == io.EOF {
				t.eof = true
			}
			return 0, err
		}
	}
	var n int
	_, eos, err := t.pending.Readx(func(b []byte) error {
		n += copy(p[n:], b)
		return nil
	}, int64(len(p)))
	if eos {
		t.eof = true
	}
	if err == nil && n == 0 && t.eof {
		err = io.EOF
	}
	return n, err
}

// Reader returns an io.Reader over the request body bound to ctx.
func (t *Task) Reader(ctx context.Context) io.Reader {
	return readerFunc(func(p []byte) (int, error) { return t.ReadContext(ctx, p) })
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// ErrResponded is returned by Respond when the response head was already
// given.
var ErrResponded = errors.New("response already started")

// Respond attaches the response head. It may be called once; Write and Close
// send a 200 response when it was not called.
func (t *Task) Respond(resp *h2.Response) error {
	if t.responded {
		return ErrResponded
	}
	t.responded = true
	return t.mplx.SetResponse(t.id, resp)
}

func (t *Task) ensureResponded() error {
	if t.responded {
		return nil
	}
	return t.Respond(h2.NewResponse(200))
}

// Write sends p as response body, waiting while the stream's output is full.
func (t *Task) Write(ctx context.Context, p []byte) error {
	if err := t.ensureResponded(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	b := make([]byte, len(p))
	copy(b, p)
	return t.mplx.OutWrite(ctx, t.id, segment.NewQueue(segment.Bytes(b)))
}

// WriteFile sends n bytes of f starting at off as response body without
// copying them while the session's file budget allows. The stream owns f
// afterwards and closes it once sent.
func (t *Task) WriteFile(ctx context.Context, f *os.File, off, n int64) error {
	if err := t.ensureResponded(); err != nil {
		_ = f.Close()
		return err
	}
	q := segment.NewQueue(segment.File(f, off, n))
	if err := t.mplx.OutWrite(ctx, t.id, q); err != nil {
		_ = q.Release()
		return err
	}
	return nil
}

// Close ends the response body. It is called for the handler when it
// returns without error.
func (t *Task) Close() error {
	if err := t.ensureResponded(); err != nil {
		return err
	}
	return t.mplx.OutClose(t.id)
}

// Reset aborts the stream with code.
func (t *Task) Reset(code h2.ErrorCode) error {
	return t.mplx.Reset(t.id, code)
}
