package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/h2bridge/internal/config"
	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a session's
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testSession struct {
	client *Client
	mplx   *h2.Mplx
	logs   *syncBuffer
	served chan error
}

func startSession(t *testing.T, handler Handler, mutate func(*config.Config)) *testSession {
	t.Helper()
	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))

	logs := &syncBuffer{}
	lg := logger.NewTestLogger(logs, config.LogLevelDebug)
	m := h2.NewMplx(*cfg.Mplx, lg, h2.NewMetrics("test", prometheus.NewRegistry()))

	serverConn, clientConn := net.Pipe()
	s, err := New(serverConn, *cfg.Session, m, handler, lg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, clientConn, lg)
	require.NoError(t, err)

	ts := &testSession{client: client, mplx: m, logs: logs, served: served}
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return ts
}

func requestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoHandler streams the request body back in chunks of chunk bytes.
func echoHandler(chunk int) Handler {
	return func(ctx context.Context, t *Task) error {
		buf := make([]byte, chunk)
		for {
			n, err := t.ReadContext(ctx, buf)
			if n > 0 {
				if werr := t.Write(ctx, buf[:n]); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func TestSession_SmallRequest(t *testing.T) {
	ts := startSession(t, func(ctx context.Context, task *Task) error {
		body, err := io.ReadAll(task.Reader(ctx))
		if err != nil {
			return err
		}
		resp := h2.NewResponse(201, hpack.HeaderField{Name: "x-method", Value: task.Method()})
		if err := task.Respond(resp); err != nil {
			return err
		}
		return task.Write(ctx, []byte(strings.ToUpper(string(body))+" "+task.Path()))
	}, nil)

	resp, err := ts.client.Do(requestContext(t), &ClientRequest{Method: "POST", Path: "/upper", Body: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "POST", resp.Header("x-method"))
	assert.Equal(t, "HELLO /upper", string(resp.Body))
	assert.False(t, resp.Reset)
}

func TestSession_LargeBodyIsFlowControlled(t *testing.T) {
	ts := startSession(t, echoHandler(4096), func(cfg *config.Config) {
		mem := int64(8 * 1024)
		cfg.Mplx = &config.MplxConfig{StreamMaxMem: &mem}
	})

	body := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB, well past every window
	resp, err := ts.client.Do(requestContext(t), &ClientRequest{Method: "PUT", Path: "/echo", Body: body})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	require.Equal(t, len(body), len(resp.Body))
	assert.True(t, bytes.Equal(body, resp.Body))
}

func TestSession_ConcurrentStreams(t *testing.T) {
	ts := startSession(t, echoHandler(1000), nil)
	ctx := requestContext(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := bytes.Repeat([]byte{byte('a' + i)}, 20000+i)
			resp, err := ts.client.Do(ctx, &ClientRequest{Method: "POST", Path: "/echo", Body: body})
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(body, resp.Body) {
				errs <- fmt.Errorf("request %d: got %d bytes back, want %d", i, len(resp.Body), len(body))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Eventually(t, func() bool { return len(ts.mplx.Streams()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_EmptyBodyEndsWithHeaders(t *testing.T) {
	ts := startSession(t, func(ctx context.Context, task *Task) error {
		return task.Respond(h2.NewResponse(204))
	}, nil)

	resp, err := ts.client.Do(requestContext(t), &ClientRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestSession_Trailers(t *testing.T) {
	ts := startSession(t, func(ctx context.Context, task *Task) error {
		resp := h2.NewResponse(200)
		resp.Trailers = []hpack.HeaderField{{Name: "x-checksum", Value: "abc"}}
		if err := task.Respond(resp); err != nil {
			return err
		}
		return task.Write(ctx, []byte("payload"))
	}, nil)

	resp, err := ts.client.Do(requestContext(t), &ClientRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(resp.Body))
	assert.Equal(t, "abc", resp.Trailer("x-checksum"))
}

func TestSession_HandlerErrorsResetTheStream(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		code    h2.ErrorCode
		logged  string
	}{
		{
			name:    "plain error",
			handler: func(ctx context.Context, task *Task) error { return errors.New("boom") },
			code:    h2.ErrCodeInternalError,
			logged:  "Stream handler failed",
		},
		{
			name: "stream error keeps its code",
			handler: func(ctx context.Context, task *Task) error {
				return h2.NewStreamError(task.ID(), h2.ErrCodeRefusedStream, "try elsewhere")
			},
			code:   h2.ErrCodeRefusedStream,
			logged: "Stream handler failed",
		},
		{
			name:    "panic",
			handler: func(ctx context.Context, task *Task) error { panic("handler bug") },
			code:    h2.ErrCodeInternalError,
			logged:  "Panic in stream handler",
		},
		{
			name: "explicit reset",
			handler: func(ctx context.Context, task *Task) error {
				return task.Reset(h2.ErrCodeEnhanceYourCalm)
			},
			code: h2.ErrCodeEnhanceYourCalm,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := startSession(t, tc.handler, nil)
			resp, err := ts.client.Do(requestContext(t), &ClientRequest{Method: "GET", Path: "/"})
			require.NoError(t, err)
			assert.True(t, resp.Reset)
			assert.Equal(t, tc.code, resp.ResetCode)
			if tc.logged != "" {
				assert.Eventually(t, func() bool { return strings.Contains(ts.logs.String(), tc.logged) }, time.Second, 5*time.Millisecond)
			}
			assert.Eventually(t, func() bool {
				return strings.Contains(ts.logs.String(), `"rst":"`+tc.code.String()+`"`)
			}, time.Second, 5*time.Millisecond, "access log records the reset")
		})
	}
}

func TestSession_FileResponse(t *testing.T) {
	content := bytes.Repeat([]byte("file body "), 30000)
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	ts := startSession(t, func(ctx context.Context, task *Task) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		resp := h2.NewResponse(200)
		resp.ContentLength = int64(len(content))
		if err := task.Respond(resp); err != nil {
			_ = f.Close()
			return err
		}
		return task.WriteFile(ctx, f, 0, int64(len(content)))
	}, func(cfg *config.Config) {
		files := 1
		cfg.Mplx = &config.MplxConfig{MaxFileSegments: &files}
	})

	ctx := requestContext(t)
	for i := 0; i < 3; i++ {
		resp, err := ts.client.Do(ctx, &ClientRequest{Method: "GET", Path: "/file"})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(len(content)), resp.Header("content-length"))
		assert.True(t, bytes.Equal(content, resp.Body), "request %d", i)
	}
	assert.Eventually(t, func() bool { return ts.mplx.FileBudget() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_OutputFilterOverride(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 20000)
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	ts := startSession(t, func(ctx context.Context, task *Task) error {
		resp := h2.NewResponse(200)
		resp.FilterOverride = task.Header("x-filter")
		if err := task.Respond(resp); err != nil {
			return err
		}
		if err := task.Write(ctx, []byte("head:")); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		return task.WriteFile(ctx, f, 0, int64(len(content)))
	}, func(cfg *config.Config) {
		files, mem := 1, int64(8192)
		cfg.Mplx = &config.MplxConfig{MaxFileSegments: &files, StreamMaxMem: &mem}
	})

	want := append([]byte("head:"), content...)
	ctx := requestContext(t)
	for _, filter := range []string{"", FilterSegments, FilterCopy, "gzip-someday"} {
		resp, err := ts.client.Do(ctx, &ClientRequest{
			Method:  "GET",
			Path:    "/data",
			Headers: []hpack.HeaderField{{Name: "x-filter", Value: filter}},
		})
		require.NoError(t, err, "filter %q", filter)
		assert.False(t, resp.Reset, "filter %q", filter)
		assert.True(t, bytes.Equal(want, resp.Body), "filter %q: got %d bytes", filter, len(resp.Body))
	}
	assert.Contains(t, ts.logs.String(), "Unknown output filter, using the default")
	assert.Contains(t, ts.logs.String(), `"filter":"gzip-someday"`)
	assert.Eventually(t, func() bool { return ts.mplx.FileBudget() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_RefusesStreamsOverLimit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ts := startSession(t, func(ctx context.Context, task *Task) error {
		if task.Path() == "/slow" {
			close(started)
			<-release
		}
		return task.Write(ctx, []byte("ok"))
	}, func(cfg *config.Config) {
		one := uint32(1)
		cfg.Session = &config.SessionConfig{MaxConcurrentStreams: &one}
	})
	ctx := requestContext(t)

	slow := make(chan *ClientResponse, 1)
	go func() {
		resp, err := ts.client.Do(ctx, &ClientRequest{Method: "GET", Path: "/slow"})
		if err != nil {
			t.Errorf("slow request failed: %v", err)
		}
		slow <- resp
	}()
	<-started

	resp, err := ts.client.Do(ctx, &ClientRequest{Method: "GET", Path: "/fast"})
	require.NoError(t, err)
	assert.True(t, resp.Reset)
	assert.Equal(t, h2.ErrCodeRefusedStream, resp.ResetCode)

	close(release)
	first := <-slow
	require.NotNil(t, first)
	assert.Equal(t, "ok", string(first.Body))
}

func TestSession_ClientCancelAbortsTask(t *testing.T) {
	aborted := make(chan error, 1)
	ts := startSession(t, func(ctx context.Context, task *Task) error {
		_, err := io.ReadAll(task.Reader(ctx))
		aborted <- err
		return err
	}, nil)

	// The body never ends: the request is sent without END_STREAM and the
	// client then gives up on it.
	cs, err := ts.client.open([]hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "test"},
		{Name: ":path", Value: "/upload"},
	}, false)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	ts.client.cancel(cs)

	select {
	case err := <-aborted:
		assert.ErrorIs(t, err, h2.ErrAborted)
		assert.Equal(t, h2.ErrCodeCancel, h2.ResetCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("task was not woken by the client's RST_STREAM")
	}
	assert.Eventually(t, func() bool { return len(ts.mplx.Streams()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_IdleTimeoutSendsGoAway(t *testing.T) {
	ts := startSession(t, echoHandler(16), func(cfg *config.Config) {
		idle := "50ms"
		cfg.Session = &config.SessionConfig{IdleTimeout: &idle}
	})

	select {
	case err := <-ts.served:
		assert.NoError(t, err)
		ts.served <- err
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not closed")
	}
	<-ts.client.done
	_, err := ts.client.Do(requestContext(t), &ClientRequest{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Contains(t, ts.logs.String(), "Closing idle session")
}

func TestSession_RejectsBadPreface(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	logs := &syncBuffer{}
	lg := logger.NewTestLogger(logs, config.LogLevelDebug)
	m := h2.NewMplx(*cfg.Mplx, lg, nil)

	serverConn, clientConn := net.Pipe()
	s, err := New(serverConn, *cfg.Session, m, echoHandler(16), lg)
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	// Drain whatever the server writes so it never blocks on the pipe.
	go func() { _, _ = io.Copy(io.Discard, clientConn) }()
	_, err = clientConn.Write(bytes.Repeat([]byte("X"), len(http2.ClientPreface)))
	require.NoError(t, err)

	select {
	case err := <-served:
		var ce *h2.ConnectionError
		require.True(t, errors.As(err, &ce), "got %v", err)
		assert.Equal(t, h2.ErrCodeProtocolError, ce.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("session accepted a bad preface")
	}
	_ = clientConn.Close()
}
