package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2bridge/internal/config"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/session"
)

func testConfig(t *testing.T, grace string) *config.Config {
	t.Helper()
	addr := "127.0.0.1:0"
	cfg := &config.Config{Server: &config.ServerConfig{Address: &addr, GracefulShutdownTimeout: &grace}}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func hello(ctx context.Context, t *session.Task) error {
	return t.Write(ctx, []byte("hello from "+t.Path()))
}

func TestServer_ServesSessions(t *testing.T) {
	lg := logger.NewTestLogger(io.Discard, config.LogLevelError)
	srv, err := New(testConfig(t, "1s"), hello, nil, lg)
	require.NoError(t, err)

	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		client, err := session.Dial(reqCtx, conn, lg)
		require.NoError(t, err)
		resp, err := client.Do(reqCtx, &session.ClientRequest{Method: "GET", Path: "/a"})
		require.NoError(t, err)
		assert.Equal(t, "hello from /a", string(resp.Body))
		require.NoError(t, client.Close())
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, 0, srv.ActiveSessions())
}

func TestServer_CancelsLingeringSessions(t *testing.T) {
	lg := logger.NewTestLogger(io.Discard, config.LogLevelError)
	srv, err := New(testConfig(t, "50ms"), hello, nil, lg)
	require.NoError(t, err)
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := session.Dial(dialCtx, conn, lg)
	require.NoError(t, err)
	defer client.Close()
	assert.Eventually(t, func() bool { return srv.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	// The idle client keeps its session open; only the grace timeout ends it.
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lingering session was not cancelled")
	}
	assert.Equal(t, 0, srv.ActiveSessions())
}

func TestListen_AddressInUse(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(context.Background(), ln.Addr().String())
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err), "got %v", err)
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := New(&config.Config{}, hello, nil, nil)
	assert.Error(t, err)
	_, err = New(testConfig(t, "1s"), nil, nil, nil)
	assert.Error(t, err)
}
