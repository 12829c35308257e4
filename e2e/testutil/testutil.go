// Package testutil runs a complete h2bridge server in-process, configured from
// a real config file and reached over TCP, and checks responses against
// table-driven expectations.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2/hpack"

	"example.com/h2bridge/internal/config"
	h2 "example.com/h2bridge/internal/http2"
	"example.com/h2bridge/internal/logger"
	"example.com/h2bridge/internal/router"
	"example.com/h2bridge/internal/server"
	"example.com/h2bridge/internal/session"
)

// TestRequest models a request sent on its own stream.
type TestRequest struct {
	Method  string
	Path    string // Should include query string if any, e.g., "/path?query=value"
	Headers map[string]string
	Body    []byte
}

// HeaderMatcher maps lowercase header names to their expected values.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	if len(m.ExpectedBody) > 256 || len(body) > 256 {
		return false, fmt.Sprintf("bodies do not match exactly. Expected %d bytes, got %d", len(m.ExpectedBody), len(body))
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of a request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      HeaderMatcher
	Trailers     HeaderMatcher
	BodyMatcher  BodyMatcher
	ExpectNoBody bool // If true, BodyMatcher is ignored and body must be empty
	// ResetCode, when set, expects the stream to be reset with this code
	// instead of completing.
	ResetCode string
}

// ActualResponse stores what came back for a TestRequest.
type ActualResponse struct {
	StatusCode int
	Headers    map[string]string
	Trailers   map[string]string
	Body       []byte
	ResetCode  string // Empty unless the stream was reset
}

// E2ETestCase is one request and the response it must produce.
type E2ETestCase struct {
	Name     string
	Request  TestRequest
	Expected ExpectedResponse
}

// E2ETestDefinition is a server configuration and the cases run against it.
type E2ETestDefinition struct {
	Name               string
	ServerConfigData   interface{}
	ServerConfigFormat string // "json" or "toml"
	TestCases          []E2ETestCase
}

// SyncBuffer is a bytes.Buffer safe for the concurrent writers of a logger.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a server started by StartTestServer.
type ServerInstance struct {
	Config     *config.Config
	ConfigPath string
	Address    string // The address the listener is bound to, e.g. "127.0.0.1:41234"
	Registry   *prometheus.Registry
	LogBuffer  *SyncBuffer

	cancel context.CancelFunc
	done   chan error

	mu           sync.Mutex
	CleanupFuncs []func() error
}

// WriteTempConfig creates a temporary configuration file in JSON or TOML format.
// It returns the path to the file and a cleanup function to remove it.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	var data []byte
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp("", "testconfig-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to write to temp config file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to close temp config file: %w", err)
	}

	filePath = tmpFile.Name()
	cleanupFunc = func() { os.Remove(filePath) }
	return filePath, cleanupFunc, nil
}

// StartTestServer loads configFile and serves it on its configured address.
// Use "127.0.0.1:0" as server.address to get a free port; Address reports
// the one chosen.
func StartTestServer(configFile string) (*ServerInstance, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logs := &SyncBuffer{}
	lg := logger.NewTestLogger(logs, config.LogLevelDebug)
	reg := prometheus.NewRegistry()
	metrics := h2.NewMetrics("h2bridge", reg)

	rtr, err := router.New(cfg.Routes, lg)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(cfg, rtr.Serve, metrics, lg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := server.Listen(ctx, *cfg.Server.Address)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &ServerInstance{
		Config:     cfg,
		ConfigPath: configFile,
		Address:    ln.Addr().String(),
		Registry:   reg,
		LogBuffer:  logs,
		cancel:     cancel,
		done:       make(chan error, 1),
	}
	go func() { s.done <- srv.Serve(ctx, ln) }()
	return s, nil
}

// AddCleanupFunc registers f to run when the server stops.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupFuncs = append(s.CleanupFuncs, f)
}

// Stop shuts the server down, waiting for open sessions up to the graceful
// shutdown timeout, and runs the registered cleanup functions.
func (s *ServerInstance) Stop() error {
	s.cancel()
	var errs []string
	select {
	case err := <-s.done:
		if err != nil {
			errs = append(errs, fmt.Sprintf("serve: %v", err))
		}
	case <-time.After(15 * time.Second):
		errs = append(errs, "server did not stop within 15s")
	}

	s.mu.Lock()
	for i := len(s.CleanupFuncs) - 1; i >= 0; i-- {
		if err := s.CleanupFuncs[i](); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup_func_%d: %v", i, err))
		}
	}
	s.CleanupFuncs = nil
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("server stopped, but errors occurred during stop/cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Client is an h2c connection to a ServerInstance.
type Client struct {
	conn   net.Conn
	client *session.Client
}

// Dial opens a prior-knowledge h2c connection to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := session.Dial(ctx, conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{conn: conn, client: c}, nil
}

// Close ends the connection.
func (c *Client) Close() error { return c.client.Close() }

// Do sends request on a new stream and collects the response.
func (c *Client) Do(ctx context.Context, request TestRequest) (ActualResponse, error) {
	req := &session.ClientRequest{Method: request.Method, Path: request.Path, Body: request.Body}
	for name, value := range request.Headers {
		req.Headers = append(req.Headers, hpack.HeaderField{Name: strings.ToLower(name), Value: value})
	}
	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return ActualResponse{}, err
	}
	actual := ActualResponse{
		StatusCode: resp.Status,
		Headers:    fieldMap(resp.Headers),
		Trailers:   fieldMap(resp.Trailers),
		Body:       resp.Body,
	}
	if resp.Reset {
		actual.ResetCode = resp.ResetCode.String()
	}
	return actual, nil
}

func fieldMap(fields []hpack.HeaderField) map[string]string {
	m := make(map[string]string, len(fields))
	for _, hf := range fields {
		if _, ok := m[hf.Name]; !ok {
			m[hf.Name] = hf.Value
		}
	}
	return m
}

// CheckResponse reports every way actual differs from expected.
func CheckResponse(t testing.TB, actual ActualResponse, expected ExpectedResponse) {
	t.Helper()
	if expected.ResetCode != "" {
		if actual.ResetCode != expected.ResetCode {
			t.Errorf("expected stream reset with %s, got reset %q status %d", expected.ResetCode, actual.ResetCode, actual.StatusCode)
		}
		return
	}
	if actual.ResetCode != "" {
		t.Errorf("stream was reset with %s", actual.ResetCode)
		return
	}
	if actual.StatusCode != expected.StatusCode {
		t.Errorf("expected status %d, got %d", expected.StatusCode, actual.StatusCode)
	}
	for name, want := range expected.Headers {
		if got := actual.Headers[name]; got != want {
			t.Errorf("header %q: expected %q, got %q", name, want, got)
		}
	}
	for name, want := range expected.Trailers {
		if got := actual.Trailers[name]; got != want {
			t.Errorf("trailer %q: expected %q, got %q", name, want, got)
		}
	}
	switch {
	case expected.ExpectNoBody:
		if len(actual.Body) != 0 {
			t.Errorf("expected no body, got %d bytes", len(actual.Body))
		}
	case expected.BodyMatcher != nil:
		if ok, msg := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Error(msg)
		}
	}
}

// RunE2ETest starts a server for def and runs each case as a subtest over
// one shared connection.
func RunE2ETest(t *testing.T, def E2ETestDefinition) *ServerInstance {
	t.Helper()
	path, cleanup, err := WriteTempConfig(def.ServerConfigData, def.ServerConfigFormat)
	if err != nil {
		t.Fatalf("%s: %v", def.Name, err)
	}
	t.Cleanup(cleanup)

	srv, err := StartTestServer(path)
	if err != nil {
		t.Fatalf("%s: failed to start server: %v", def.Name, err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("%s: %v", def.Name, err)
		}
		if t.Failed() {
			t.Logf("server log:\n%s", srv.LogBuffer.String())
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	client, err := Dial(ctx, srv.Address)
	if err != nil {
		t.Fatalf("%s: dial %s: %v", def.Name, srv.Address, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	for _, tc := range def.TestCases {
		t.Run(tc.Name, func(t *testing.T) {
			actual, err := client.Do(ctx, tc.Request)
			if err != nil {
				t.Fatalf("request %s %s failed: %v", tc.Request.Method, tc.Request.Path, err)
			}
			CheckResponse(t, actual, tc.Expected)
		})
	}
	return srv
}
