package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2bridge/internal/config"
	"example.com/h2bridge/internal/logger"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags(nil)
	require.NoError(t, err)
	assert.False(t, opts.listen)
	assert.Equal(t, 8, opts.streams)
	assert.Equal(t, uint64(256*1024), opts.bodySize)

	opts, err = parseFlags([]string{"-streams", "3", "-body-size", "1 MB", "-file", "x.bin"})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.streams)
	assert.Equal(t, uint64(1000*1000), opts.bodySize)
	assert.True(t, filepath.IsAbs(opts.file))

	for _, args := range [][]string{
		{"-streams", "0"},
		{"-body-size", "lots"},
		{"-no-such-flag"},
	} {
		_, err := parseFlags(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestLoadConfig_DefaultRoutes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.bin")

	cfg, err := loadConfig(&options{file: file})
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, "/echo", cfg.Routes[0].PathPattern)
	assert.Equal(t, config.HandlerTypeFiles, cfg.Routes[1].HandlerType)
	assert.Equal(t, dir, cfg.Routes[1].DocumentRoot)
	assert.Equal(t, "127.0.0.1:8080", *cfg.Server.Address)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h2bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
address = "127.0.0.1:9999"

[[routes]]
path_pattern = "/reflect"
match_type = "Exact"
handler_type = "echo"
`), 0o644))

	cfg, err := loadConfig(&options{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", *cfg.Server.Address)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "/reflect", cfg.Routes[0].PathPattern)

	_, err = loadConfig(&options{configPath: filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, err)
}

func TestLoopback(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(file, bytes.Repeat([]byte("0123456789"), 20000), 0o644))

	opts := &options{streams: 6, bodySize: 100 * 1024, file: file}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	lg := logger.NewTestLogger(io.Discard, config.LogLevelError)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, loopback(ctx, cfg, opts, lg, &out))

	report := out.String()
	assert.True(t, strings.HasPrefix(report, "6 streams: sent 300 KiB, received 886 KiB"), report)
	assert.Contains(t, report, "h2bridge_streams_opened_total")
	assert.Contains(t, report, "h2bridge_output_bytes_total")
}

func TestLoopback_Mismatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(file, []byte("abc"), 0o644))

	opts := &options{streams: 2, bodySize: 16, file: file}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	// Serve a different directory than the one the driver reads from.
	cfg.Routes[1].DocumentRoot = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = loopback(ctx, cfg, opts, logger.NewTestLogger(io.Discard, config.LogLevelError), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
