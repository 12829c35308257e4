package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultStreamMaxMem         int64  = 64 * 1024
	defaultInputChunkSize       int64  = 16 * 1024
	defaultMaxFrameSize         uint32 = 16384
	defaultInitialWindowSize    uint32 = 65535
	defaultMaxConcurrentStreams uint32 = 100
	defaultIdleTimeout                 = "30s"
	defaultAddress                     = "127.0.0.1:8080"
	defaultGracefulShutdownTimeout     = "10s"
	defaultLogLevel                    = LogLevelInfo
	defaultErrorLogTarget              = "stderr"
	defaultAccessLogTarget             = "stdout"
	defaultLogFormat                   = "json"

	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1
	maxWindowSize   = 1<<31 - 1
)

// LoadConfig reads the configuration file at path, parses it as JSON or TOML,
// applies defaults and validates the result. Files ending in .json or .toml
// are parsed as such; anything else is tried as JSON first, then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := parseConfig(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, fmt.Errorf("failed to parse TOML config: empty input")
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jsonErr := json.Unmarshal(data, cfg)
		if jsonErr == nil {
			return cfg, nil
		}
		cfg = &Config{}
		var tomlErr error
		if len(bytes.TrimSpace(data)) == 0 {
			tomlErr = fmt.Errorf("empty input")
		} else {
			_, tomlErr = toml.Decode(string(data), cfg)
		}
		if tomlErr == nil {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		v := defaultAddress
		cfg.Server.Address = &v
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		v := defaultGracefulShutdownTimeout
		cfg.Server.GracefulShutdownTimeout = &v
	}

	if cfg.Mplx == nil {
		cfg.Mplx = &MplxConfig{}
	}
	if cfg.Mplx.MaxFileSegments == nil {
		n := DefaultMaxFileSegments()
		cfg.Mplx.MaxFileSegments = &n
	}
	if cfg.Mplx.StreamMaxMem == nil {
		v := defaultStreamMaxMem
		cfg.Mplx.StreamMaxMem = &v
	}
	if cfg.Mplx.InputChunkSize == nil {
		v := defaultInputChunkSize
		cfg.Mplx.InputChunkSize = &v
	}

	if cfg.Session == nil {
		cfg.Session = &SessionConfig{}
	}
	if cfg.Session.MaxFrameSize == nil {
		v := defaultMaxFrameSize
		cfg.Session.MaxFrameSize = &v
	}
	if cfg.Session.InitialWindowSize == nil {
		v := defaultInitialWindowSize
		cfg.Session.InitialWindowSize = &v
	}
	if cfg.Session.MaxConcurrentStreams == nil {
		v := defaultMaxConcurrentStreams
		cfg.Session.MaxConcurrentStreams = &v
	}
	if cfg.Session.IdleTimeout == nil {
		v := defaultIdleTimeout
		cfg.Session.IdleTimeout = &v
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = defaultLogLevel
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		v := defaultErrorLogTarget
		cfg.Logging.ErrorLog.Target = &v
	}
	if cfg.Logging.ErrorLog.Format == "" {
		cfg.Logging.ErrorLog.Format = defaultLogFormat
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		v := true
		cfg.Logging.AccessLog.Enabled = &v
	}
	if cfg.Logging.AccessLog.Target == nil {
		v := defaultAccessLogTarget
		cfg.Logging.AccessLog.Target = &v
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = defaultLogFormat
	}
}

// Validate checks a configuration that has had ApplyDefaults run on it.
func Validate(cfg *Config) error {
	if srv := cfg.Server; srv != nil {
		if srv.Address != nil && *srv.Address == "" {
			return fmt.Errorf("server.address cannot be empty")
		}
		if srv.GracefulShutdownTimeout != nil {
			if _, err := ParseDuration(*srv.GracefulShutdownTimeout); err != nil {
				return fmt.Errorf("server.graceful_shutdown_timeout: %w", err)
			}
		}
	}

	if cfg.Mplx != nil {
		if m := cfg.Mplx.MaxFileSegments; m != nil && *m < 0 {
			return fmt.Errorf("mplx.max_file_segments must not be negative, got %d", *m)
		}
		if m := cfg.Mplx.StreamMaxMem; m != nil && *m <= 0 {
			return fmt.Errorf("mplx.stream_max_mem must be positive, got %d", *m)
		}
		if m := cfg.Mplx.InputChunkSize; m != nil && *m <= 0 {
			return fmt.Errorf("mplx.input_chunk_size must be positive, got %d", *m)
		}
	}

	if s := cfg.Session; s != nil {
		if s.MaxFrameSize != nil && (*s.MaxFrameSize < minMaxFrameSize || *s.MaxFrameSize > maxMaxFrameSize) {
			return fmt.Errorf("session.max_frame_size must be between %d and %d, got %d", minMaxFrameSize, maxMaxFrameSize, *s.MaxFrameSize)
		}
		if s.InitialWindowSize != nil && (*s.InitialWindowSize == 0 || *s.InitialWindowSize > maxWindowSize) {
			return fmt.Errorf("session.initial_window_size must be between 1 and %d, got %d", maxWindowSize, *s.InitialWindowSize)
		}
		if s.MaxConcurrentStreams != nil && *s.MaxConcurrentStreams == 0 {
			return fmt.Errorf("session.max_concurrent_streams must be positive")
		}
		if s.IdleTimeout != nil {
			if _, err := ParseDuration(*s.IdleTimeout); err != nil {
				return fmt.Errorf("session.idle_timeout: %w", err)
			}
		}
	}

	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
		}
		if l.ErrorLog != nil {
			if err := validateTarget("logging.error_log", l.ErrorLog.Target, l.ErrorLog.Format); err != nil {
				return err
			}
		}
		if l.AccessLog != nil {
			if err := validateTarget("logging.access_log", l.AccessLog.Target, l.AccessLog.Format); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Routes {
		if !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("routes[%d].path_pattern %q must start with '/'", i, r.PathPattern)
		}
		switch r.MatchType {
		case MatchTypeExact:
		case MatchTypePrefix:
			if !strings.HasSuffix(r.PathPattern, "/") {
				return fmt.Errorf("routes[%d].path_pattern %q must end with '/' for Prefix routes", i, r.PathPattern)
			}
		default:
			return fmt.Errorf("routes[%d].match_type %q must be Exact or Prefix", i, r.MatchType)
		}
		key := string(r.MatchType) + " " + r.PathPattern
		if seen[key] {
			return fmt.Errorf("routes[%d]: duplicate %s route for %q", i, r.MatchType, r.PathPattern)
		}
		seen[key] = true
		switch r.HandlerType {
		case HandlerTypeEcho:
		case HandlerTypeFiles:
			if !filepath.IsAbs(r.DocumentRoot) {
				return fmt.Errorf("routes[%d].document_root %q must be an absolute path", i, r.DocumentRoot)
			}
			for ext, ct := range r.MimeTypes {
				if !strings.HasPrefix(ext, ".") || ct == "" {
					return fmt.Errorf("routes[%d].mime_types entry %q = %q needs a leading '.' and a non-empty type", i, ext, ct)
				}
			}
		default:
			return fmt.Errorf("routes[%d].handler_type %q is not one of echo, files", i, r.HandlerType)
		}
	}
	return nil
}

func validateTarget(field string, target *string, format string) error {
	if target != nil {
		if *target == "" {
			return fmt.Errorf("%s.target cannot be empty", field)
		}
		if IsFilePath(*target) && !filepath.IsAbs(*target) {
			return fmt.Errorf("%s.target %q must be an absolute path, 'stdout' or 'stderr'", field, *target)
		}
	}
	if format != "" && format != "json" && format != "console" {
		return fmt.Errorf("%s.format %q must be 'json' or 'console'", field, format)
	}
	return nil
}

// ParseDuration parses a configuration duration such as "30s". Durations must
// not be negative.
func ParseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}
