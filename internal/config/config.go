package config

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Mplx    *MplxConfig    `json:"mplx,omitempty" toml:"mplx,omitempty"`
	Session *SessionConfig `json:"session,omitempty" toml:"session,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Routes  []Route        `json:"routes,omitempty" toml:"routes,omitempty"`
}

// MatchType says how a route's PathPattern is compared with a request path.
type MatchType string

const (
	MatchTypeExact  MatchType = "Exact"
	MatchTypePrefix MatchType = "Prefix"
)

// Handler types a route may name.
const (
	HandlerTypeEcho  = "echo"
	HandlerTypeFiles = "files"
)

// Route maps request paths to a stream handler.
type Route struct {
	PathPattern string    `json:"path_pattern" toml:"path_pattern"`
	MatchType   MatchType `json:"match_type" toml:"match_type"`
	HandlerType string    `json:"handler_type" toml:"handler_type"`
	// DocumentRoot is the directory a files route serves. It must be
	// absolute.
	DocumentRoot string `json:"document_root,omitempty" toml:"document_root,omitempty"`
	// MimeTypes maps file extensions, with their leading dot, to the
	// content-type a files route sends for them.
	MimeTypes map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
}

// ServerConfig holds the listener settings used when sessions are served
// over TCP.
type ServerConfig struct {
	Address *string `json:"address,omitempty" toml:"address,omitempty"`
	// GracefulShutdownTimeout is how long open sessions may keep running after
	// the listener closed before they are cancelled.
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
}

// MplxConfig tunes the buffering between a session and its stream tasks.
type MplxConfig struct {
	// MaxFileSegments caps how many file-backed segments all streams of a
	// session may hold at once. Defaults from the process open file limit.
	MaxFileSegments *int `json:"max_file_segments,omitempty" toml:"max_file_segments,omitempty"`
	// StreamMaxMem is how many response bytes may sit in a stream's output
	// before the task producing them is made to wait.
	StreamMaxMem *int64 `json:"stream_max_mem,omitempty" toml:"stream_max_mem,omitempty"`
	// InputChunkSize bounds a single request body read by a task.
	InputChunkSize *int64 `json:"input_chunk_size,omitempty" toml:"input_chunk_size,omitempty"`
}

// SessionConfig holds wire-facing settings of a session.
type SessionConfig struct {
	MaxFrameSize         *uint32 `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	InitialWindowSize    *uint32 `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty"`
	MaxConcurrentStreams *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	IdleTimeout          *string `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"` // e.g., "30s"
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures the per-stream completion log.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
	Format string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}
