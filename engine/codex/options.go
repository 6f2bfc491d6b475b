package codex

import "time"

// Default engine configuration values.
const (
	defaultOutputBuffer     = 4096
	defaultGracePeriod      = 5 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultMaxMessageSize   = 4 << 20 // 4 MB
)

// EngineOptions holds resolved construction-time configuration for a Codex engine.
type EngineOptions struct {
	// Binary is the codex executable name or path.
	Binary string

	// OutputBuffer is the channel buffer size for process output messages.
	OutputBuffer int

	// GracePeriod is the duration to wait after SIGTERM before sending SIGKILL.
	GracePeriod time.Duration

	// HandshakeTimeout is the deadline for initialize + thread/start during Start().
	HandshakeTimeout time.Duration

	// MaxMessageSize is the maximum JSON-RPC message size in bytes for the scanner.
	MaxMessageSize int
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*EngineOptions)

// WithBinary sets the codex executable name or path.
func WithBinary(binary string) EngineOption {
	return func(o *EngineOptions) {
		if binary != "" {
			o.Binary = binary
		}
	}
}

// WithOutputBuffer sets the channel buffer size for process output messages.
func WithOutputBuffer(size int) EngineOption {
	return func(o *EngineOptions) {
		if size > 0 {
			o.OutputBuffer = size
		}
	}
}

// WithGracePeriod sets the duration to wait after SIGTERM before sending SIGKILL.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithHandshakeTimeout sets the deadline for the initialize + thread/start handshake.
func WithHandshakeTimeout(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.HandshakeTimeout = d
		}
	}
}

func resolveEngineOptions(opts ...EngineOption) EngineOptions {
	o := EngineOptions{
		Binary:           "codex",
		OutputBuffer:     defaultOutputBuffer,
		GracePeriod:      defaultGracePeriod,
		HandshakeTimeout: defaultHandshakeTimeout,
		MaxMessageSize:   defaultMaxMessageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
