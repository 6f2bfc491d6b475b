package acp

import (
	"io"

	"github.com/agendo/execcore/engine/jsonrpc"
)

// Conn is the JSON-RPC 2.0 connection type used by the ACP engine, aliased
// from the shared jsonrpc package (also used by engine/codex's app-server
// protocol).
type Conn = jsonrpc.Conn

// RPCError is a JSON-RPC error returned by Conn.Call.
type RPCError = jsonrpc.Error

// connConfig mirrors the construction-time knobs engine.go threads through.
type connConfig struct {
	maxMessageSize int
	onParseError   func(line []byte, err error)
}

// newConn creates a JSON-RPC 2.0 connection reading from r and writing to w.
func newConn(r io.Reader, w io.Writer, cfg connConfig) *Conn {
	var opts []jsonrpc.Option
	if cfg.maxMessageSize > 0 {
		opts = append(opts, jsonrpc.WithMaxMessageSize(cfg.maxMessageSize))
	}
	if cfg.onParseError != nil {
		opts = append(opts, jsonrpc.WithParseErrorHandler(cfg.onParseError))
	}
	return jsonrpc.New(r, w, opts...)
}
