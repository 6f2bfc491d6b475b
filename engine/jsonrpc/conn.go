// Package jsonrpc provides a bidirectional JSON-RPC 2.0 multiplexer over
// newline-delimited JSON, shared by every stdio-based app-server protocol
// adapter (ACP, Codex app-server).
//
// Factored out of the original single-protocol connection type so the
// framing, request-id bookkeeping, and dispatch logic are written once and
// reused by each adapter's own method/notification vocabulary.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const defaultMaxMessageSize = 4 << 20 // 4 MB

// Conn is a bidirectional JSON-RPC 2.0 multiplexer over newline-delimited JSON.
//
// Conn serializes outbound messages (Call, Notify) via a mutex-protected encoder
// and dispatches inbound messages (responses, notifications, method calls) in
// ReadLoop. All handlers must be registered before ReadLoop starts.
//
// The synchronization model uses sync.Mutex + map[int64]chan for pending calls.
// On ReadLoop exit, all pending channels receive an error — preventing goroutine leaks.
type Conn struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer

	nextID  atomic.Int64
	pending map[int64]chan *rpcResponse

	notifyHandlers map[string]func(json.RawMessage)
	methodHandlers map[string]func(json.RawMessage) (any, error)
	onParseError   func(line []byte, err error)
	onUnhandled    func(method string, params json.RawMessage)

	scanner *bufio.Scanner

	done    chan struct{}
	readErr atomic.Value // stores error (nil = no error)

	maxMessageSize int
}

// Option configures a Conn at construction time.
type Option func(*config)

type config struct {
	maxMessageSize int
	onParseError   func(line []byte, err error)
}

// WithMaxMessageSize sets the maximum JSON-RPC message size in bytes.
// Values <= 0 are ignored.
func WithMaxMessageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithParseErrorHandler sets a callback invoked when an inbound line fails
// to unmarshal as a JSON-RPC message. line is a defensive copy.
func WithParseErrorHandler(h func(line []byte, err error)) Option {
	return func(c *config) {
		c.onParseError = h
	}
}

// New creates a JSON-RPC 2.0 connection reading from r and writing to w.
// Call ReadLoop in a goroutine to start processing inbound messages.
func New(r io.Reader, w io.Writer, opts ...Option) *Conn {
	cfg := config{maxMessageSize: defaultMaxMessageSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	c := &Conn{
		w:              w,
		enc:            json.NewEncoder(w),
		pending:        make(map[int64]chan *rpcResponse),
		notifyHandlers: make(map[string]func(json.RawMessage)),
		methodHandlers: make(map[string]func(json.RawMessage) (any, error)),
		onParseError:   cfg.onParseError,
		done:           make(chan struct{}),
		maxMessageSize: cfg.maxMessageSize,
	}
	c.scanner = newScanner(r, c.maxMessageSize)
	return c
}

func newScanner(r io.Reader, maxSize int) *bufio.Scanner {
	s := bufio.NewScanner(r)
	initCap := min(4096, maxSize)
	s.Buffer(make([]byte, 0, initCap), maxSize)
	return s
}

// OnNotification registers a handler for JSON-RPC notifications (no id field).
// Must be called before ReadLoop starts.
func (c *Conn) OnNotification(method string, h func(json.RawMessage)) {
	c.notifyHandlers[method] = h
}

// OnMethod registers a handler for JSON-RPC method calls (has id field, expects response).
// The handler runs in a dedicated goroutine to avoid blocking ReadLoop.
// Must be called before ReadLoop starts.
func (c *Conn) OnMethod(method string, h func(json.RawMessage) (any, error)) {
	c.methodHandlers[method] = h
}

// OnUnhandledNotification registers a catch-all invoked for any inbound
// notification whose method has no handler registered via OnNotification.
// Must be called before ReadLoop starts.
func (c *Conn) OnUnhandledNotification(h func(method string, params json.RawMessage)) {
	c.onUnhandled = h
}

// Call sends a JSON-RPC request and blocks until the response arrives or ctx expires.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)

	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := &rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("jsonrpc: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return c.handleCallResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		// Response may have arrived just before ctx cancellation —
		// drain ch to avoid discarding a successful result.
		select {
		case resp, ok := <-ch:
			return c.handleCallResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

// handleCallResponse processes a response received from a pending Call channel.
func (c *Conn) handleCallResponse(resp *rpcResponse, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("jsonrpc: %s: connection closed", method)
	}
	if resp.Error != nil {
		return &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("jsonrpc: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a JSON-RPC notification (no id, no response expected).
func (c *Conn) Notify(method string, params any) error {
	req := &rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	return c.send(req)
}

// ReadLoop reads and dispatches inbound JSON-RPC messages until the reader
// closes or an unrecoverable error occurs. On exit, all pending Call channels
// are closed with an error. Must be called exactly once.
func (c *Conn) ReadLoop() {
	defer close(c.done)
	defer c.drainPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue // skip blank lines and non-JSON (e.g. agent startup banners)
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.onParseError != nil {
				c.onParseError(append([]byte(nil), line...), err)
			}
			continue
		}

		c.dispatch(&msg)
	}

	if err := c.scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

// Err returns the ReadLoop error after it exits. Returns nil if ReadLoop
// hasn't finished or exited cleanly (reader closed with no scanner error).
func (c *Conn) Err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Done returns a channel that is closed when ReadLoop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Standard JSON-RPC 2.0 error codes.
const (
	MethodNotFound   = -32601
	InternalError    = -32603
	ApplicationError = -32000
)

// --- Internal ---

// send serializes and writes a JSON-RPC message. Thread-safe.
func (c *Conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

// dispatch routes an inbound message to the appropriate handler.
func (c *Conn) dispatch(msg *rpcMessage) {
	// Response (has id + result or error, no method).
	if msg.ID != nil && msg.Method == "" {
		c.handleResponse(msg)
		return
	}

	// Method call from peer (has id + method).
	if msg.ID != nil && msg.Method != "" {
		c.handleMethodCall(msg)
		return
	}

	// Notification (no id, has method).
	if msg.Method != "" {
		c.handleNotification(msg)
		return
	}
}

// handleResponse delivers a response to the waiting Call goroutine.
func (c *Conn) handleResponse(msg *rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		return // duplicate or unsolicited response — drop
	}

	ch <- &rpcResponse{Result: msg.Result, Error: msg.Error}
}

// handleMethodCall dispatches a method call to a registered handler in a
// dedicated goroutine. Sends the response back to the peer.
func (c *Conn) handleMethodCall(msg *rpcMessage) {
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		c.sendError(*msg.ID, MethodNotFound, "method not found: "+msg.Method)
		return
	}

	id := *msg.ID
	params := msg.Params
	go func() {
		result, err := h(params)
		if err != nil {
			c.sendError(id, ApplicationError, err.Error())
			return
		}
		c.sendResult(id, result)
	}()
}

// handleNotification dispatches a notification to a registered handler.
func (c *Conn) handleNotification(msg *rpcMessage) {
	h, ok := c.notifyHandlers[msg.Method]
	if !ok {
		if c.onUnhandled != nil {
			c.onUnhandled(msg.Method, msg.Params)
		}
		return
	}
	h(msg.Params)
}

// sendResult sends a JSON-RPC success response.
// Send errors are intentionally ignored: these run in handler goroutines
// during ReadLoop, and the connection may already be closing.
func (c *Conn) sendResult(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, InternalError, "marshal result: "+err.Error())
		return
	}
	_ = c.send(&rpcResponse{JSONRPC: "2.0", ID: &id, Result: data})
}

// sendError sends a JSON-RPC error response.
func (c *Conn) sendError(id int64, code int, message string) {
	_ = c.send(&rpcResponse{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

// drainPending closes all pending Call channels so blocked callers unblock.
func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// --- Wire types ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error is an exported error type for JSON-RPC errors returned by Call.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
