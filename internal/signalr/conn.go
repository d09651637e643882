package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RetryPolicy decides how long to wait before the next reconnect attempt.
// previousRetryCount is the number of failed attempts since the connection
// was lost. Returning false stops reconnecting.
type RetryPolicy interface {
	NextRetryDelay(previousRetryCount int) (time.Duration, bool)
}

// Config configures a hub connection.
type Config struct {
	URL               string                 // http(s) or ws(s) hub URL
	AccessToken       func() (string, error) // called before every connect and reconnect
	Retry             RetryPolicy            // nil disables automatic reconnect
	HandshakeTimeout  time.Duration          // dial + protocol handshake (default 15s)
	KeepAliveInterval time.Duration          // client ping interval (default 15s)
	ServerTimeout     time.Duration          // max server silence (default 30s)
	WriteTimeout      time.Duration          // per-write deadline (default 5s)
	InboxSize         int                    // queued server-to-client calls (default 256)
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.ServerTimeout <= 0 {
		c.ServerTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateClosed
)

// completion is what a pending Invoke receives.
type completion struct {
	errMsg string
	err    error
}

// Conn is a single-use hub connection. After Stop, or after it closes on
// its own, build a new one.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	handlersMu     sync.RWMutex
	handlers       map[string][]func([]json.RawMessage)
	onReconnecting func(error)
	onReconnected  func()
	onClose        func(error)

	writeMu sync.Mutex

	mu      sync.Mutex
	state   connState
	ws      *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	pending map[string]chan completion
	nextID  int64
}

// New creates an idle hub connection.
func New(cfg Config) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string][]func([]json.RawMessage)),
		pending:  make(map[string]chan completion),
	}
}

// On registers handler for a server-to-client method. Method names match
// case-insensitively.
func (c *Conn) On(method string, handler func(args []json.RawMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	key := strings.ToLower(method)
	c.handlers[key] = append(c.handlers[key], handler)
}

func (c *Conn) OnReconnecting(fn func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onReconnecting = fn
}

func (c *Conn) OnReconnected(fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onReconnected = fn
}

func (c *Conn) OnClose(fn func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onClose = fn
}

// Connected reports whether the connection is currently usable.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Start dials the hub and performs the protocol handshake. Stop aborts an
// in-flight Start, which then returns context.Canceled.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	life, cancel := context.WithCancel(context.Background())
	c.state = stateConnecting
	c.cancel = cancel
	c.mu.Unlock()

	openCtx, cancelOpen := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(life, cancelOpen)
	ws, err := c.dial(openCtx)
	stopAfter()
	cancelOpen()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		aborted := life.Err() != nil
		c.state = stateClosed
		cancel()
		if aborted {
			return context.Canceled
		}
		return err
	}
	if life.Err() != nil {
		c.state = stateClosed
		ws.Close()
		return context.Canceled
	}
	c.ws = ws
	c.state = stateConnected
	c.done = make(chan struct{})
	go c.run(life, ws, c.done)

	c.logger.Debug("hub connected", "url", c.cfg.URL)
	return nil
}

// Stop closes the connection and waits for the background loop to finish,
// bounded by ctx. It is safe to call more than once.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel == nil {
		c.state = stateClosed
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls a hub method and waits for the server's completion.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	ws := c.ws
	if c.state != stateConnected || ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	ch := make(chan completion, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if args == nil {
		args = []any{}
	}
	msg := invocationMessage{Type: typeInvocation, InvocationID: id, Target: method, Arguments: args}
	if err := c.write(ws, msg); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("invoke %s: %w", method, res.err)
		}
		if res.errMsg != "" {
			return &InvocationError{Target: method, Message: res.errMsg}
		}
		return nil
	}
}

// dial opens the WebSocket and completes the JSON protocol handshake.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	var token string
	if c.cfg.AccessToken != nil {
		t, err := c.cfg.AccessToken()
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		token = t
	}

	target, err := websocketURL(c.cfg.URL, token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	if err := c.handshake(ws); err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return ws, nil
}

func (c *Conn) handshake(ws *websocket.Conn) error {
	if err := c.write(ws, handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	records := splitRecords(frame)
	if len(records) == 0 {
		return fmt.Errorf("%w: empty response", ErrHandshake)
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
	}
	if len(records) > 1 {
		c.logger.Debug("ignoring records sent with handshake response", "count", len(records)-1)
	}
	return nil
}

// run owns the connection after a successful Start: it serves the socket,
// and on loss either reconnects through the retry policy or closes.
func (c *Conn) run(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		err := c.serve(ctx, ws)

		if ctx.Err() != nil {
			c.finish(nil)
			return
		}

		var closeErr *CloseError
		permanent := errors.As(err, &closeErr) && !closeErr.AllowReconnect
		if c.cfg.Retry == nil || permanent {
			c.finish(err)
			return
		}

		ws = c.reconnect(ctx, err)
		if ws == nil {
			if ctx.Err() != nil {
				c.finish(nil)
			} else {
				c.finish(err)
			}
			return
		}
	}
}

// serve reads frames until the socket fails, the server closes, or ctx ends.
// Server-to-client calls are queued to a single dispatch goroutine so they
// run in arrival order while the read loop keeps draining completions.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	})
	defer stop()

	pingDone := make(chan struct{})
	pingCtx, stopPing := context.WithCancel(ctx)
	go func() {
		defer close(pingDone)
		c.keepAlive(pingCtx, ws)
	}()

	inbox := make(chan inboundMessage, c.cfg.InboxSize)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for msg := range inbox {
			c.dispatch(msg.Target, msg.Arguments)
		}
	}()

	defer func() {
		stopPing()
		ws.Close()
		<-pingDone
		close(inbox)
		// Fail pending invocations before waiting on the dispatcher: a
		// handler may be blocked in Invoke.
		c.failPending()
		<-dispatchDone
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(c.cfg.ServerTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("hub read failed", "err", err)
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		for _, record := range splitRecords(frame) {
			if err := c.handleRecord(ctx, record, inbox); err != nil {
				return err
			}
		}
	}
}

// handleRecord processes one inbound record. It returns an error when the
// server asked to close or ctx ended while the inbox was full.
func (c *Conn) handleRecord(ctx context.Context, record []byte, inbox chan<- inboundMessage) error {
	var msg inboundMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		c.logger.Warn("invalid hub record", "err", err)
		return nil
	}

	switch msg.Type {
	case typeInvocation:
		select {
		case inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	case typeCompletion:
		c.complete(msg.InvocationID, msg.Error)
	case typePing:
	case typeClose:
		return &CloseError{Message: msg.Error, AllowReconnect: msg.AllowReconnect}
	default:
		c.logger.Debug("unhandled hub message", "type", msg.Type)
	}
	return nil
}

func (c *Conn) dispatch(target string, args []json.RawMessage) {
	c.handlersMu.RLock()
	handlers := c.handlers[strings.ToLower(target)]
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for hub method", "method", target)
		return
	}
	for _, h := range handlers {
		h(args)
	}
}

func (c *Conn) complete(id, errMsg string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- completion{errMsg: errMsg}
	}
}

func (c *Conn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan completion)
	c.ws = nil
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- completion{err: ErrConnectionLost}:
		default:
		}
	}
}

func (c *Conn) keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ws, pingMessage{Type: typePing}); err != nil {
				c.logger.Debug("failed to send ping", "err", err)
				return
			}
		}
	}
}

// reconnect dials until the policy gives up or ctx ends. It returns nil in
// both of those cases.
func (c *Conn) reconnect(ctx context.Context, cause error) *websocket.Conn {
	c.mu.Lock()
	c.state = stateReconnecting
	c.mu.Unlock()

	c.handlersMu.RLock()
	onReconnecting := c.onReconnecting
	c.handlersMu.RUnlock()
	if onReconnecting != nil {
		onReconnecting(cause)
	}

	for attempt := 0; ; attempt++ {
		delay, ok := c.cfg.Retry.NextRetryDelay(attempt)
		if !ok {
			c.logger.Warn("giving up reconnecting", "attempts", attempt)
			return nil
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Info("attempting reconnection", "attempt", attempt+1)
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("reconnection failed", "attempt", attempt+1, "err", err)
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			ws.Close()
			return nil
		}
		c.ws = ws
		c.state = stateConnected
		c.mu.Unlock()

		c.logger.Info("reconnected", "attempts", attempt+1)
		c.handlersMu.RLock()
		onReconnected := c.onReconnected
		c.handlersMu.RUnlock()
		if onReconnected != nil {
			onReconnected()
		}
		return ws
	}
}

// finish moves the connection to its terminal state and fires OnClose.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	c.state = stateClosed
	c.ws = nil
	cancel := c.cancel
	c.mu.Unlock()
	cancel()

	c.handlersMu.RLock()
	onClose := c.onClose
	c.handlersMu.RUnlock()
	if onClose != nil {
		onClose(err)
	}
}

func (c *Conn) write(ws *websocket.Conn, v any) error {
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// websocketURL rewrites an http(s) hub URL to ws(s) and adds the
// access_token query parameter browsers cannot send as a header.
func websocketURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
