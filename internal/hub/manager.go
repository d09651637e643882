// Package hub manages the real-time chat connection: lifecycle, reconnect
// policy, subscriber fan-out and the optional room operations.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"farmchat/internal/bus"
	"farmchat/internal/domain"
	"farmchat/internal/metrics"
)

// Hub method names. They are part of the wire contract.
const (
	methodSendMessage       = "SendMessage"
	methodMarkAsRead        = "MarkAsRead"
	methodJoinConversation  = "JoinConversation"
	methodLeaveConversation = "LeaveConversation"

	eventReceiveMessage      = "ReceiveMessage"
	eventConversationUpdated = "ConversationUpdated"
	eventMessagesRead        = "MessagesRead"
	eventError               = "Error"
)

// ErrNotConnected is returned by outbound operations while no connection
// is established.
var ErrNotConnected = errors.New("chat hub is not connected")

const defaultStopWait = time.Second

// Config configures a Manager.
type Config struct {
	Token  string
	Dialer domain.HubDialer
	Logger *slog.Logger

	// RoleCodes maps numeric senderType codes. Without it only role names
	// are recognized.
	RoleCodes RoleMap

	// StopWait bounds how long Start waits for an in-progress Stop.
	StopWait time.Duration

	// SendRate limits SendMessage calls per second. Zero disables it.
	SendRate  float64
	SendBurst int

	// Unsupported classifies room operation failures. Nil uses
	// MethodDoesNotExist.
	Unsupported UnsupportedFunc

	// Journal, when set, receives state transitions and capability changes.
	Journal domain.JournalStore
}

// Manager owns at most one hub connection at a time and fans its events
// out to subscribers.
type Manager struct {
	token   string
	session string
	dialer  domain.HubDialer
	logger  *slog.Logger
	roles   RoleMap
	wait    time.Duration
	limiter *rate.Limiter
	journal domain.JournalStore
	caps    *capabilities

	messages *bus.Topic[domain.ChatMessage]
	updates  *bus.Topic[domain.ConversationUpdate]
	states   *bus.Topic[domain.ConnectionState]
	feed     stateFeed

	mu       sync.Mutex
	state    domain.ConnectionState
	conn     domain.HubConnection
	stopping bool
	stopDone chan struct{}
}

// NewManager creates a disconnected manager bound to cfg.Token.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = defaultStopWait
	}

	session := uuid.NewString()
	logger := cfg.Logger.With("component", "hub", "session", session)

	m := &Manager{
		token:    cfg.Token,
		session:  session,
		dialer:   cfg.Dialer,
		logger:   logger,
		roles:    cfg.RoleCodes,
		wait:     cfg.StopWait,
		journal:  cfg.Journal,
		caps:     newCapabilities(cfg.Unsupported),
		messages: bus.NewTopic[domain.ChatMessage]("message", logger),
		updates:  bus.NewTopic[domain.ConversationUpdate]("conversation_update", logger),
		states:   bus.NewTopic[domain.ConnectionState]("connection_state", logger),
	}
	if len(m.roles) == 0 {
		logger.Warn("no sender role codes configured, numeric senderType values will be unrecognized")
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return m
}

// Token returns the credential this manager was built with.
func (m *Manager) Token() string { return m.token }

// SessionID identifies this manager in logs and the journal.
func (m *Manager) SessionID() string { return m.session }

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RoomsSupported reports whether JoinConversation and LeaveConversation
// are still attempted.
func (m *Manager) RoomsSupported() bool {
	return m.caps.roomsSupported()
}

// Start opens the connection if none exists. It never returns an error:
// a failed open moves the manager back to Disconnected, which state
// subscribers observe. Calls made while a connection exists or is opening
// are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopping {
		done := m.stopDone
		m.mu.Unlock()

		timer := time.NewTimer(m.wait)
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			m.logger.Debug("start skipped, stop still in progress")
			return
		}
	}
	if m.conn != nil {
		m.mu.Unlock()
		return
	}
	if m.dialer == nil {
		m.mu.Unlock()
		m.logger.Error("no hub dialer configured")
		return
	}

	conn := m.dialer(m.token)
	m.conn = conn
	m.wire(conn)
	changed := m.setStateLocked(domain.Connecting)
	m.mu.Unlock()
	m.notify(changed, domain.Connecting, "")

	err := conn.Start(ctx)

	m.mu.Lock()
	if m.conn != conn || m.stopping {
		// Stop took over while the open was in flight.
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.conn = nil
		changed = m.setStateLocked(domain.Disconnected)
		m.mu.Unlock()

		metrics.OpenFailures.Inc()
		m.logger.Warn("hub connection failed", "err", err)
		m.notify(changed, domain.Disconnected, err.Error())
		return
	}
	if m.state != domain.Connecting {
		// The transport reported a drop before the open returned; its
		// reconnect signals own the state from here.
		m.mu.Unlock()
		return
	}
	changed = m.setStateLocked(domain.Connected)
	m.mu.Unlock()

	m.logger.Info("hub connected")
	m.notify(changed, domain.Connected, "")
}

// Stop closes the connection, moves to Disconnected and drops every
// subscriber. It returns at once when there is no connection.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.conn == nil || m.stopping {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.stopping = true
	m.stopDone = make(chan struct{})
	m.mu.Unlock()

	if err := conn.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("hub close failed", "err", err)
	}

	m.mu.Lock()
	changed := m.setStateLocked(domain.Disconnected)
	m.feed.enqueue(m.states.Clear)
	m.mu.Unlock()
	m.notify(changed, domain.Disconnected, "stopped")

	m.messages.Clear()
	m.updates.Clear()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.stopping = false
	close(m.stopDone)
	m.mu.Unlock()

	m.logger.Info("hub stopped")
}

// SubscribeMessage registers fn for inbound chat messages. Each subscriber
// gets its own copy of the Images slice.
func (m *Manager) SubscribeMessage(fn func(domain.ChatMessage)) (unsubscribe func()) {
	return m.messages.Subscribe(func(msg domain.ChatMessage) {
		msg.Images = slices.Clone(msg.Images)
		fn(msg)
	})
}

// SubscribeConversationUpdate registers fn for conversation summaries.
func (m *Manager) SubscribeConversationUpdate(fn func(domain.ConversationUpdate)) (unsubscribe func()) {
	return m.updates.Subscribe(fn)
}

// SubscribeConnectionState registers fn for state transitions and calls it
// right away with the current state. fn sees states in the order they were
// set; the last value it receives is the manager's current state.
func (m *Manager) SubscribeConnectionState(fn func(domain.ConnectionState)) (unsubscribe func()) {
	var gone atomic.Bool

	m.mu.Lock()
	remove := m.states.Subscribe(fn)
	current := m.state
	m.feed.enqueue(func() {
		if !gone.Load() {
			m.states.Deliver(fn, current)
		}
	})
	m.mu.Unlock()
	m.feed.drain()

	return func() {
		gone.Store(true)
		remove()
	}
}

// SendMessage posts text to a conversation.
func (m *Manager) SendMessage(ctx context.Context, conversationID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("send message: empty text")
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	if err := m.invoke(ctx, methodSendMessage, conversationID, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// MarkAsRead marks every message in a conversation as read.
func (m *Manager) MarkAsRead(ctx context.Context, conversationID int64) error {
	if err := m.invoke(ctx, methodMarkAsRead, conversationID); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

// JoinConversation asks the hub to route a conversation's events to this
// connection. Failures are logged; messages arrive without it.
func (m *Manager) JoinConversation(ctx context.Context, conversationID int64) {
	m.invokeRoom(ctx, methodJoinConversation, conversationID)
}

// LeaveConversation undoes JoinConversation.
func (m *Manager) LeaveConversation(ctx context.Context, conversationID int64) {
	m.invokeRoom(ctx, methodLeaveConversation, conversationID)
}

func (m *Manager) invokeRoom(ctx context.Context, method string, conversationID int64) {
	if !m.caps.roomsSupported() {
		m.logger.Debug("room operations unsupported, skipping", "method", method, "conversation", conversationID)
		return
	}

	err := m.invoke(ctx, method, conversationID)
	if err == nil {
		return
	}

	handled, downgraded := m.caps.observe(err)
	if !handled {
		m.logger.Warn("room operation failed", "method", method, "conversation", conversationID, "err", err)
		return
	}
	if downgraded {
		metrics.CapabilityDowngrades.Inc()
		m.logger.Info("hub does not support room operations, disabling them", "method", method)
		m.record("capability", "", "rooms disabled: "+method+" not supported")
	}
}

func (m *Manager) invoke(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != domain.Connected {
		return ErrNotConnected
	}

	start := time.Now()
	err := conn.Invoke(ctx, method, args...)
	metrics.InvokeLatency.Observe(time.Since(start).Seconds())
	return err
}

// wire registers the inbound handlers and lifecycle signals on conn. Every
// callback checks that conn is still the manager's connection.
func (m *Manager) wire(conn domain.HubConnection) {
	conn.On(eventReceiveMessage, func(args []json.RawMessage) {
		if m.current(conn) {
			m.handleMessage(args)
		}
	})
	conn.On(eventConversationUpdated, func(args []json.RawMessage) {
		if m.current(conn) {
			m.handleUpdate(args)
		}
	})
	conn.On(eventMessagesRead, func(args []json.RawMessage) {
		if m.current(conn) {
			m.handleMessagesRead(args)
		}
	})
	conn.On(eventError, func(args []json.RawMessage) {
		if m.current(conn) {
			m.handleError(args)
		}
	})

	conn.OnReconnecting(func(err error) { m.transition(conn, domain.Reconnecting, err) })
	conn.OnReconnected(func() { m.transition(conn, domain.Connected, nil) })
	conn.OnClose(func(err error) { m.closed(conn, err) })
}

func (m *Manager) current(conn domain.HubConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

// transition applies a reconnect signal from the transport.
func (m *Manager) transition(conn domain.HubConnection, to domain.ConnectionState, cause error) {
	m.mu.Lock()
	if m.conn != conn || m.stopping {
		m.mu.Unlock()
		return
	}
	changed := m.setStateLocked(to)
	m.mu.Unlock()

	detail := ""
	if to == domain.Reconnecting {
		metrics.ReconnectAttempts.Inc()
		m.logger.Warn("hub connection lost, reconnecting", "err", cause)
		if cause != nil {
			detail = cause.Error()
		}
	} else {
		m.logger.Info("hub reconnected")
	}
	m.notify(changed, to, detail)
}

// closed handles the transport ending on its own.
func (m *Manager) closed(conn domain.HubConnection, err error) {
	m.mu.Lock()
	if m.conn != conn || m.stopping {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	changed := m.setStateLocked(domain.Disconnected)
	m.mu.Unlock()

	detail := ""
	if err != nil {
		detail = err.Error()
		m.logger.Warn("hub connection closed", "err", err)
	} else {
		m.logger.Info("hub connection closed")
	}
	m.notify(changed, domain.Disconnected, detail)
}

func (m *Manager) handleMessage(args []json.RawMessage) {
	if len(args) == 0 {
		m.logger.Warn("ReceiveMessage without payload")
		return
	}
	msg, knownRole, err := decodeMessage(args[0], m.roles)
	if err != nil {
		m.logger.Warn("dropping undecodable message", "err", err)
		return
	}
	if !knownRole {
		m.logger.Warn("unrecognized sender type", "message", msg.ID, "raw", string(senderField(args[0])))
	}
	metrics.MessagesDispatched.Inc()
	m.messages.Publish(msg)
}

func (m *Manager) handleUpdate(args []json.RawMessage) {
	if len(args) == 0 {
		m.logger.Warn("ConversationUpdated without payload")
		return
	}
	update, err := decodeUpdate(args[0])
	if err != nil {
		m.logger.Warn("dropping undecodable conversation update", "err", err)
		return
	}
	metrics.UpdatesDispatched.Inc()
	m.updates.Publish(update)
}

func (m *Manager) handleMessagesRead(args []json.RawMessage) {
	metrics.ReadReceipts.Inc()
	if len(args) == 0 {
		m.logger.Warn("MessagesRead without payload")
		return
	}
	var conversationID int64
	if err := json.Unmarshal(args[0], &conversationID); err != nil {
		m.logger.Warn("undecodable MessagesRead payload", "raw", string(args[0]), "err", err)
		return
	}
	m.logger.Info("messages read", "conversation", conversationID)
}

func (m *Manager) handleError(args []json.RawMessage) {
	metrics.HubErrors.Inc()
	var text string
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &text); err != nil {
			text = string(args[0])
		}
	}
	m.logger.Warn("hub reported an error", "message", text)
}

// setStateLocked updates the state, queues its publication and reports
// whether it changed. m.mu must be held.
func (m *Manager) setStateLocked(s domain.ConnectionState) bool {
	if m.state == s {
		return false
	}
	m.state = s
	metrics.ConnectionState.Set(int64(s))
	m.feed.enqueue(func() { m.states.Publish(s) })
	return true
}

// notify journals a state change and delivers queued state updates. m.mu
// must not be held.
func (m *Manager) notify(changed bool, s domain.ConnectionState, detail string) {
	if changed {
		m.record("state", s.String(), detail)
	}
	m.feed.drain()
}

func (m *Manager) record(kind, state, detail string) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry := domain.JournalEntry{
		SessionID: m.session,
		Kind:      kind,
		State:     state,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.journal.Record(ctx, entry); err != nil {
		m.logger.Warn("failed to record journal entry", "kind", kind, "err", err)
	}
}

func senderField(raw json.RawMessage) json.RawMessage {
	var probe struct {
		SenderType json.RawMessage `json:"senderType"`
	}
	json.Unmarshal(raw, &probe)
	return probe.SenderType
}
