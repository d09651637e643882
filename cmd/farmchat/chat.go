package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"farmchat/internal/config"
	"farmchat/internal/domain"
	"farmchat/internal/hub"
	"farmchat/internal/journal"
	"farmchat/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// session bundles what every hub-facing command needs.
type session struct {
	cfg       *config.Config
	token     string
	store     *journal.SQLiteStore
	instances *hub.Instances
	closeLog  func()
}

func openSession() (*session, error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token, err := resolveToken(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}
	roles, err := hub.ParseRoleMap(cfg.Hub.SenderRoleCodes)
	if err != nil {
		closeLog()
		return nil, err
	}

	s := &session{cfg: cfg, token: token, closeLog: closeLog}

	base := hub.Config{
		Dialer: hub.NewDialer(hub.DialerConfig{
			URL:              cfg.HubEndpoint(),
			HandshakeTimeout: time.Duration(cfg.Hub.HandshakeTimeoutSeconds) * time.Second,
			Logger:           logger,
		}),
		Logger:    logger,
		RoleCodes: roles,
		StopWait:  time.Duration(cfg.Hub.StopWaitMs) * time.Millisecond,
		SendRate:  cfg.Hub.SendRatePerSecond,
		SendBurst: cfg.Hub.SendBurst,
	}

	if cfg.Journal.Enabled {
		store, err := journal.NewSQLiteStore(cfg.Journal.DBPath, logger)
		if err != nil {
			// The journal is diagnostic only; chat still works without it.
			logger.Warn("journal unavailable", "path", cfg.Journal.DBPath, "err", err)
		} else {
			s.store = store
			base.Journal = store
		}
	}

	s.instances = hub.NewInstances(base)
	return s, nil
}

// manager returns the hub manager for the session token.
func (s *session) manager(ctx context.Context) *hub.Manager {
	return s.instances.GetOrCreate(ctx, s.token)
}

// connect starts m and reports whether it reached Connected.
func (s *session) connect(ctx context.Context, m *hub.Manager, command string) error {
	s.record(ctx, m, command)
	m.Start(ctx)
	if st := m.State(); st != domain.Connected {
		return fmt.Errorf("could not connect to %s (state %s)", s.cfg.HubEndpoint(), st)
	}
	return nil
}

func (s *session) record(ctx context.Context, m *hub.Manager, command string) {
	if s.store == nil {
		return
	}
	err := s.store.Record(ctx, domain.JournalEntry{
		SessionID: m.SessionID(),
		Kind:      journal.KindCommand,
		State:     m.State().String(),
		Detail:    command,
	})
	if err != nil {
		logger.Warn("journal record failed", "err", err)
	}
}

// close stops the manager and releases the journal and log file.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.instances.Destroy(ctx)
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warn("journal close failed", "err", err)
		}
	}
	s.closeLog()
}

// eventWriter prints hub events as JSON lines. Subscribers may call it from
// different goroutines.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type eventLine struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(w)}
}

func (w *eventWriter) write(typ string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(eventLine{Type: typ, At: time.Now().UTC(), Data: data}); err != nil {
		logger.Warn("write event failed", "type", typ, "err", err)
	}
}

func listenCmd() *cobra.Command {
	var joins []int64
	var showState bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream incoming messages and conversation updates as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(joins, showState)
		},
	}
	cmd.Flags().Int64SliceVar(&joins, "join", nil, "conversation ids to join (repeatable)")
	cmd.Flags().BoolVar(&showState, "state", false, "also print connection state changes")
	return cmd
}

func runListen(joins []int64, showState bool) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.store != nil && s.cfg.Journal.RetentionDays > 0 {
		retention := time.Duration(s.cfg.Journal.RetentionDays) * 24 * time.Hour
		if n, err := s.store.Prune(ctx, retention); err != nil {
			logger.Warn("journal prune failed", "err", err)
		} else if n > 0 {
			logger.Info("journal pruned", "entries", n)
		}
	}

	var metricsSrv *http.Server
	if s.cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(s.cfg.Metrics)
	}

	out := newEventWriter(os.Stdout)
	m := s.manager(ctx)
	m.SubscribeMessage(func(msg domain.ChatMessage) { out.write("message", msg) })
	m.SubscribeConversationUpdate(func(u domain.ConversationUpdate) { out.write("conversationUpdated", u) })

	// lost fires when the connection drops for good after having been up.
	lost := make(chan struct{})
	var lostOnce sync.Once
	var wasUp atomic.Bool
	m.SubscribeConnectionState(func(st domain.ConnectionState) {
		if showState {
			out.write("state", st.String())
		}
		switch st {
		case domain.Connected:
			if wasUp.Swap(true) {
				// Rooms do not survive a reconnect. Join off the callback
				// goroutine so the transport can keep reading.
				go joinAll(ctx, m, joins)
			}
		case domain.Disconnected:
			if wasUp.Load() {
				lostOnce.Do(func() { close(lost) })
			}
		}
	})

	if err := s.connect(ctx, m, "listen"); err != nil {
		shutdownMetrics(metricsSrv)
		return err
	}
	joinAll(ctx, m, joins)

	logger.Info("listening. Press Ctrl+C to stop.", "endpoint", s.cfg.HubEndpoint(), "session", m.SessionID())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-lost:
		runErr = errors.New("connection to hub lost")
	}

	for _, id := range joins {
		if m.State() != domain.Connected {
			break
		}
		leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		m.LeaveConversation(leaveCtx, id)
		cancel()
	}
	shutdownMetrics(metricsSrv)
	return runErr
}

func joinAll(ctx context.Context, m *hub.Manager, ids []int64) {
	for _, id := range ids {
		m.JoinConversation(ctx, id)
	}
}

func serveMetrics(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Collector.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", cfg.Addr, "err", err)
		}
	}()
	logger.Info("metrics server started", "addr", cfg.Addr, "path", cfg.Path)
	return srv
}

func shutdownMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", "err", err)
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversationId> <text...>",
		Short: "Send a message to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			return runOnce("send", func(ctx context.Context, m *hub.Manager) error {
				if err := m.SendMessage(ctx, id, text); err != nil {
					return err
				}
				logger.Info("message sent", "conversation", id)
				return nil
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversationId>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return runOnce("read", func(ctx context.Context, m *hub.Manager) error {
				if err := m.MarkAsRead(ctx, id); err != nil {
					return err
				}
				logger.Info("conversation marked as read", "conversation", id)
				return nil
			})
		},
	}
}

// runOnce connects, runs fn, and disconnects.
func runOnce(command string, fn func(context.Context, *hub.Manager) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Hub.HandshakeTimeoutSeconds)*time.Second+shutdownTimeout)
	defer cancel()

	m := s.manager(ctx)
	if err := s.connect(ctx, m, command); err != nil {
		return err
	}
	return fn(ctx, m)
}
