package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"farmchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type invocation struct {
	Method string
	Args   []any
}

// fakeConn is an in-memory HubConnection.
type fakeConn struct {
	token string

	startGate chan struct{} // when set, Start blocks until it is closed
	startErr  error
	stopGate  chan struct{} // when set, Stop blocks until it is closed
	invokeErr func(method string) error

	starts atomic.Int32
	stops  atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}

	mu             sync.Mutex
	handlers       map[string][]func([]json.RawMessage)
	onReconnecting func(error)
	onReconnected  func()
	onClose        func(error)
	invocations    []invocation
}

func (f *fakeConn) Start(ctx context.Context) error {
	f.starts.Add(1)
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-f.stopped:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.startErr
}

func (f *fakeConn) Stop(ctx context.Context) error {
	f.stops.Add(1)
	f.stopOnce.Do(func() { close(f.stopped) })
	if f.stopGate != nil {
		select {
		case <-f.stopGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeConn) Invoke(_ context.Context, method string, args ...any) error {
	f.mu.Lock()
	f.invocations = append(f.invocations, invocation{Method: method, Args: args})
	f.mu.Unlock()
	if f.invokeErr != nil {
		return f.invokeErr(method)
	}
	return nil
}

func (f *fakeConn) On(method string, handler func([]json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = append(f.handlers[method], handler)
}

func (f *fakeConn) OnReconnecting(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnecting = fn
}

func (f *fakeConn) OnReconnected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnected = fn
}

func (f *fakeConn) OnClose(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

// emit delivers a server-to-client call with one JSON argument.
func (f *fakeConn) emit(t *testing.T, method string, payload string) {
	t.Helper()
	f.mu.Lock()
	handlers := f.handlers[method]
	f.mu.Unlock()
	if len(handlers) == 0 {
		t.Fatalf("no handler registered for %s", method)
	}
	for _, h := range handlers {
		h([]json.RawMessage{json.RawMessage(payload)})
	}
}

func (f *fakeConn) reconnecting(err error) {
	f.mu.Lock()
	fn := f.onReconnecting
	f.mu.Unlock()
	fn(err)
}

func (f *fakeConn) reconnected() {
	f.mu.Lock()
	fn := f.onReconnected
	f.mu.Unlock()
	fn()
}

func (f *fakeConn) close(err error) {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	fn(err)
}

func (f *fakeConn) calls() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.invocations...)
}

// fakeDialer records every connection it builds. configure, when set,
// adjusts each new connection before it is returned.
type fakeDialer struct {
	configure func(*fakeConn)

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(token string) domain.HubConnection {
	f := &fakeConn{
		token:    token,
		stopped:  make(chan struct{}),
		handlers: make(map[string][]func([]json.RawMessage)),
	}
	if d.configure != nil {
		d.configure(f)
	}
	d.mu.Lock()
	d.conns = append(d.conns, f)
	d.mu.Unlock()
	return f
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newTestManager(token string, d *fakeDialer) *Manager {
	return NewManager(Config{
		Token:    token,
		Dialer:   d.dial,
		Logger:   testLogger(),
		StopWait: 50 * time.Millisecond,
	})
}

// memJournal is an in-memory JournalStore.
type memJournal struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
}

func (j *memJournal) Record(_ context.Context, e domain.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = int64(len(j.entries) + 1)
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Recent(_ context.Context, limit int) ([]domain.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit > len(j.entries) {
		limit = len(j.entries)
	}
	return append([]domain.JournalEntry(nil), j.entries[len(j.entries)-limit:]...), nil
}

func (j *memJournal) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }
func (j *memJournal) Close() error                                        { return nil }

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
