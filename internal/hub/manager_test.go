package hub

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"farmchat/internal/domain"
	"farmchat/internal/metrics"
)

// stateRecorder collects published connection states.
type stateRecorder struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (r *stateRecorder) record(s domain.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionState(nil), r.states...)
}

func TestManager_StartConnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok-a", d)

	rec := &stateRecorder{}
	m.SubscribeConnectionState(rec.record)

	m.Start(context.Background())

	if m.State() != domain.Connected {
		t.Fatalf("state = %v, want connected", m.State())
	}
	want := []domain.ConnectionState{domain.Disconnected, domain.Connecting, domain.Connected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if d.count() != 1 || d.conn(0).token != "tok-a" {
		t.Errorf("expected one transport for tok-a")
	}
}

func TestManager_StartWhileConnectedIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)

	m.Start(context.Background())
	m.Start(context.Background())

	if d.count() != 1 {
		t.Fatalf("expected 1 transport, got %d", d.count())
	}
	if n := d.conn(0).starts.Load(); n != 1 {
		t.Errorf("expected 1 open, got %d", n)
	}
}

func TestManager_ConcurrentStartOpensOneTransport(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{configure: func(f *fakeConn) { f.startGate = gate }}
	m := newTestManager("tok", d)

	const callers = 8
	var returned atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start(context.Background())
			returned.Add(1)
		}()
	}

	// Every caller but the one opening the transport returns at once.
	waitFor(t, "non-opening callers", func() bool { return returned.Load() == callers-1 })
	if m.State() != domain.Connecting {
		t.Errorf("state while opening = %v, want connecting", m.State())
	}
	close(gate)
	wg.Wait()

	if d.count() != 1 {
		t.Fatalf("expected exactly 1 transport, got %d", d.count())
	}
	if m.State() != domain.Connected {
		t.Errorf("state = %v, want connected", m.State())
	}
}

func TestManager_StartFailure(t *testing.T) {
	d := &fakeDialer{configure: func(f *fakeConn) { f.startErr = errors.New("connection refused") }}
	m := newTestManager("tok", d)

	rec := &stateRecorder{}
	m.SubscribeConnectionState(rec.record)

	before := metrics.OpenFailures.Value()
	m.Start(context.Background())

	if m.State() != domain.Disconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}
	want := []domain.ConnectionState{domain.Disconnected, domain.Connecting, domain.Disconnected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if metrics.OpenFailures.Value() != before+1 {
		t.Error("expected open failure to be counted")
	}

	// The failed transport is released, so the next Start dials again.
	m.Start(context.Background())
	if d.count() != 2 {
		t.Errorf("expected a second transport, got %d", d.count())
	}
}

func TestManager_StopThenStartUsesFreshTransport(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)

	m.Start(context.Background())
	m.Stop(context.Background())
	m.Start(context.Background())

	if d.count() != 2 {
		t.Fatalf("expected 2 transports, got %d", d.count())
	}
	if d.conn(0).stops.Load() != 1 {
		t.Error("first transport was not stopped")
	}
	if d.conn(1).starts.Load() != 1 || d.conn(1).token != "tok" {
		t.Error("second transport not opened with the manager token")
	}
	if m.State() != domain.Connected {
		t.Errorf("state = %v, want connected", m.State())
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)

	m.Stop(context.Background()) // no transport yet
	m.Start(context.Background())
	m.Stop(context.Background())
	m.Stop(context.Background())

	if n := d.conn(0).stops.Load(); n != 1 {
		t.Errorf("expected 1 close, got %d", n)
	}
	if m.State() != domain.Disconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
}

func TestManager_StopClearsSubscribers(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)

	rec := &stateRecorder{}
	m.SubscribeConnectionState(rec.record)
	m.SubscribeMessage(func(domain.ChatMessage) {})
	m.SubscribeConversationUpdate(func(domain.ConversationUpdate) {})

	m.Start(context.Background())
	m.Stop(context.Background())

	states := rec.get()
	if states[len(states)-1] != domain.Disconnected {
		t.Errorf("last state = %v, want disconnected before clearing", states[len(states)-1])
	}
	if m.messages.Len() != 0 || m.updates.Len() != 0 || m.states.Len() != 0 {
		t.Errorf("subscribers not cleared: %d %d %d", m.messages.Len(), m.updates.Len(), m.states.Len())
	}
}

func TestManager_StopAbortsInflightStart(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	d := &fakeDialer{configure: func(f *fakeConn) { f.startGate = gate }}
	m := newTestManager("tok", d)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	waitFor(t, "open in flight", func() bool { return d.count() == 1 && d.conn(0).starts.Load() == 1 })

	m.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if m.State() != domain.Disconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
}

func TestManager_StartAbortsWhileStopHangs(t *testing.T) {
	stopGate := make(chan struct{})
	d := &fakeDialer{configure: func(f *fakeConn) { f.stopGate = stopGate }}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		m.Stop(context.Background())
		close(stopped)
	}()
	waitFor(t, "stop in progress", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.stopping
	})

	// StopWait is 50ms and the stop is still hanging, so this start aborts.
	m.Start(context.Background())
	if d.count() != 1 {
		t.Errorf("start during a hung stop dialed a new transport")
	}

	close(stopGate)
	<-stopped

	m.Start(context.Background())
	if d.count() != 2 || m.State() != domain.Connected {
		t.Errorf("start after stop: transports=%d state=%v", d.count(), m.State())
	}
}

func TestManager_StartWaitsForShortStop(t *testing.T) {
	stopGate := make(chan struct{})
	d := &fakeDialer{configure: func(f *fakeConn) { f.stopGate = stopGate }}
	m := NewManager(Config{Token: "tok", Dialer: d.dial, Logger: testLogger(), StopWait: 5 * time.Second})
	m.Start(context.Background())

	go m.Stop(context.Background())
	waitFor(t, "stop in progress", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.stopping
	})

	time.AfterFunc(20*time.Millisecond, func() { close(stopGate) })
	m.Start(context.Background())

	if d.count() != 2 || m.State() != domain.Connected {
		t.Errorf("expected fresh connection after stop finished: transports=%d state=%v", d.count(), m.State())
	}
}

func TestManager_ReceiveMessageDeliversDecodedMessage(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	var first, second []domain.ChatMessage
	m.SubscribeMessage(func(msg domain.ChatMessage) { first = append(first, msg) })
	m.SubscribeMessage(func(msg domain.ChatMessage) { second = append(second, msg) })

	d.conn(0).emit(t, "ReceiveMessage", `{"id":7,"conversationId":3,"senderType":"Vendor","messageText":"Hi","isRead":false,"createdAt":"2024-01-01T00:00:00Z","images":[]}`)

	want := domain.ChatMessage{
		ID:             7,
		ConversationID: 3,
		SenderType:     domain.SenderVendor,
		MessageText:    "Hi",
		IsRead:         false,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Images:         []domain.MessageImage{},
	}
	for name, got := range map[string][]domain.ChatMessage{"first": first, "second": second} {
		if len(got) != 1 {
			t.Fatalf("%s subscriber called %d times, want 1", name, len(got))
		}
		if !got[0].CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("%s CreatedAt = %v", name, got[0].CreatedAt)
		}
		g := got[0]
		g.CreatedAt = want.CreatedAt
		if !reflect.DeepEqual(g, want) {
			t.Errorf("%s got %+v, want %+v", name, g, want)
		}
	}
}

func TestManager_ConversationUpdated(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	var got []domain.ConversationUpdate
	m.SubscribeConversationUpdate(func(u domain.ConversationUpdate) { got = append(got, u) })

	d.conn(0).emit(t, "ConversationUpdated", `{"conversationId":3,"lastMessage":"Hi","lastMessageAt":"2024-01-01T10:30:00","unreadCount":2}`)
	d.conn(0).emit(t, "ConversationUpdated", `{"conversationId":4,"lastMessage":null,"lastMessageAt":null,"unreadCount":0}`)

	if len(got) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(got))
	}
	if got[0].ConversationID != 3 || got[0].LastMessage != "Hi" || got[0].UnreadCount != 2 {
		t.Errorf("unexpected first update %+v", got[0])
	}
	if !got[0].LastMessageAt.Equal(time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("LastMessageAt = %v", got[0].LastMessageAt)
	}
	if got[1].ConversationID != 4 || !got[1].LastMessageAt.IsZero() {
		t.Errorf("unexpected second update %+v", got[1])
	}
}

func TestManager_UnrecognizedSenderStillDelivered(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Config{
		Token:     "tok",
		Dialer:    d.dial,
		Logger:    testLogger(),
		RoleCodes: RoleMap{1: domain.SenderVendor},
	})
	m.Start(context.Background())

	var got []domain.ChatMessage
	m.SubscribeMessage(func(msg domain.ChatMessage) { got = append(got, msg) })

	d.conn(0).emit(t, "ReceiveMessage", `{"id":1,"conversationId":1,"senderType":9,"messageText":"x","createdAt":"2024-01-01T00:00:00Z"}`)
	d.conn(0).emit(t, "ReceiveMessage", `{"id":2,"conversationId":1,"senderType":1,"messageText":"y","createdAt":"2024-01-01T00:00:00Z"}`)

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].SenderType != domain.SenderUnrecognized {
		t.Errorf("code 9 -> %v, want Unrecognized", got[0].SenderType)
	}
	if got[1].SenderType != domain.SenderVendor {
		t.Errorf("code 1 -> %v, want Vendor", got[1].SenderType)
	}
}

func TestManager_PanickingSubscriberIsolated(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	var before, after int
	m.SubscribeMessage(func(domain.ChatMessage) { before++ })
	m.SubscribeMessage(func(msg domain.ChatMessage) {
		if msg.ID == 1 {
			panic("subscriber failure")
		}
	})
	m.SubscribeMessage(func(domain.ChatMessage) { after++ })

	d.conn(0).emit(t, "ReceiveMessage", `{"id":1,"conversationId":1,"senderType":"Customer","messageText":"a","createdAt":"2024-01-01T00:00:00Z"}`)
	d.conn(0).emit(t, "ReceiveMessage", `{"id":2,"conversationId":1,"senderType":"Customer","messageText":"b","createdAt":"2024-01-01T00:00:00Z"}`)

	if before != 2 || after != 2 {
		t.Errorf("before=%d after=%d, want 2 and 2", before, after)
	}
}

func TestManager_LateStateSubscriberGetsCurrentState(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	rec := &stateRecorder{}
	m.SubscribeConnectionState(rec.record)

	want := []domain.ConnectionState{domain.Connected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("late subscriber got %v, want %v", got, want)
	}
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	var count int
	unsubscribe := m.SubscribeMessage(func(domain.ChatMessage) { count++ })
	payload := `{"id":1,"conversationId":1,"senderType":"Customer","messageText":"a","createdAt":"2024-01-01T00:00:00Z"}`

	d.conn(0).emit(t, "ReceiveMessage", payload)
	unsubscribe()
	unsubscribe()
	d.conn(0).emit(t, "ReceiveMessage", payload)

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestManager_ReconnectSignals(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	rec := &stateRecorder{}
	m.SubscribeConnectionState(rec.record)

	conn := d.conn(0)
	conn.reconnecting(errors.New("read: connection reset"))
	if m.State() != domain.Reconnecting {
		t.Fatalf("state = %v, want reconnecting", m.State())
	}
	if err := m.SendMessage(context.Background(), 1, "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage while reconnecting = %v, want ErrNotConnected", err)
	}
	conn.reconnected()

	want := []domain.ConnectionState{domain.Connected, domain.Reconnecting, domain.Connected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if d.count() != 1 {
		t.Errorf("reconnect must not dial a new transport, got %d", d.count())
	}
}

func TestManager_TransportCloseReleasesConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	var delivered int
	m.SubscribeMessage(func(domain.ChatMessage) { delivered++ })

	d.conn(0).close(errors.New("server closed the connection"))
	if m.State() != domain.Disconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}

	// Subscribers survive an unsolicited close and see the next connection.
	m.Start(context.Background())
	if d.count() != 2 {
		t.Fatalf("expected a new transport, got %d", d.count())
	}
	d.conn(1).emit(t, "ReceiveMessage", `{"id":1,"conversationId":1,"senderType":"Vendor","messageText":"a","createdAt":"2024-01-01T00:00:00Z"}`)
	if delivered != 1 {
		t.Errorf("expected delivery on the new transport, got %d", delivered)
	}
}

func TestManager_IgnoresStaleTransport(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())
	m.Stop(context.Background())
	m.Start(context.Background())

	var delivered int
	m.SubscribeMessage(func(domain.ChatMessage) { delivered++ })

	stale := d.conn(0)
	stale.reconnecting(errors.New("late signal"))
	stale.close(nil)
	stale.emit(t, "ReceiveMessage", `{"id":1,"conversationId":1,"senderType":"Vendor","messageText":"a","createdAt":"2024-01-01T00:00:00Z"}`)

	if m.State() != domain.Connected {
		t.Errorf("stale transport changed state to %v", m.State())
	}
	if delivered != 0 {
		t.Errorf("stale transport delivered %d messages", delivered)
	}
}

func TestManager_CapabilityDowngrade(t *testing.T) {
	d := &fakeDialer{configure: func(f *fakeConn) {
		f.invokeErr = func(method string) error {
			if method == "JoinConversation" {
				return errors.New("invoke JoinConversation: Method does not exist.")
			}
			return nil
		}
	}}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	before := metrics.CapabilityDowngrades.Value()
	m.JoinConversation(context.Background(), 1)
	m.JoinConversation(context.Background(), 2)
	m.LeaveConversation(context.Background(), 3)

	calls := d.conn(0).calls()
	if len(calls) != 1 || calls[0].Method != "JoinConversation" {
		t.Fatalf("expected one remote attempt, got %+v", calls)
	}
	if m.RoomsSupported() {
		t.Error("expected room operations to be disabled")
	}
	if metrics.CapabilityDowngrades.Value() != before+1 {
		t.Error("expected one downgrade to be counted")
	}

	// The downgrade outlives a restart of the same manager.
	m.Stop(context.Background())
	m.Start(context.Background())
	m.LeaveConversation(context.Background(), 4)
	if n := len(d.conn(1).calls()); n != 0 {
		t.Errorf("expected no attempts after restart, got %d", n)
	}
}

func TestManager_OtherRoomFailureKeepsCapability(t *testing.T) {
	d := &fakeDialer{configure: func(f *fakeConn) {
		f.invokeErr = func(string) error { return errors.New("hub connection lost") }
	}}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	m.JoinConversation(context.Background(), 1)
	m.LeaveConversation(context.Background(), 1)

	if !m.RoomsSupported() {
		t.Error("a transient failure must not disable room operations")
	}
	if n := len(d.conn(0).calls()); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestManager_CustomUnsupportedFunc(t *testing.T) {
	sentinel := errors.New("capability missing")
	d := &fakeDialer{configure: func(f *fakeConn) {
		f.invokeErr = func(string) error { return sentinel }
	}}
	m := NewManager(Config{
		Token:       "tok",
		Dialer:      d.dial,
		Logger:      testLogger(),
		Unsupported: func(err error) bool { return errors.Is(err, sentinel) },
	})
	m.Start(context.Background())

	m.LeaveConversation(context.Background(), 1)
	m.JoinConversation(context.Background(), 1)

	if m.RoomsSupported() || len(d.conn(0).calls()) != 1 {
		t.Errorf("custom classifier not applied: supported=%v calls=%d", m.RoomsSupported(), len(d.conn(0).calls()))
	}
}

func TestManager_SendMessageAndMarkAsRead(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)

	if err := m.SendMessage(context.Background(), 5, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage before Start = %v, want ErrNotConnected", err)
	}
	if err := m.MarkAsRead(context.Background(), 5); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("MarkAsRead before Start = %v, want ErrNotConnected", err)
	}

	m.Start(context.Background())
	if err := m.SendMessage(context.Background(), 5, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := m.MarkAsRead(context.Background(), 5); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if err := m.SendMessage(context.Background(), 5, "   "); err == nil {
		t.Error("expected an error for empty text")
	}

	want := []invocation{
		{Method: "SendMessage", Args: []any{int64(5), "hello"}},
		{Method: "MarkAsRead", Args: []any{int64(5)}},
	}
	if got := d.conn(0).calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}

func TestManager_SendMessageRateLimited(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Config{Token: "tok", Dialer: d.dial, Logger: testLogger(), SendRate: 0.001, SendBurst: 1})
	m.Start(context.Background())

	if err := m.SendMessage(context.Background(), 1, "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.SendMessage(ctx, 1, "second"); err == nil {
		t.Error("expected the second send to be throttled")
	}
	if n := len(d.conn(0).calls()); n != 1 {
		t.Errorf("expected 1 invocation, got %d", n)
	}
}

func TestManager_RecordsJournal(t *testing.T) {
	d := &fakeDialer{configure: func(f *fakeConn) {
		f.invokeErr = func(string) error { return errors.New("Method does not exist.") }
	}}
	j := &memJournal{}
	m := NewManager(Config{Token: "tok", Dialer: d.dial, Logger: testLogger(), Journal: j})

	m.Start(context.Background())
	m.JoinConversation(context.Background(), 1)
	m.Stop(context.Background())

	entries, _ := j.Recent(context.Background(), 10)
	var kinds, states []string
	for _, e := range entries {
		if e.SessionID != m.SessionID() {
			t.Errorf("entry session = %q, want %q", e.SessionID, m.SessionID())
		}
		kinds = append(kinds, e.Kind)
		states = append(states, e.State)
	}
	wantKinds := []string{"state", "state", "capability", "state"}
	wantStates := []string{"connecting", "connected", "", "disconnected"}
	if !reflect.DeepEqual(kinds, wantKinds) || !reflect.DeepEqual(states, wantStates) {
		t.Errorf("journal kinds=%v states=%v", kinds, states)
	}
}

func TestManager_SessionIDUnique(t *testing.T) {
	d := &fakeDialer{}
	a := newTestManager("tok", d)
	b := newTestManager("tok", d)
	if a.SessionID() == "" || a.SessionID() == b.SessionID() {
		t.Errorf("session ids %q and %q", a.SessionID(), b.SessionID())
	}
}

func TestManager_DropDuringOpenKeepsReconnecting(t *testing.T) {
	gate := make(chan struct{})
	d := &fakeDialer{configure: func(f *fakeConn) { f.startGate = gate }}
	m := newTestManager("tok", d)

	rec := &stateRecorder{}
	m.SubscribeConnectionState(rec.record)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	waitFor(t, "transport start", func() bool { return d.count() == 1 && d.conn(0).starts.Load() == 1 })

	// The transport drops before its Start call returns.
	d.conn(0).reconnecting(errors.New("drop"))
	close(gate)
	<-done

	if got := m.State(); got != domain.Reconnecting {
		t.Fatalf("state = %v, want reconnecting", got)
	}
	want := []domain.ConnectionState{domain.Disconnected, domain.Connecting, domain.Reconnecting}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}

	d.conn(0).reconnected()
	if got := m.State(); got != domain.Connected {
		t.Fatalf("after reconnected state = %v, want connected", got)
	}
}

func TestManager_StateSubscribersEndOnCurrentState(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())
	conn := d.conn(0)

	const subscribers = 50
	recs := make([]*stateRecorder, subscribers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			conn.reconnecting(errors.New("drop"))
			conn.reconnected()
		}
	}()
	for i := range recs {
		recs[i] = &stateRecorder{}
		wg.Add(1)
		go func(r *stateRecorder) {
			defer wg.Done()
			m.SubscribeConnectionState(r.record)
		}(recs[i])
	}
	wg.Wait()

	if got := m.State(); got != domain.Connected {
		t.Fatalf("state = %v, want connected", got)
	}
	for i, r := range recs {
		got := r.get()
		if len(got) == 0 || got[len(got)-1] != domain.Connected {
			t.Errorf("subscriber %d last saw %v, want connected", i, got)
		}
	}
}

func TestManager_StateCallbackMayRestart(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	rec := &stateRecorder{}
	var restarted atomic.Bool
	m.SubscribeConnectionState(func(s domain.ConnectionState) {
		rec.record(s)
		if s == domain.Disconnected && !restarted.Swap(true) {
			m.Start(context.Background())
		}
	})

	d.conn(0).close(errors.New("server went away"))

	if d.count() != 2 {
		t.Fatalf("expected a second transport, got %d", d.count())
	}
	if got := m.State(); got != domain.Connected {
		t.Fatalf("state = %v, want connected", got)
	}
	want := []domain.ConnectionState{domain.Connected, domain.Disconnected, domain.Connecting, domain.Connected}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestManager_MessagesReadBadPayloadLogged(t *testing.T) {
	var buf bytes.Buffer
	d := &fakeDialer{}
	m := NewManager(Config{
		Token:  "tok",
		Dialer: d.dial,
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})),
	})
	m.Start(context.Background())

	d.conn(0).emit(t, "MessagesRead", `"not-a-number"`)
	out := buf.String()
	if !strings.Contains(out, "undecodable MessagesRead payload") || !strings.Contains(out, "not-a-number") {
		t.Errorf("expected decode warning with raw payload, got:\n%s", out)
	}
	if strings.Contains(out, "msg=\"messages read\"") {
		t.Errorf("bad payload logged as a read receipt:\n%s", out)
	}

	buf.Reset()
	d.conn(0).emit(t, "MessagesRead", `12`)
	if !strings.Contains(buf.String(), "conversation=12") {
		t.Errorf("expected read receipt for conversation 12, got:\n%s", buf.String())
	}
}

func TestManager_SubscribersGetOwnImages(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager("tok", d)
	m.Start(context.Background())

	var second []domain.ChatMessage
	m.SubscribeMessage(func(msg domain.ChatMessage) { msg.Images[0].URL = "changed" })
	m.SubscribeMessage(func(msg domain.ChatMessage) { second = append(second, msg) })

	d.conn(0).emit(t, "ReceiveMessage", `{"id":1,"conversationId":1,"senderType":"Vendor","messageText":"a","createdAt":"2024-01-01T00:00:00Z","images":[{"id":5,"url":"https://cdn/a.jpg"}]}`)

	if len(second) != 1 || second[0].Images[0].URL != "https://cdn/a.jpg" {
		t.Fatalf("second subscriber saw %+v", second)
	}
}
