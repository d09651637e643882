package hub

import (
	"context"
	"testing"

	"farmchat/internal/domain"
)

func newTestInstances(d *fakeDialer) *Instances {
	return NewInstances(Config{Dialer: d.dial, Logger: testLogger()})
}

func TestInstances_SameTokenReused(t *testing.T) {
	d := &fakeDialer{}
	r := newTestInstances(d)
	ctx := context.Background()

	a := r.GetOrCreate(ctx, "token-a")
	a.Start(ctx)
	var delivered int
	a.SubscribeMessage(func(domain.ChatMessage) { delivered++ })

	b := r.GetOrCreate(ctx, "token-a")
	if a != b {
		t.Fatal("expected the same manager for the same token")
	}
	if a.State() != domain.Connected || d.count() != 1 {
		t.Errorf("reuse disturbed the connection: state=%v transports=%d", a.State(), d.count())
	}
	if a.messages.Len() != 1 {
		t.Error("reuse dropped subscribers")
	}
}

func TestInstances_DifferentTokenReplaces(t *testing.T) {
	d := &fakeDialer{}
	r := newTestInstances(d)
	ctx := context.Background()

	a := r.GetOrCreate(ctx, "token-a")
	a.Start(ctx)

	b := r.GetOrCreate(ctx, "token-b")
	if a == b {
		t.Fatal("expected a new manager for a different token")
	}
	if a.State() != domain.Disconnected {
		t.Errorf("old manager state = %v, want disconnected", a.State())
	}
	if b.Token() != "token-b" || r.Current() != b {
		t.Errorf("registry does not hold the new manager")
	}

	b.Start(ctx)
	if got := d.conn(1).token; got != "token-b" {
		t.Errorf("new transport token = %q, want token-b", got)
	}
}

func TestInstances_TokenComparisonIsExact(t *testing.T) {
	d := &fakeDialer{}
	r := newTestInstances(d)
	ctx := context.Background()

	a := r.GetOrCreate(ctx, "Token")
	if b := r.GetOrCreate(ctx, "Token "); a == b {
		t.Error("tokens differing by whitespace must not share a manager")
	}
}

func TestInstances_Destroy(t *testing.T) {
	d := &fakeDialer{}
	r := newTestInstances(d)
	ctx := context.Background()

	r.Destroy(ctx) // empty registry

	a := r.GetOrCreate(ctx, "token-a")
	a.Start(ctx)
	r.Destroy(ctx)

	if r.Current() != nil {
		t.Error("expected no manager after Destroy")
	}
	if a.State() != domain.Disconnected {
		t.Errorf("destroyed manager state = %v, want disconnected", a.State())
	}
	if b := r.GetOrCreate(ctx, "token-a"); b == a {
		t.Error("expected a fresh manager after Destroy")
	}
}
