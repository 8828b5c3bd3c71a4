package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"BizChat/module/chat/presence"
	"BizChat/module/chat/store"
	"BizChat/service/push"
)

type fakeSink struct {
	mu     sync.Mutex
	events []push.Event
	conns  []string
}

func (f *fakeSink) PushToConn(_ context.Context, connID string, ev push.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.conns = append(f.conns, connID)
	return nil
}

func (f *fakeSink) PushToRoom(_ context.Context, _ string, ev push.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) countType(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	reg  *presence.Registry
	sink *fakeSink
	st   *store.Memory
	ctl  *Controller
	now  time.Time
	mu   sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture() *fixture {
	f := &fixture{
		sink: &fakeSink{},
		st:   store.NewMemory(),
		now:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.reg = presence.NewRegistry(presence.Conf{GatewayID: "gw_test", Clock: f.clock}, nil, nil)
	f.ctl = NewController(f.reg, f.sink, f.st, Conf{WarnGrace: time.Millisecond, Clock: f.clock})
	return f
}

func TestForceDisconnectUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.reg.AddConnection(ctx, 7, "c1", presence.Meta{})
	f.reg.AddConnection(ctx, 7, "c2", presence.Meta{})

	if !f.ctl.ForceDisconnectUser(ctx, 7, "maintenance", 100) {
		t.Fatal("ForceDisconnectUser returned false")
	}
	if f.reg.IsOnline(7) {
		t.Error("user should be offline after forced disconnect")
	}
	if n := f.sink.countType(push.EventDisconnectWarn); n != 2 {
		t.Errorf("disconnect warnings = %d, want 2 (one per connection)", n)
	}
}

func TestForceDisconnectOfflineUserIsNoopSuccess(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if !f.ctl.ForceDisconnectUser(ctx, 42, "gone", 100) {
		t.Error("disconnecting an offline user must succeed (end state holds)")
	}
	if !f.ctl.ForceDisconnectConnection(ctx, "ghost", "gone", 100) {
		t.Error("disconnecting an unknown connection must succeed")
	}
	if n := f.sink.countType(push.EventDisconnectWarn); n != 0 {
		t.Errorf("warnings for nobody = %d, want 0", n)
	}
}

func TestForceDisconnectConnection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.reg.AddConnection(ctx, 7, "phone", presence.Meta{})
	f.reg.AddConnection(ctx, 7, "laptop", presence.Meta{})

	f.ctl.ForceDisconnectConnection(ctx, "phone", "suspicious", 100)
	if got := f.reg.ConnectionsFor(7); len(got) != 1 || got[0] != "laptop" {
		t.Fatalf("ConnectionsFor = %v, want [laptop] only", got)
	}
}

func TestBlockUserDisconnectsAndDenies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.reg.AddConnection(ctx, 9, "c1", presence.Meta{})

	if err := f.ctl.BlockUser(ctx, 9, "spam", time.Time{}, 100); err != nil {
		t.Fatal(err)
	}
	if f.reg.IsOnline(9) {
		t.Error("blocked user should be disconnected")
	}
	st := f.ctl.IsBlocked(9)
	if !st.Blocked || st.Reason != "spam" {
		t.Errorf("IsBlocked = %+v, want blocked with reason spam", st)
	}
	if n := f.sink.countType(push.EventBlocked); n != 1 {
		t.Errorf("blocked notices = %d, want 1", n)
	}
	// 封禁本身已是通知，不再额外发断线警告
	if n := f.sink.countType(push.EventDisconnectWarn); n != 0 {
		t.Errorf("disconnect warnings on block = %d, want 0", n)
	}
	if len(f.sink.conns) != 1 {
		t.Errorf("pushes to the connection = %d, want exactly 1", len(f.sink.conns))
	}
}

func TestBlockLazyExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	until := f.clock().Add(10 * time.Minute)
	if err := f.ctl.BlockUser(ctx, 9, "cooldown", until, 100); err != nil {
		t.Fatal(err)
	}
	if !f.ctl.IsBlocked(9).Blocked {
		t.Fatal("block should be active before until")
	}

	f.advance(11 * time.Minute)
	if f.ctl.IsBlocked(9).Blocked {
		t.Fatal("expired block should read as not blocked")
	}
	// 懒清理后再查仍是未封禁
	if f.ctl.IsBlocked(9).Blocked {
		t.Fatal("expired block resurrected")
	}
}

func TestUnblockUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.ctl.BlockUser(ctx, 9, "spam", time.Time{}, 100); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.UnblockUser(ctx, 9, 101); err != nil {
		t.Fatal(err)
	}
	if f.ctl.IsBlocked(9).Blocked {
		t.Error("user should be unblocked")
	}
}

func TestBlockHistoryPairing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 第一轮：封禁后解禁
	if err := f.ctl.BlockUser(ctx, 9, "first", time.Time{}, 100); err != nil {
		t.Fatal(err)
	}
	f.advance(time.Hour)
	if err := f.ctl.UnblockUser(ctx, 9, 101); err != nil {
		t.Fatal(err)
	}
	// 第二轮：仍在生效
	f.advance(time.Hour)
	if err := f.ctl.BlockUser(ctx, 9, "second", time.Time{}, 102); err != nil {
		t.Fatal(err)
	}

	hist, err := f.ctl.BlockHistory(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}

	latest, oldest := hist[0], hist[1]
	if latest.Reason != "second" || !latest.IsActive {
		t.Errorf("latest = %+v, want active block 'second'", latest)
	}
	if !latest.UnblockedAt.IsZero() {
		t.Errorf("latest should have no unblock, got %v", latest.UnblockedAt)
	}
	if oldest.Reason != "first" || oldest.IsActive {
		t.Errorf("oldest = %+v, want inactive block 'first'", oldest)
	}
	if oldest.UnblockedAt.IsZero() || oldest.UnblockedBy != 101 {
		t.Errorf("oldest should be paired with the unblock by 101, got %+v", oldest)
	}
}

func TestSessionListing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.reg.AddConnection(ctx, 5, "a", presence.Meta{})
	f.reg.AddConnection(ctx, 7, "b", presence.Meta{})

	if got := f.ctl.UserSessions(5); len(got) != 1 || got[0].ConnID != "a" {
		t.Errorf("UserSessions(5) = %v", got)
	}
	if got := f.ctl.AllActiveSessions(); len(got) != 2 {
		t.Errorf("AllActiveSessions len = %d, want 2", len(got))
	}
}
