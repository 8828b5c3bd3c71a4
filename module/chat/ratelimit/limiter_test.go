package ratelimit

import (
	"testing"
	"time"

	"BizChat/module/chat/model"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestLimiter(clk *fakeClock) *Limiter {
	return NewLimiter(Conf{Clock: clk.Now})
}

func TestMinuteLimitAndRetryAfter(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	l := newTestLimiter(clk)

	// 20 sends spread over 10 seconds
	for i := 0; i < 20; i++ {
		d := l.CanSend(7, model.RoleClient)
		if !d.Allowed {
			t.Fatalf("send %d unexpectedly denied: %s", i+1, d.Reason)
		}
		l.RecordSent(7, model.RoleClient)
		clk.Advance(500 * time.Millisecond)
	}

	d := l.CanSend(7, model.RoleClient)
	if d.Allowed {
		t.Fatal("21st send within the minute must be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", d.RetryAfter)
	}

	// roll the window past the oldest stamp
	clk.Advance(time.Minute)
	if d := l.CanSend(7, model.RoleClient); !d.Allowed {
		t.Fatalf("send after window rollover denied: %s", d.Reason)
	}
}

func TestHourEscalationBlocksPastRollingWindow(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	l := newTestLimiter(clk)

	// Pump 300 sends (= 1.5 x hourly 200) in well under an hour. RecordSent
	// does not consult CanSend, mirroring a caller that keeps probing.
	for i := 0; i < 300; i++ {
		l.RecordSent(9, model.RoleClient)
		clk.Advance(2 * time.Second) // 600s total, everything stays in the hour
	}

	d := l.CanSend(9, model.RoleClient)
	if d.Allowed {
		t.Fatal("escalation block expected after 1.5x hourly volume")
	}

	// Advance so the rolling hour empties out but the 15m block (set at the
	// 300th send) still stands.
	clk.Advance(14 * time.Minute)
	if d := l.CanSend(9, model.RoleClient); d.Allowed {
		t.Fatal("block must outlast the rolling window count")
	}

	// Past the block's own expiry it lazily clears; the hour window must
	// also have rolled off for the send to pass.
	clk.Advance(50 * time.Minute)
	if d := l.CanSend(9, model.RoleClient); !d.Allowed {
		t.Fatalf("expired block must self-clear, got: %s", d.Reason)
	}
}

func TestRoleDefaultsAndCustomOverride(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	l := newTestLimiter(clk)

	st := l.Status(1, model.RoleAdmin)
	if st.PerMinute != 60 || st.PerHour != 600 {
		t.Fatalf("admin defaults = %d/%d, want 60/600", st.PerMinute, st.PerHour)
	}
	st = l.Status(2, model.RoleClient)
	if st.PerMinute != 20 || st.PerHour != 200 {
		t.Fatalf("client defaults = %d/%d, want 20/200", st.PerMinute, st.PerHour)
	}

	l.SetCustomLimit(2, 2, 0)
	st = l.Status(2, model.RoleClient)
	if st.PerMinute != 2 || st.PerHour != 200 {
		t.Fatalf("override = %d/%d, want 2/200", st.PerMinute, st.PerHour)
	}

	l.RecordSent(2, model.RoleClient)
	l.RecordSent(2, model.RoleClient)
	if d := l.CanSend(2, model.RoleClient); d.Allowed {
		t.Fatal("custom per-minute limit of 2 must deny the 3rd send")
	}

	l.SetCustomLimit(2, 0, 0)
	if d := l.CanSend(2, model.RoleClient); !d.Allowed {
		t.Fatal("clearing the override must fall back to role defaults")
	}
}

func TestResetAndStatusCounts(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	l := newTestLimiter(clk)

	for i := 0; i < 5; i++ {
		l.RecordSent(3, model.RoleClient)
	}
	clk.Advance(2 * time.Minute)
	l.RecordSent(3, model.RoleClient)

	st := l.Status(3, model.RoleClient)
	if st.CountLastMinute != 1 || st.CountLastHour != 6 {
		t.Fatalf("counts = %d/%d, want 1 minute / 6 hour", st.CountLastMinute, st.CountLastHour)
	}

	l.Reset(3)
	st = l.Status(3, model.RoleClient)
	if st.CountLastMinute != 0 || st.CountLastHour != 0 || !st.BlockedUntil.IsZero() {
		t.Fatalf("reset left state behind: %+v", st)
	}
}
