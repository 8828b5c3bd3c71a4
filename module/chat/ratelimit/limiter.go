package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"BizChat/module/chat/model"
)

// ===== 配置 =====

type Limits struct {
	PerMinute int
	PerHour   int
}

type Conf struct {
	Client Limits // 默认 20/分、200/时
	Admin  Limits // 默认 60/分、600/时
	// EscalateFactor: 小时计数达到 PerHour*factor 时触发硬封禁。
	EscalateFactor float64
	BlockFor       time.Duration    // 硬封禁时长（默认 15m）
	Clock          func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	if c.Client.PerMinute <= 0 {
		c.Client.PerMinute = 20
	}
	if c.Client.PerHour <= 0 {
		c.Client.PerHour = 200
	}
	if c.Admin.PerMinute <= 0 {
		c.Admin.PerMinute = 60
	}
	if c.Admin.PerHour <= 0 {
		c.Admin.PerHour = 600
	}
	if c.EscalateFactor <= 1 {
		c.EscalateFactor = 1.5
	}
	if c.BlockFor <= 0 {
		c.BlockFor = 15 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Decision 以值返回：限流是常态分支，不是错误。
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

type Status struct {
	CountLastMinute int       `json:"countLastMinute"`
	CountLastHour   int       `json:"countLastHour"`
	PerMinute       int       `json:"perMinute"`
	PerHour         int       `json:"perHour"`
	BlockedUntil    time.Time `json:"blockedUntil,omitempty"`
}

// ===== 滑动窗口 =====

// 每用户独立互斥量：prune+count+append 对同一用户原子可见，
// 跨用户互不协调。
type window struct {
	mu           sync.Mutex
	stamps       []time.Time // 按时间升序，毫秒精度
	custom       *Limits
	blockedUntil time.Time
}

type Limiter struct {
	conf Conf

	mu    sync.Mutex // 仅守护 users map 本身
	users map[int64]*window
}

func NewLimiter(conf Conf) *Limiter {
	conf.norm()
	return &Limiter{conf: conf, users: make(map[int64]*window)}
}

func (l *Limiter) win(userID int64) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.users[userID]
	if w == nil {
		w = &window{}
		l.users[userID] = w
	}
	return w
}

// 用户级覆盖优先；覆盖里缺的一侧回落到角色默认。
func (l *Limiter) limitsFor(w *window, role string) Limits {
	base := l.conf.Client
	if role == model.RoleAdmin {
		base = l.conf.Admin
	}
	if w.custom != nil {
		if w.custom.PerMinute > 0 {
			base.PerMinute = w.custom.PerMinute
		}
		if w.custom.PerHour > 0 {
			base.PerHour = w.custom.PerHour
		}
	}
	return base
}

// prune 就地裁掉 1 小时前的戳。调用方必须持有 w.mu。
func prune(w *window, now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
}

func countSince(stamps []time.Time, cutoff time.Time) (n int, oldest time.Time) {
	for _, ts := range stamps {
		if ts.After(cutoff) {
			if n == 0 {
				oldest = ts
			}
			n++
		}
	}
	return n, oldest
}

// CanSend 检查且不记账；整个判定用同一次时钟读取，避免 prune 与 count
// 之间的边界竞态。
func (l *Limiter) CanSend(userID int64, role string) Decision {
	w := l.win(userID)
	now := l.conf.Clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	// 硬封禁短路一切；过期则在本次检查里懒清除。
	if !w.blockedUntil.IsZero() {
		if now.Before(w.blockedUntil) {
			return Decision{
				Reason:     "temporarily blocked for exceeding rate limits",
				RetryAfter: w.blockedUntil.Sub(now),
			}
		}
		w.blockedUntil = time.Time{}
	}

	prune(w, now)
	lim := l.limitsFor(w, role)

	hourCount := len(w.stamps)
	minuteCount, minuteOldest := countSince(w.stamps, now.Add(-time.Minute))

	if hourCount >= lim.PerHour {
		return Decision{
			Reason:     fmt.Sprintf("hourly limit of %d messages reached", lim.PerHour),
			RetryAfter: w.stamps[0].Add(time.Hour).Sub(now),
		}
	}
	if minuteCount >= lim.PerMinute {
		return Decision{
			Reason:     fmt.Sprintf("per-minute limit of %d messages reached", lim.PerMinute),
			RetryAfter: minuteOldest.Add(time.Minute).Sub(now),
		}
	}
	return Decision{Allowed: true}
}

// RecordSent appends a timestamp; call it only after a send was actually
// accepted. The escalation check lives here so a client probing exactly
// at the boundary still trips the hard block.
func (l *Limiter) RecordSent(userID int64, role string) {
	w := l.win(userID)
	now := l.conf.Clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	prune(w, now)
	w.stamps = append(w.stamps, now)

	lim := l.limitsFor(w, role)
	if float64(len(w.stamps)) >= float64(lim.PerHour)*l.conf.EscalateFactor {
		w.blockedUntil = now.Add(l.conf.BlockFor)
	}
}

func (l *Limiter) Status(userID int64, role string) Status {
	w := l.win(userID)
	now := l.conf.Clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	prune(w, now)
	lim := l.limitsFor(w, role)
	minuteCount, _ := countSince(w.stamps, now.Add(-time.Minute))
	st := Status{
		CountLastMinute: minuteCount,
		CountLastHour:   len(w.stamps),
		PerMinute:       lim.PerMinute,
		PerHour:         lim.PerHour,
	}
	if now.Before(w.blockedUntil) {
		st.BlockedUntil = w.blockedUntil
	}
	return st
}

// ===== 管理操作 =====

func (l *Limiter) Reset(userID int64) {
	w := l.win(userID)
	w.mu.Lock()
	w.stamps = nil
	w.blockedUntil = time.Time{}
	w.mu.Unlock()
}

// SetCustomLimit 设置用户级覆盖；传 0,0 清除覆盖回落到角色默认。
func (l *Limiter) SetCustomLimit(userID int64, perMinute, perHour int) {
	w := l.win(userID)
	w.mu.Lock()
	if perMinute <= 0 && perHour <= 0 {
		w.custom = nil
	} else {
		w.custom = &Limits{PerMinute: perMinute, PerHour: perHour}
	}
	w.mu.Unlock()
}
