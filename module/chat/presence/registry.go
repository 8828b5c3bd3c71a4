package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"BizChat/logger"
	"BizChat/module/chat/model"
	"BizChat/tools/safe"

	"go.uber.org/zap"
)

// ===== 配置 =====

type Conf struct {
	GatewayID  string
	StaleAfter time.Duration    // 久未活跃视为失联的阈值（默认 24h）
	SweepEvery time.Duration    // 周期清理间隔（默认 1h）
	MirrorTTL  time.Duration    // redis 在线镜像 TTL（默认 5m）
	TouchEvery time.Duration    // 活跃时间落库节流（默认 1m）
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
	if c.MirrorTTL <= 0 {
		c.MirrorTTL = 5 * time.Minute
	}
	if c.TouchEvery <= 0 {
		c.TouchEvery = time.Minute
	}
}

// Store persists connection audit rows. Writes are best-effort relative
// to the in-memory registry: a failed write never fails the operation.
type Store interface {
	UpsertConnection(ctx context.Context, rec *model.ConnectionRecord) error
	TouchConnection(ctx context.Context, connID string, at time.Time) error
	MarkDisconnected(ctx context.Context, connID string, at time.Time) error
	// MarkStaleDisconnected closes every row still marked connected whose
	// last activity is older than cutoff; returns how many were closed.
	MarkStaleDisconnected(ctx context.Context, cutoff time.Time) (int64, error)
}

// Mirror 是跨进程可见的在线指示（redis），同样尽力而为。
type Mirror interface {
	SetOnline(ctx context.Context, userID int64, gatewayID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID int64) error
}

// ===== 数据结构 =====

type Meta struct {
	IP        string
	UserAgent string
}

type conn struct {
	id          string
	userID      int64
	ip          string
	userAgent   string
	connectedAt time.Time
	lastActive  time.Time
	lastPersist time.Time
	rooms       map[string]struct{}
}

// Session is a read-only copy of one connection's metadata, for
// administrative listing.
type Session struct {
	ConnID      string    `json:"connId"`
	UserID      int64     `json:"userId"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastActive  time.Time `json:"lastActive"`
	Rooms       []string  `json:"rooms,omitempty"`
}

// UserPresence 是按用户聚合的在线视图。
type UserPresence struct {
	UserID      int64     `json:"userId"`
	Connections int       `json:"connections"`
	LastActive  time.Time `json:"lastActive"`
	CurrentRoom string    `json:"currentRoom,omitempty"`
}

type activity struct {
	lastActive  time.Time
	currentRoom string
}

// Registry 维护 user -> conns / conn -> user 双索引；内存即在线事实，
// 落库行只服务重启对账。
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]*conn
	byUser   map[int64]map[string]*conn
	activity map[int64]*activity

	conf     Conf
	store    Store  // 可为 nil（纯内存，单测）
	mirror   Mirror // 可为 nil
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(conf Conf, store Store, mirror Mirror) *Registry {
	conf.norm()
	return &Registry{
		byConn:   make(map[string]*conn),
		byUser:   make(map[int64]map[string]*conn),
		activity: make(map[int64]*activity),
		conf:     conf,
		store:    store,
		mirror:   mirror,
		stopCh:   make(chan struct{}),
	}
}

// StartSweeper 周期运行 CleanupStale；启动时先跑一轮做重启对账。
func (r *Registry) StartSweeper(ctx context.Context) {
	safe.Go(func() {
		if _, err := r.CleanupStale(ctx); err != nil {
			logger.Warn("startup presence reconciliation failed", zap.Error(err))
		}
		t := time.NewTicker(r.conf.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := r.CleanupStale(ctx); err != nil {
					logger.Warn("presence sweep failed", zap.Error(err))
				}
			}
		}
	})
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ===== 注册 / 注销 =====

// AddConnection registers a live connection. Idempotent per connID: a
// re-register refreshes metadata instead of duplicating.
func (r *Registry) AddConnection(ctx context.Context, userID int64, connID string, meta Meta) {
	if userID <= 0 || connID == "" {
		return
	}
	now := r.conf.Clock()

	r.mu.Lock()
	c, exists := r.byConn[connID]
	if exists {
		c.lastActive = now
		c.ip, c.userAgent = meta.IP, meta.UserAgent
		r.mu.Unlock()
		return
	}
	c = &conn{
		id:          connID,
		userID:      userID,
		ip:          meta.IP,
		userAgent:   meta.UserAgent,
		connectedAt: now,
		lastActive:  now,
		lastPersist: now,
		rooms:       make(map[string]struct{}),
	}
	r.byConn[connID] = c
	mm := r.byUser[userID]
	if mm == nil {
		mm = make(map[string]*conn)
		r.byUser[userID] = mm
	}
	mm[connID] = c
	if a := r.activity[userID]; a == nil {
		r.activity[userID] = &activity{lastActive: now}
	} else if now.After(a.lastActive) {
		a.lastActive = now
	}
	r.mu.Unlock()

	r.persistConnect(c, now)
	r.mirrorOnline(ctx, userID)
}

// RemoveConnection unregisters. Removing an unknown connection is a safe
// no-op, so a forced disconnect racing a normal close cannot fail.
func (r *Registry) RemoveConnection(ctx context.Context, userID int64, connID string) {
	now := r.conf.Clock()

	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok || c.userID != userID {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	lastConn := false
	if mm := r.byUser[userID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(r.byUser, userID)
			delete(r.activity, userID)
			lastConn = true
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		safe.Go(func() {
			if err := r.store.MarkDisconnected(context.Background(), connID, now); err != nil {
				logger.Warn("mark disconnected failed", zap.String("conn", connID), zap.Error(err))
			}
		})
	}
	if lastConn && r.mirror != nil {
		if err := r.mirror.SetOffline(ctx, userID); err != nil {
			logger.Debug("presence mirror offline failed", zap.Int64("user", userID), zap.Error(err))
		}
	}
}

// ===== 查询 =====

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) ConnectionsFor(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]string, 0, len(mm))
	for id := range mm {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OwnerOf resolves a connection back to its user (0 when unknown).
func (r *Registry) OwnerOf(connID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byConn[connID]; ok {
		return c.userID
	}
	return 0
}

func (r *Registry) OnlineUsers() []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UserPresence, 0, len(r.byUser))
	for uid, mm := range r.byUser {
		out = append(out, r.presenceLocked(uid, mm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUsersInRoom filters by each user's current room, which is set by
// UpdateActivity — it reflects where the user last acted, not every room
// any of their connections joined.
func (r *Registry) OnlineUsersInRoom(roomID string) []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []UserPresence
	for uid, mm := range r.byUser {
		if a := r.activity[uid]; a != nil && a.currentRoom == roomID {
			out = append(out, r.presenceLocked(uid, mm))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) presenceLocked(uid int64, mm map[string]*conn) UserPresence {
	p := UserPresence{UserID: uid, Connections: len(mm)}
	if a := r.activity[uid]; a != nil {
		p.LastActive = a.lastActive
		p.CurrentRoom = a.currentRoom
	}
	return p
}

// ===== 活跃度 =====

// UpdateActivity refreshes last-activity and (optionally) the current
// room. Call it on every inbound action, not just sends. Last writer
// wins; the mongo touch is throttled, the redis TTL renewed every time.
func (r *Registry) UpdateActivity(ctx context.Context, userID int64, currentRoom string) {
	now := r.conf.Clock()
	var touch []string

	r.mu.Lock()
	a := r.activity[userID]
	if a == nil {
		a = &activity{}
		r.activity[userID] = a
	}
	a.lastActive = now
	if currentRoom != "" {
		a.currentRoom = currentRoom
	}
	for _, c := range r.byUser[userID] {
		c.lastActive = now
		if now.Sub(c.lastPersist) >= r.conf.TouchEvery {
			c.lastPersist = now
			touch = append(touch, c.id)
		}
	}
	r.mu.Unlock()

	if r.store != nil && len(touch) > 0 {
		safe.Go(func() {
			for _, id := range touch {
				_ = r.store.TouchConnection(context.Background(), id, now)
			}
		})
	}
	r.mirrorOnline(ctx, userID)
}

// JoinRoom / LeaveRoom track per-connection membership for the session
// listing; room-level delivery is the gateway's business.
func (r *Registry) JoinRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byConn[connID]; ok {
		c.rooms[roomID] = struct{}{}
	}
}

func (r *Registry) LeaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byConn[connID]; ok {
		delete(c.rooms, roomID)
	}
}

// ===== 会话列表（管理端） =====

func (r *Registry) UserSessions(userID int64) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	out := make([]Session, 0, len(mm))
	for _, c := range mm {
		out = append(out, c.session())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (r *Registry) AllSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c.session())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (c *conn) session() Session {
	rooms := make([]string, 0, len(c.rooms))
	for rm := range c.rooms {
		rooms = append(rooms, rm)
	}
	sort.Strings(rooms)
	return Session{
		ConnID:      c.id,
		UserID:      c.userID,
		IP:          c.ip,
		UserAgent:   c.userAgent,
		ConnectedAt: c.connectedAt,
		LastActive:  c.lastActive,
		Rooms:       rooms,
	}
}

// ===== 对账清理 =====

// CleanupStale drops in-memory connections idle past StaleAfter and
// closes any persisted row that was never refreshed — the latter is what
// reconciles rows orphaned by a crash or restart.
func (r *Registry) CleanupStale(ctx context.Context) (int, error) {
	now := r.conf.Clock()
	cutoff := now.Add(-r.conf.StaleAfter)

	type victim struct {
		userID int64
		connID string
	}
	var victims []victim

	r.mu.RLock()
	for id, c := range r.byConn {
		if c.lastActive.Before(cutoff) {
			victims = append(victims, victim{userID: c.userID, connID: id})
		}
	}
	r.mu.RUnlock()

	for _, v := range victims {
		r.RemoveConnection(ctx, v.userID, v.connID)
	}

	if r.store != nil {
		if n, err := r.store.MarkStaleDisconnected(ctx, cutoff); err != nil {
			return len(victims), err
		} else if n > 0 {
			logger.Info("reconciled stale connection rows", zap.Int64("rows", n))
		}
	}
	return len(victims), nil
}

// ===== 尽力而为的外围写 =====

func (r *Registry) persistConnect(c *conn, now time.Time) {
	if r.store == nil {
		return
	}
	rec := &model.ConnectionRecord{
		ConnID:       c.id,
		UserID:       c.userID,
		GatewayID:    r.conf.GatewayID,
		IP:           c.ip,
		UserAgent:    c.userAgent,
		Connected:    true,
		ConnectedAt:  now.UnixMilli(),
		LastActiveAt: now.UnixMilli(),
	}
	safe.Go(func() {
		if err := r.store.UpsertConnection(context.Background(), rec); err != nil {
			logger.Warn("persist connection failed", zap.String("conn", rec.ConnID), zap.Error(err))
		}
	})
}

func (r *Registry) mirrorOnline(ctx context.Context, userID int64) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SetOnline(ctx, userID, r.conf.GatewayID, r.conf.MirrorTTL); err != nil {
		logger.Debug("presence mirror online failed", zap.Int64("user", userID), zap.Error(err))
	}
}
