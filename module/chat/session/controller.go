package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"BizChat/logger"
	"BizChat/module/chat/model"
	"BizChat/module/chat/presence"
	"BizChat/service/push"
	"BizChat/tools/errs"
	"BizChat/tools/ids"

	"go.uber.org/zap"
)

// AuditStore 落块封禁与管理动作流水；BlockLogs 按时间倒序返回。
type AuditStore interface {
	InsertBlockLog(ctx context.Context, l *model.BlockLog) error
	BlockLogs(ctx context.Context, userID int64) ([]model.BlockLog, error)
	InsertActivityLog(ctx context.Context, l *model.ActivityLog) error
}

type Conf struct {
	// WarnGrace: 强拆前给客户端的缓冲。固定短延迟，推送失败或超时
	// 照样移除，绝不让慢客户端拖住管理操作。
	WarnGrace time.Duration
	Clock     func() time.Time
}

func (c *Conf) norm() {
	if c.WarnGrace <= 0 {
		c.WarnGrace = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type blockEntry struct {
	reason string
	until  time.Time // 零值 = 永久
}

// BlockState 是 IsBlocked 的值结果。
type BlockState struct {
	Blocked bool      `json:"blocked"`
	Reason  string    `json:"reason,omitempty"`
	Until   time.Time `json:"until,omitempty"`
}

// HistoryEntry 把一条 block 与其对应的 unblock（如有）配对。
type HistoryEntry struct {
	Reason      string    `json:"reason,omitempty"`
	BlockedAt   time.Time `json:"blockedAt"`
	Until       time.Time `json:"until,omitempty"`
	ByAdminID   int64     `json:"byAdminId,omitempty"`
	UnblockedAt time.Time `json:"unblockedAt,omitempty"`
	UnblockedBy int64     `json:"unblockedBy,omitempty"`
	IsActive    bool      `json:"isActive"`
}

// Controller 是管理侧入口：强拆连接、临时/永久封禁、审计。封禁表在
// 内存里做判定，流水落库供历史查询与重启后追溯。
type Controller struct {
	mu     sync.Mutex
	blocks map[int64]*blockEntry

	reg   *presence.Registry
	sink  push.Sink
	audit AuditStore // 可为 nil（单测）
	conf  Conf
}

func NewController(reg *presence.Registry, sink push.Sink, audit AuditStore, conf Conf) *Controller {
	conf.norm()
	return &Controller{
		blocks: make(map[int64]*blockEntry),
		reg:    reg,
		sink:   sink,
		audit:  audit,
		conf:   conf,
	}
}

// ===== 强制下线 =====

// ForceDisconnectUser warns every connection of the user through the
// push sink, waits the grace period, then unregisters them. A user with
// no connections is a successful no-op: the end state already holds.
func (c *Controller) ForceDisconnectUser(ctx context.Context, userID int64, reason string, byAdminID int64) bool {
	conns := c.reg.ConnectionsFor(userID)
	if len(conns) > 0 {
		ev := push.Event{Type: push.EventDisconnectWarn, Payload: map[string]string{"reason": reason}}
		for _, connID := range conns {
			if err := c.sink.PushToConn(ctx, connID, ev); err != nil {
				logger.Debug("disconnect warning push failed", zap.String("conn", connID), zap.Error(err))
			}
		}
		time.Sleep(c.conf.WarnGrace)
		for _, connID := range conns {
			c.reg.RemoveConnection(ctx, userID, connID)
		}
	}
	if byAdminID > 0 {
		c.logAction(ctx, byAdminID, "force_disconnect_user", strconv.FormatInt(userID, 10), reason)
	}
	return true
}

// ForceDisconnectConnection resolves the owner through the registry.
func (c *Controller) ForceDisconnectConnection(ctx context.Context, connID, reason string, byAdminID int64) bool {
	userID := c.reg.OwnerOf(connID)
	if userID == 0 {
		// 连接已不在线：目标状态已达成。
		return true
	}
	ev := push.Event{Type: push.EventDisconnectWarn, Payload: map[string]string{"reason": reason}}
	if err := c.sink.PushToConn(ctx, connID, ev); err != nil {
		logger.Debug("disconnect warning push failed", zap.String("conn", connID), zap.Error(err))
	}
	time.Sleep(c.conf.WarnGrace)
	c.reg.RemoveConnection(ctx, userID, connID)
	if byAdminID > 0 {
		c.logAction(ctx, byAdminID, "force_disconnect_conn", connID, reason)
	}
	return true
}

// ===== 封禁 =====

// BlockUser 写入/覆盖封禁记录，随后强制下线。until 零值 = 永久。
func (c *Controller) BlockUser(ctx context.Context, userID int64, reason string, until time.Time, byAdminID int64) error {
	c.mu.Lock()
	c.blocks[userID] = &blockEntry{reason: reason, until: until}
	c.mu.Unlock()

	if c.audit != nil {
		l := &model.BlockLog{
			ID:        ids.Generate(),
			UserID:    userID,
			Action:    model.BlockActionBlock,
			Reason:    reason,
			ByAdminID: byAdminID,
			At:        c.conf.Clock().UnixMilli(),
		}
		if !until.IsZero() {
			l.Until = until.UnixMilli()
		}
		if err := c.audit.InsertBlockLog(ctx, l); err != nil {
			return errs.Wrap(err, "insert block log")
		}
	}

	// 在线连接只收一条 blocked 通知（不再叠加断线警告），宽限后摘除。
	conns := c.reg.ConnectionsFor(userID)
	if len(conns) > 0 {
		ev := push.Event{Type: push.EventBlocked, Payload: map[string]string{"reason": reason}}
		for _, connID := range conns {
			if err := c.sink.PushToConn(ctx, connID, ev); err != nil {
				logger.Debug("block notice push failed", zap.String("conn", connID), zap.Error(err))
			}
		}
		time.Sleep(c.conf.WarnGrace)
		for _, connID := range conns {
			c.reg.RemoveConnection(ctx, userID, connID)
		}
	}
	if byAdminID > 0 {
		c.logAction(ctx, byAdminID, "block_user", strconv.FormatInt(userID, 10), reason)
	}
	return nil
}

func (c *Controller) UnblockUser(ctx context.Context, userID, byAdminID int64) error {
	c.mu.Lock()
	delete(c.blocks, userID)
	c.mu.Unlock()

	if c.audit != nil {
		l := &model.BlockLog{
			ID:        ids.Generate(),
			UserID:    userID,
			Action:    model.BlockActionUnblock,
			ByAdminID: byAdminID,
			At:        c.conf.Clock().UnixMilli(),
		}
		if err := c.audit.InsertBlockLog(ctx, l); err != nil {
			return errs.Wrap(err, "insert unblock log")
		}
	}
	return nil
}

// IsBlocked: 过期封禁视同不存在，并在本次检查里顺手清掉（懒过期）。
func (c *Controller) IsBlocked(userID int64) BlockState {
	now := c.conf.Clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.blocks[userID]
	if b == nil {
		return BlockState{}
	}
	if !b.until.IsZero() && now.After(b.until) {
		delete(c.blocks, userID)
		return BlockState{}
	}
	return BlockState{Blocked: true, Reason: b.reason, Until: b.until}
}

// BlockHistory 把审计流水配成 block/unblock 对，最近的在前。
func (c *Controller) BlockHistory(ctx context.Context, userID int64) ([]HistoryEntry, error) {
	if c.audit == nil {
		return nil, nil
	}
	rows, err := c.audit.BlockLogs(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(err, "load block logs")
	}

	// rows 倒序：先遇到的 unblock 归属于下一条（更早的）block。
	var out []HistoryEntry
	var pendingUnblock *model.BlockLog
	for i := range rows {
		row := rows[i]
		switch row.Action {
		case model.BlockActionUnblock:
			pendingUnblock = &rows[i]
		case model.BlockActionBlock:
			e := HistoryEntry{
				Reason:    row.Reason,
				BlockedAt: time.UnixMilli(row.At),
				ByAdminID: row.ByAdminID,
			}
			if row.Until > 0 {
				e.Until = time.UnixMilli(row.Until)
			}
			if pendingUnblock != nil {
				e.UnblockedAt = time.UnixMilli(pendingUnblock.At)
				e.UnblockedBy = pendingUnblock.ByAdminID
				pendingUnblock = nil
			} else if len(out) == 0 {
				// 只有最新的一条 block 才可能仍然生效
				e.IsActive = c.IsBlocked(userID).Blocked
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// ===== 会话列表 =====

func (c *Controller) UserSessions(userID int64) []presence.Session {
	return c.reg.UserSessions(userID)
}

func (c *Controller) AllActiveSessions() []presence.Session {
	return c.reg.AllSessions()
}

func (c *Controller) logAction(ctx context.Context, adminID int64, action, target, detail string) {
	if c.audit == nil {
		return
	}
	l := &model.ActivityLog{
		ID:      ids.Generate(),
		AdminID: adminID,
		Action:  action,
		Target:  target,
		Detail:  detail,
		At:      c.conf.Clock().UnixMilli(),
	}
	if err := c.audit.InsertActivityLog(ctx, l); err != nil {
		logger.Warn("activity log write failed", zap.String("action", action), zap.Error(err))
	}
}
