package message

import (
	"context"
	"time"

	"BizChat/logger"
	"BizChat/module/chat/auth"
	"BizChat/module/chat/model"
	"BizChat/module/chat/ratelimit"
	"BizChat/module/chat/room"
	"BizChat/service/push"
	"BizChat/tools/errs"
	"BizChat/tools/ids"

	"go.uber.org/zap"
)

const maxSearchLimit = 100

// Store is the persistence surface the engine orchestrates. All listing
// and search methods exclude soft-deleted rows; InsertReply commits the
// reply row, the parent's stored reply-count bump and the parent's
// conversation-id stamp as one unit.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	InsertReply(ctx context.Context, reply *model.Message) error
	UpdateContent(ctx context.Context, id int64, content string, atMS int64) error
	SoftDelete(ctx context.Context, id int64, atMS int64) error
	SetPinned(ctx context.Context, id int64, pinned bool, atMS int64) error
	MarkMessageRead(ctx context.Context, id int64, atMS int64) error
	// MarkRoomRead flags every unread room message not sent by the reader;
	// returns how many were flagged.
	MarkRoomRead(ctx context.Context, roomID string, readerID int64, atMS int64) (int64, error)
	// InsertReceipt is conditional: false means a receipt for the pair
	// already existed.
	InsertReceipt(ctx context.Context, r *model.ReadReceipt) (bool, error)
	EffectiveReplyCount(ctx context.Context, parentID int64) (int64, error)
	ListRoom(ctx context.Context, roomID string, page, pageSize int, beforeMS int64) ([]*model.Message, error)
	ListThread(ctx context.Context, conversationID int64) ([]*model.Message, error)
	SearchRoom(ctx context.Context, roomID, term string, limit int) ([]*model.Message, error)
}

type Conf struct {
	Clock func() time.Time
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Engine owns the message lifecycle: created -> [edited]* -> [deleted].
// Deleted is terminal; reply/pin/read are orthogonal flags.
type Engine struct {
	store   Store
	authz   *auth.Engine
	limiter *ratelimit.Limiter
	sink    push.Sink // 可为 nil
	conf    Conf
}

func NewEngine(store Store, authz *auth.Engine, limiter *ratelimit.Limiter, sink push.Sink, conf Conf) *Engine {
	conf.norm()
	return &Engine{store: store, authz: authz, limiter: limiter, sink: sink, conf: conf}
}

// SendOpts carries the optional attributes of a send.
type SendOpts struct {
	RecipientID int64
	OrderID     int64
	Type        string
	Priority    string
}

// SendResult 的 Denied 分支承载权限/限流两类值结果；error 只表示
// 基础设施故障（此时消息必然未落库——发送失败要收口）。
type SendResult struct {
	Msg        *model.Message `json:"message,omitempty"`
	Denied     bool           `json:"denied,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	RetryAfter time.Duration  `json:"retryAfter,omitempty"`
}

// ===== 发送 / 回复 =====

// Send: 授权在前、限流在后；两关都过才落库，落库成功才 RecordSent——
// 被拒的尝试不占限流窗口。
func (e *Engine) Send(ctx context.Context, senderID int64, roomID, content string, opts SendOpts) (*SendResult, error) {
	out, err := e.authz.CanSendMessage(ctx, senderID, roomID)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		return &SendResult{Denied: true, Reason: out.Reason}, nil
	}

	role := e.roleOf(ctx, senderID)
	if d := e.limiter.CanSend(senderID, role); !d.Allowed {
		return &SendResult{Denied: true, Reason: d.Reason, RetryAfter: d.RetryAfter}, nil
	}

	now := e.conf.Clock().UnixMilli()
	m := &model.Message{
		ID:          ids.Generate(),
		SenderID:    senderID,
		RecipientID: opts.RecipientID,
		Room:        roomID,
		OrderID:     opts.OrderID,
		Content:     content,
		Type:        opts.Type,
		Priority:    opts.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.Type == "" {
		m.Type = model.MsgTypeText
	}
	if m.Priority == "" {
		m.Priority = model.PriorityNormal
	}
	if m.OrderID == 0 {
		if rm, perr := room.Parse(roomID); perr == nil && rm.Kind == room.KindOrder {
			m.OrderID = rm.ID
		}
	}

	if err := e.store.InsertMessage(ctx, m); err != nil {
		return nil, errs.Infra(err, "insert message")
	}
	e.limiter.RecordSent(senderID, role)
	e.fanout(ctx, roomID, push.Event{Type: push.EventMessage, Room: roomID, From: senderID, Payload: m})
	return &SendResult{Msg: m}, nil
}

// Reply: 父消息必须存在且未删；回复继承父消息房间；线程号取父消息的
// 线程号、父消息尚未进线程则取父消息自身ID。行插入与父计数自增由
// Store 作为一个事务单元提交。
func (e *Engine) Reply(ctx context.Context, senderID, parentID int64, content string) (*SendResult, error) {
	parent, err := e.store.GetMessage(ctx, parentID)
	if err != nil {
		return nil, errs.Infra(err, "load parent")
	}
	if parent == nil || parent.Deleted {
		return &SendResult{Denied: true, Reason: "parent message not found"}, nil
	}

	out, err := e.authz.CanSendMessage(ctx, senderID, parent.Room)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		return &SendResult{Denied: true, Reason: out.Reason}, nil
	}

	role := e.roleOf(ctx, senderID)
	if d := e.limiter.CanSend(senderID, role); !d.Allowed {
		return &SendResult{Denied: true, Reason: d.Reason, RetryAfter: d.RetryAfter}, nil
	}

	now := e.conf.Clock().UnixMilli()
	reply := &model.Message{
		ID:             ids.Generate(),
		SenderID:       senderID,
		Room:           parent.Room,
		OrderID:        parent.OrderID,
		ParentID:       parent.ID,
		ConversationID: parent.ThreadID(),
		Content:        content,
		Type:           model.MsgTypeText,
		Priority:       model.PriorityNormal,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.InsertReply(ctx, reply); err != nil {
		return nil, errs.Infra(err, "insert reply")
	}
	e.limiter.RecordSent(senderID, role)
	e.fanout(ctx, reply.Room, push.Event{Type: push.EventMessage, Room: reply.Room, From: senderID, Payload: reply})
	return &SendResult{Msg: reply}, nil
}

// ===== 编辑 / 删除 =====

// Edit 对外把“不存在”与“无权限”收敛为 nil，不泄露消息是否存在；
// 具体原因只进日志。
func (e *Engine) Edit(ctx context.Context, userID, messageID int64, newContent string) (*model.Message, error) {
	out, err := e.authz.CanEditMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		logger.Debug("edit denied", zap.Int64("user", userID), zap.Int64("msg", messageID), zap.String("reason", out.Reason))
		return nil, nil
	}
	now := e.conf.Clock().UnixMilli()
	if err := e.store.UpdateContent(ctx, messageID, newContent, now); err != nil {
		return nil, errs.Infra(err, "update content")
	}
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errs.Infra(err, "reload message")
	}
	if m != nil {
		e.fanout(ctx, m.Room, push.Event{Type: push.EventMessageEdited, Room: m.Room, From: userID, Payload: m})
	}
	return m, nil
}

// Delete 只做软删。
func (e *Engine) Delete(ctx context.Context, userID, messageID int64) (bool, string, error) {
	out, err := e.authz.CanDeleteMessage(ctx, userID, messageID)
	if err != nil {
		return false, "", err
	}
	if !out.Allowed {
		return false, out.Reason, nil
	}
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, "", errs.Infra(err, "load message")
	}
	if err := e.store.SoftDelete(ctx, messageID, e.conf.Clock().UnixMilli()); err != nil {
		return false, "", errs.Infra(err, "soft delete")
	}
	if m != nil {
		e.fanout(ctx, m.Room, push.Event{Type: push.EventMessageDeleted, Room: m.Room, From: userID, Payload: map[string]int64{"id": messageID}})
	}
	return true, "", nil
}

// ===== 已读 =====

// MarkRead sets the aggregate read flag. Idempotent; a sender reading
// their own message is a guard, not an error.
func (e *Engine) MarkRead(ctx context.Context, userID, messageID int64) error {
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return errs.Infra(err, "load message")
	}
	if m == nil || m.Deleted || m.SenderID == userID || m.Read {
		return nil
	}
	if err := e.store.MarkMessageRead(ctx, messageID, e.conf.Clock().UnixMilli()); err != nil {
		return errs.Infra(err, "mark read")
	}
	return nil
}

// MarkRoomRead 批量置位：读者不是发送者、且尚未置位的房间消息。
func (e *Engine) MarkRoomRead(ctx context.Context, userID int64, roomID string) (int64, error) {
	out, err := e.authz.CanAccessRoom(ctx, userID, roomID)
	if err != nil {
		return 0, err
	}
	if !out.Allowed {
		return 0, nil
	}
	n, err := e.store.MarkRoomRead(ctx, roomID, userID, e.conf.Clock().UnixMilli())
	if err != nil {
		return 0, errs.Infra(err, "mark room read")
	}
	return n, nil
}

// RecordReadReceipt 返回是否真正新增了一条回执：发送者读自己的消息、
// 或 (message,user) 已有回执时返回 false。首条回执同时把消息的聚合
// Read 标志置位。
func (e *Engine) RecordReadReceipt(ctx context.Context, userID, messageID int64) (bool, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, errs.Infra(err, "load message")
	}
	if m == nil || m.Deleted || m.SenderID == userID {
		return false, nil
	}
	now := e.conf.Clock().UnixMilli()
	inserted, err := e.store.InsertReceipt(ctx, &model.ReadReceipt{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    now,
	})
	if err != nil {
		return false, errs.Infra(err, "insert receipt")
	}
	if inserted && !m.Read {
		if err := e.store.MarkMessageRead(ctx, messageID, now); err != nil {
			return false, errs.Infra(err, "mark read")
		}
		e.fanout(ctx, m.Room, push.Event{Type: push.EventMessageRead, Room: m.Room, From: userID, Payload: map[string]int64{"id": messageID}})
	}
	return inserted, nil
}

// ===== 置顶 =====

func (e *Engine) Pin(ctx context.Context, userID, messageID int64, pinned bool) (bool, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, errs.Infra(err, "load message")
	}
	if m == nil || m.Deleted {
		return false, nil
	}
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return false, errs.Infra(err, "load user")
	}
	if !u.IsAdmin() && m.SenderID != userID {
		return false, nil
	}
	if err := e.store.SetPinned(ctx, messageID, pinned, e.conf.Clock().UnixMilli()); err != nil {
		return false, errs.Infra(err, "set pinned")
	}
	e.fanout(ctx, m.Room, push.Event{Type: push.EventMessagePinned, Room: m.Room, From: userID, Payload: map[string]interface{}{"id": messageID, "pinned": pinned}})
	return true, nil
}

// ===== 读取 =====

// History 按时间正序分页。拒绝时返回空页而不是错误，避免靠报错探测
// 房间是否存在。
func (e *Engine) History(ctx context.Context, userID int64, roomID string, page, pageSize int, beforeMS int64) ([]*model.Message, error) {
	out, err := e.authz.CanAccessRoom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		return []*model.Message{}, nil
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	msgs, err := e.store.ListRoom(ctx, roomID, page, pageSize, beforeMS)
	if err != nil {
		return nil, errs.Infra(err, "list room")
	}
	return msgs, nil
}

// ThreadDetails 是根消息 + 全部未删回复 + 参与者集合。
type ThreadDetails struct {
	Root         *model.Message   `json:"root"`
	Replies      []*model.Message `json:"replies"`
	Participants []int64          `json:"participants"`
	// StoredReplyCount 是根消息上的增量计数；EffectiveReplyCount 是
	// 读取时统计的未删回复数。两者因软删而允许不同。
	StoredReplyCount    int64 `json:"storedReplyCount"`
	EffectiveReplyCount int64 `json:"effectiveReplyCount"`
}

func (e *Engine) Thread(ctx context.Context, userID, rootID int64) (*ThreadDetails, error) {
	root, err := e.store.GetMessage(ctx, rootID)
	if err != nil {
		return nil, errs.Infra(err, "load root")
	}
	if root == nil || root.Deleted {
		return nil, nil
	}
	out, err := e.authz.CanAccessRoom(ctx, userID, root.Room)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		return nil, nil
	}

	replies, err := e.store.ListThread(ctx, root.ThreadID())
	if err != nil {
		return nil, errs.Infra(err, "list thread")
	}
	effective, err := e.store.EffectiveReplyCount(ctx, root.ID)
	if err != nil {
		return nil, errs.Infra(err, "count replies")
	}

	seen := map[int64]struct{}{root.SenderID: {}}
	participants := []int64{root.SenderID}
	for _, r := range replies {
		if _, ok := seen[r.SenderID]; !ok {
			seen[r.SenderID] = struct{}{}
			participants = append(participants, r.SenderID)
		}
	}
	return &ThreadDetails{
		Root:                root,
		Replies:             replies,
		Participants:        participants,
		StoredReplyCount:    root.ReplyCount,
		EffectiveReplyCount: effective,
	}, nil
}

// Search 大小写不敏感的子串匹配，上限 100。
func (e *Engine) Search(ctx context.Context, userID int64, roomID, term string, limit int) ([]*model.Message, error) {
	out, err := e.authz.CanAccessRoom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !out.Allowed {
		return []*model.Message{}, nil
	}
	if limit < 1 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	msgs, err := e.store.SearchRoom(ctx, roomID, term, limit)
	if err != nil {
		return nil, errs.Infra(err, "search room")
	}
	return msgs, nil
}

// UserOf 透出用户行给网关层（登录签发、限流状态查询用）。
func (e *Engine) UserOf(ctx context.Context, userID int64) (*model.User, error) {
	return e.store.GetUser(ctx, userID)
}

// ===== 私有 =====

func (e *Engine) roleOf(ctx context.Context, userID int64) string {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		return model.RoleClient
	}
	return u.Role
}

func (e *Engine) fanout(ctx context.Context, roomID string, ev push.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.PushToRoom(ctx, roomID, ev); err != nil {
		logger.Debug("room fanout failed", zap.String("room", roomID), zap.Error(err))
	}
}
