package auth

import (
	"context"
	"sort"
	"time"

	"BizChat/module/chat/model"
	"BizChat/module/chat/room"
	"BizChat/tools/errs"
)

// projectRoomOwnershipEnforced: project 房间目前放行所有已激活用户，
// 上游尚未给项目建所有权模型。
// TODO: enforce project membership once the project service exposes it.
const projectRoomOwnershipEnforced = false

// Outcome 以值返回判定结果：拒绝是高频常态，调用方必须分支处理，
// 不走 error 通道。
type Outcome struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Outcome             { return Outcome{Allowed: true} }
func deny(reason string) Outcome { return Outcome{Reason: reason} }

// Store is the narrow read surface the engine needs from persistence.
// Lookups return (nil, nil) for missing records; errors mean infra.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetQuote(ctx context.Context, id int64) (*model.Quote, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	OrderIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	QuoteIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	// DistinctRooms lists every room holding at least one non-deleted message.
	DistinctRooms(ctx context.Context) ([]string, error)
	DMRoomsForUser(ctx context.Context, userID int64) ([]string, error)
}

type Conf struct {
	EditWindow   time.Duration    // 非管理员可编辑窗口（默认 24h）
	DeleteWindow time.Duration    // 发送者可删除窗口（默认 1h）
	Clock        func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	if c.EditWindow <= 0 {
		c.EditWindow = 24 * time.Hour
	}
	if c.DeleteWindow <= 0 {
		c.DeleteWindow = time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Engine 对内存无状态，每次判定独立读库；允许与并发的资源变更
// 保持最终一致（检查与使用之间不要求线性一致）。
type Engine struct {
	store Store
	conf  Conf
}

func NewEngine(store Store, conf Conf) *Engine {
	conf.norm()
	return &Engine{store: store, conf: conf}
}

// ===== 连接 =====

func (e *Engine) CanConnect(ctx context.Context, userID int64) (Outcome, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load user")
	}
	if u == nil {
		return deny("user not found"), nil
	}
	if !u.IsActive() {
		return deny("account is not active"), nil
	}
	return allow(), nil
}

// ===== 房间访问 =====

// CanAccessRoom: 管理员对任何**合法**房间放行；畸形房间对谁都拒绝——
// 解析必须全且严，过度匹配等于静默放行。
func (e *Engine) CanAccessRoom(ctx context.Context, userID int64, roomID string) (Outcome, error) {
	rm, perr := room.Parse(roomID)
	if perr != nil {
		return deny(perr.Error()), nil
	}

	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load user")
	}
	if u == nil {
		return deny("user not found"), nil
	}
	if u.IsAdmin() {
		return allow(), nil
	}

	switch rm.Kind {
	case room.KindOrder:
		ord, err := e.store.GetOrder(ctx, rm.ID)
		if err != nil {
			return Outcome{}, errs.Wrap(err, "load order")
		}
		if ord == nil || ord.OwnerID != userID {
			return deny("no access to this order"), nil
		}
		return allow(), nil

	case room.KindProject:
		if !projectRoomOwnershipEnforced {
			return allow(), nil
		}
		return deny("project access not granted"), nil

	case room.KindSupport:
		if rm.ID != userID {
			return deny("support room belongs to another user"), nil
		}
		return allow(), nil

	case room.KindUser:
		if rm.ID != userID {
			return deny("user room belongs to another user"), nil
		}
		return allow(), nil

	case room.KindDM:
		if !rm.HasParticipant(userID) {
			return deny("not a participant of this conversation"), nil
		}
		return allow(), nil

	case room.KindQuote:
		q, err := e.store.GetQuote(ctx, rm.ID)
		if err != nil {
			return Outcome{}, errs.Wrap(err, "load quote")
		}
		if q == nil || q.OwnerID != userID {
			return deny("no access to this quote"), nil
		}
		return allow(), nil
	}
	return deny(room.ErrInvalidType.Error()), nil
}

// ===== 发送 =====

func (e *Engine) CanSendMessage(ctx context.Context, userID int64, roomID string) (Outcome, error) {
	out, err := e.CanAccessRoom(ctx, userID, roomID)
	if err != nil || !out.Allowed {
		return out, err
	}

	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load user")
	}
	if u == nil || !u.IsActive() {
		return deny("account is not active"), nil
	}

	// 已取消订单的房间只留管理员可写（售后口径）。
	if rm, perr := room.Parse(roomID); perr == nil && rm.Kind == room.KindOrder && !u.IsAdmin() {
		ord, err := e.store.GetOrder(ctx, rm.ID)
		if err != nil {
			return Outcome{}, errs.Wrap(err, "load order")
		}
		if ord != nil && ord.Status == model.OrderCancelled {
			return deny("order is cancelled; only support staff may reply"), nil
		}
	}
	return allow(), nil
}

// ===== 编辑 / 删除 =====

func (e *Engine) CanEditMessage(ctx context.Context, userID, messageID int64) (Outcome, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load message")
	}
	if m == nil || m.Deleted {
		return deny("message not found"), nil
	}
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load user")
	}
	if u == nil {
		return deny("user not found"), nil
	}
	if u.IsAdmin() {
		return allow(), nil
	}
	if m.SenderID != userID {
		return deny("only the sender may edit a message"), nil
	}
	age := e.conf.Clock().Sub(time.UnixMilli(m.CreatedAt))
	if age > e.conf.EditWindow {
		return deny("edit window has closed"), nil
	}
	return allow(), nil
}

func (e *Engine) CanDeleteMessage(ctx context.Context, userID, messageID int64) (Outcome, error) {
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load message")
	}
	if m == nil || m.Deleted {
		return deny("message not found"), nil
	}
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Outcome{}, errs.Wrap(err, "load user")
	}
	if u == nil {
		return deny("user not found"), nil
	}
	if u.IsAdmin() {
		return allow(), nil
	}
	if m.SenderID != userID {
		return deny("only the sender may delete a message"), nil
	}
	age := e.conf.Clock().Sub(time.UnixMilli(m.CreatedAt))
	if age > e.conf.DeleteWindow {
		return deny("delete window has closed"), nil
	}
	return allow(), nil
}

// ===== 房间清单 =====

// AuthorizedRooms: 管理员拿全量活跃房间；普通用户拿自有频道 +
// 名下订单/报价房间 + 署名 DM。
func (e *Engine) AuthorizedRooms(ctx context.Context, userID int64) ([]string, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(err, "load user")
	}
	if u == nil {
		return nil, nil
	}
	if u.IsAdmin() {
		rooms, err := e.store.DistinctRooms(ctx)
		if err != nil {
			return nil, errs.Wrap(err, "list rooms")
		}
		sort.Strings(rooms)
		return rooms, nil
	}

	set := map[string]struct{}{
		room.User(userID).String():    {},
		room.Support(userID).String(): {},
	}
	orderIDs, err := e.store.OrderIDsForUser(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(err, "list orders")
	}
	for _, id := range orderIDs {
		set[room.Order(id).String()] = struct{}{}
	}
	quoteIDs, err := e.store.QuoteIDsForUser(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(err, "list quotes")
	}
	for _, id := range quoteIDs {
		set[room.Quote(id).String()] = struct{}{}
	}
	dms, err := e.store.DMRoomsForUser(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(err, "list dm rooms")
	}
	for _, rm := range dms {
		set[rm] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for rm := range set {
		out = append(out, rm)
	}
	sort.Strings(out)
	return out, nil
}
