package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"BizChat/module/chat/model"
	"BizChat/module/chat/room"
)

type receiptKey struct {
	msgID  int64
	userID int64
}

// Memory is the single-box / test implementation of every store
// interface the chat core consumes (auth, message, presence audit,
// session audit). Methods hand out copies; callers never share rows.
type Memory struct {
	mu       sync.RWMutex
	users    map[int64]*model.User
	orders   map[int64]*model.Order
	quotes   map[int64]*model.Quote
	messages map[int64]*model.Message
	msgOrder []int64
	receipts map[receiptKey]*model.ReadReceipt
	conns    map[string]*model.ConnectionRecord

	blockLogs    []model.BlockLog
	activityLogs []model.ActivityLog
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]*model.User),
		orders:   make(map[int64]*model.Order),
		quotes:   make(map[int64]*model.Quote),
		messages: make(map[int64]*model.Message),
		receipts: make(map[receiptKey]*model.ReadReceipt),
		conns:    make(map[string]*model.ConnectionRecord),
	}
}

// ===== 造数（测试/本地） =====

func (s *Memory) AddUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

func (s *Memory) AddOrder(o *model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
}

func (s *Memory) AddQuote(q *model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotes[q.ID] = &cp
}

// ===== auth.Store =====

func (s *Memory) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *Memory) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (s *Memory) GetQuote(_ context.Context, id int64) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.quotes[id]; ok {
		cp := *q
		return &cp, nil
	}
	return nil, nil
}

func (s *Memory) OrderIDsForUser(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, o := range s.orders {
		if o.OwnerID == userID {
			out = append(out, o.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Memory) QuoteIDsForUser(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, q := range s.quotes {
		if q.OwnerID == userID {
			out = append(out, q.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Memory) DistinctRooms(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, m := range s.messages {
		if !m.Deleted {
			set[m.Room] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for rm := range set {
		out = append(out, rm)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Memory) DMRoomsForUser(_ context.Context, userID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, m := range s.messages {
		if m.Deleted {
			continue
		}
		if rm, err := room.Parse(m.Room); err == nil && rm.HasParticipant(userID) {
			set[m.Room] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for rm := range set {
		out = append(out, rm)
	}
	sort.Strings(out)
	return out, nil
}

// ===== message.Store =====

func (s *Memory) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	s.msgOrder = append(s.msgOrder, m.ID)
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.messages[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

// InsertReply 在同一把锁里完成插入与父计数自增，对应 mongo 侧的事务单元。
func (s *Memory) InsertReply(_ context.Context, reply *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *reply
	s.messages[reply.ID] = &cp
	s.msgOrder = append(s.msgOrder, reply.ID)
	if parent, ok := s.messages[reply.ParentID]; ok {
		parent.ReplyCount++
		// 根消息首次被回复时，其线程号落实为自身 ID
		parent.ConversationID = reply.ConversationID
	}
	return nil
}

func (s *Memory) UpdateContent(_ context.Context, id int64, content string, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Content = content
		m.Edited = true
		m.UpdatedAt = atMS
	}
	return nil
}

func (s *Memory) SoftDelete(_ context.Context, id int64, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Deleted = true
		m.UpdatedAt = atMS
	}
	return nil
}

func (s *Memory) SetPinned(_ context.Context, id int64, pinned bool, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Pinned = pinned
		m.UpdatedAt = atMS
	}
	return nil
}

func (s *Memory) MarkMessageRead(_ context.Context, id int64, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok && !m.Read {
		m.Read = true
		m.ReadAt = atMS
	}
	return nil
}

func (s *Memory) MarkRoomRead(_ context.Context, roomID string, readerID int64, atMS int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Room == roomID && !m.Deleted && !m.Read && m.SenderID != readerID {
			m.Read = true
			m.ReadAt = atMS
			n++
		}
	}
	return n, nil
}

func (s *Memory) InsertReceipt(_ context.Context, r *model.ReadReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := receiptKey{msgID: r.MessageID, userID: r.UserID}
	if _, exists := s.receipts[k]; exists {
		return false, nil
	}
	cp := *r
	s.receipts[k] = &cp
	return true, nil
}

// ReceiptCount 单测用：(message,user) 维度的回执条数。
func (s *Memory) ReceiptCount(msgID, userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.receipts[receiptKey{msgID: msgID, userID: userID}]; ok {
		return 1
	}
	return 0
}

func (s *Memory) EffectiveReplyCount(_ context.Context, parentID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.messages {
		if m.ParentID == parentID && !m.Deleted {
			n++
		}
	}
	return n, nil
}

// ListRoom 返回按创建时间正序的一页；page=1 是最新的一页，页内仍为
// 正序（聊天历史的惯常口径）。
func (s *Memory) ListRoom(_ context.Context, roomID string, page, pageSize int, beforeMS int64) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*model.Message
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if m.Room != roomID || m.Deleted {
			continue
		}
		if beforeMS > 0 && m.CreatedAt >= beforeMS {
			continue
		}
		all = append(all, m)
	}
	sortChrono(all)

	n := len(all)
	end := n - (page-1)*pageSize
	if end <= 0 {
		return []*model.Message{}, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	out := make([]*model.Message, 0, end-start)
	for _, m := range all[start:end] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) ListThread(_ context.Context, conversationID int64) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if m.Deleted || m.ParentID == 0 || m.ConversationID != conversationID {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sortChrono(out)
	return out, nil
}

func (s *Memory) SearchRoom(_ context.Context, roomID, term string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(term)
	var out []*model.Message
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if m.Room != roomID || m.Deleted {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ===== presence.Store =====

func (s *Memory) UpsertConnection(_ context.Context, rec *model.ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.conns[rec.ConnID] = &cp
	return nil
}

func (s *Memory) TouchConnection(_ context.Context, connID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.conns[connID]; ok {
		rec.LastActiveAt = at.UnixMilli()
	}
	return nil
}

func (s *Memory) MarkDisconnected(_ context.Context, connID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.conns[connID]; ok {
		rec.Connected = false
		rec.DisconnectedAt = at.UnixMilli()
	}
	return nil
}

func (s *Memory) MarkStaleDisconnected(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	cutMS := cutoff.UnixMilli()
	for _, rec := range s.conns {
		if rec.Connected && rec.LastActiveAt < cutMS {
			rec.Connected = false
			rec.DisconnectedAt = cutMS
			n++
		}
	}
	return n, nil
}

// ConnectionRecord 单测用读取。
func (s *Memory) ConnectionRecord(connID string) *model.ConnectionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.conns[connID]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

// ===== session.AuditStore =====

func (s *Memory) InsertBlockLog(_ context.Context, l *model.BlockLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockLogs = append(s.blockLogs, *l)
	return nil
}

func (s *Memory) BlockLogs(_ context.Context, userID int64) ([]model.BlockLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BlockLog
	for _, l := range s.blockLogs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	// 最新在前
	sort.Slice(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At > out[j].At
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Memory) InsertActivityLog(_ context.Context, l *model.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityLogs = append(s.activityLogs, *l)
	return nil
}

func sortChrono(ms []*model.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt != ms[j].CreatedAt {
			return ms[i].CreatedAt < ms[j].CreatedAt
		}
		return ms[i].ID < ms[j].ID
	})
}
