package message

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"BizChat/module/chat/auth"
	"BizChat/module/chat/model"
	"BizChat/module/chat/ratelimit"
	"BizChat/module/chat/store"
	"BizChat/service/push"
)

type fakeSink struct {
	mu     sync.Mutex
	events []push.Event
}

func (f *fakeSink) PushToConn(_ context.Context, _ string, ev push.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) PushToRoom(_ context.Context, _ string, ev push.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) roomEvents(typ string) []push.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []push.Event
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	st      *store.Memory
	eng     *Engine
	limiter *ratelimit.Limiter
	sink    *fakeSink
	mu      sync.Mutex
	now     time.Time
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

// 用户 5 持有订单 42；用户 9 无权限；100 是管理员。
func newFixture() *fixture {
	f := &fixture{
		st:   store.NewMemory(),
		sink: &fakeSink{},
		now:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.st.AddUser(&model.User{ID: 5, Name: "alice", Role: model.RoleClient, Status: model.StatusActive})
	f.st.AddUser(&model.User{ID: 9, Name: "bob", Role: model.RoleClient, Status: model.StatusActive})
	f.st.AddUser(&model.User{ID: 100, Name: "root", Role: model.RoleAdmin, Status: model.StatusActive})
	f.st.AddOrder(&model.Order{ID: 42, OwnerID: 5, Status: model.OrderOpen})

	authz := auth.NewEngine(f.st, auth.Conf{Clock: f.clock})
	f.limiter = ratelimit.NewLimiter(ratelimit.Conf{Clock: f.clock})
	f.eng = NewEngine(f.st, authz, f.limiter, f.sink, Conf{Clock: f.clock})
	return f
}

func mustSend(t *testing.T, f *fixture, senderID int64, room, content string) *model.Message {
	t.Helper()
	res, err := f.eng.Send(context.Background(), senderID, room, content, SendOpts{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Denied {
		t.Fatalf("Send denied: %s", res.Reason)
	}
	return res.Msg
}

func TestSendFillsDefaultsAndOrderID(t *testing.T) {
	f := newFixture()
	m := mustSend(t, f, 5, "order_42", "hello")

	if m.Type != model.MsgTypeText || m.Priority != model.PriorityNormal {
		t.Errorf("defaults = %q/%q", m.Type, m.Priority)
	}
	if m.OrderID != 42 {
		t.Errorf("OrderID = %d, want autofilled 42", m.OrderID)
	}
	if evs := f.sink.roomEvents(push.EventMessage); len(evs) != 1 {
		t.Errorf("fanout events = %d, want 1", len(evs))
	}
}

func TestSendDeniedNoSideEffects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.eng.Send(ctx, 9, "order_42", "let me in", SendOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied || !strings.Contains(res.Reason, "order") {
		t.Fatalf("res = %+v, want denial naming order access", res)
	}

	// 未落库
	if msgs, _ := f.st.ListRoom(ctx, "order_42", 1, 50, 0); len(msgs) != 0 {
		t.Errorf("denied send persisted %d messages", len(msgs))
	}
	// 未占限流窗口
	if st := f.limiter.Status(9, model.RoleClient); st.CountLastMinute != 0 {
		t.Errorf("denied send consumed the window: %+v", st)
	}
	// 无推送
	if evs := f.sink.roomEvents(push.EventMessage); len(evs) != 0 {
		t.Errorf("denied send pushed %d events", len(evs))
	}
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.limiter.SetCustomLimit(5, 2, 0)

	mustSend(t, f, 5, "order_42", "one")
	mustSend(t, f, 5, "order_42", "two")

	res, err := f.eng.Send(ctx, 5, "order_42", "three", SendOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied || res.RetryAfter <= 0 {
		t.Fatalf("res = %+v, want rate denial with RetryAfter > 0", res)
	}
}

func TestReplyInheritsThread(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := mustSend(t, f, 5, "order_42", "root")

	res, err := f.eng.Reply(ctx, 100, root.ID, "first reply")
	if err != nil {
		t.Fatal(err)
	}
	if res.Denied {
		t.Fatalf("reply denied: %s", res.Reason)
	}
	r1 := res.Msg
	if r1.Room != "order_42" || r1.OrderID != 42 {
		t.Errorf("reply room/order = %q/%d, want inherited", r1.Room, r1.OrderID)
	}
	if r1.ParentID != root.ID || r1.ConversationID != root.ID {
		t.Errorf("reply parent/conv = %d/%d, want both %d", r1.ParentID, r1.ConversationID, root.ID)
	}

	// 对回复再回复，线程号仍指向根
	res, err = f.eng.Reply(ctx, 5, r1.ID, "nested")
	if err != nil {
		t.Fatal(err)
	}
	if res.Msg.ConversationID != root.ID {
		t.Errorf("nested conv = %d, want root %d", res.Msg.ConversationID, root.ID)
	}

	// 存量计数只统计直接回复
	reloaded, _ := f.st.GetMessage(ctx, root.ID)
	if reloaded.ReplyCount != 1 {
		t.Errorf("root stored reply count = %d, want 1", reloaded.ReplyCount)
	}
	// 根消息落库的线程号是它自己的 ID，不再停留在 0
	if reloaded.ConversationID != root.ID {
		t.Errorf("root stored conversation id = %d, want own id %d", reloaded.ConversationID, root.ID)
	}
}

func TestReplyToDeletedParentDenied(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := mustSend(t, f, 5, "order_42", "root")
	if ok, reason, err := f.eng.Delete(ctx, 5, root.ID); err != nil || !ok {
		t.Fatalf("delete root: ok=%v reason=%q err=%v", ok, reason, err)
	}

	res, err := f.eng.Reply(ctx, 100, root.ID, "too late")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied {
		t.Error("reply to a deleted parent should be denied")
	}
}

func TestStoredVsEffectiveReplyCount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := mustSend(t, f, 5, "order_42", "root")

	r1, _ := f.eng.Reply(ctx, 100, root.ID, "keep")
	r2, _ := f.eng.Reply(ctx, 100, root.ID, "drop")
	if r1.Denied || r2.Denied {
		t.Fatal("setup replies denied")
	}
	if ok, _, err := f.eng.Delete(ctx, 100, r2.Msg.ID); err != nil || !ok {
		t.Fatalf("delete reply: %v", err)
	}

	td, err := f.eng.Thread(ctx, 5, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if td == nil {
		t.Fatal("thread not visible to room owner")
	}
	// 软删不回退存量计数，读取口径才排除
	if td.StoredReplyCount != 2 {
		t.Errorf("stored = %d, want 2", td.StoredReplyCount)
	}
	if td.EffectiveReplyCount != 1 {
		t.Errorf("effective = %d, want 1", td.EffectiveReplyCount)
	}
	if len(td.Replies) != 1 || td.Replies[0].Content != "keep" {
		t.Errorf("replies = %v", td.Replies)
	}
	if len(td.Participants) != 2 {
		t.Errorf("participants = %v, want root sender + replier", td.Participants)
	}
}

func TestThreadHiddenFromOutsider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := mustSend(t, f, 5, "order_42", "root")

	td, err := f.eng.Thread(ctx, 9, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if td != nil {
		t.Error("outsider should get nil thread, indistinguishable from missing")
	}
}

func TestReadReceiptIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := mustSend(t, f, 5, "order_42", "read me")

	ins, err := f.eng.RecordReadReceipt(ctx, 100, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ins {
		t.Fatal("first receipt should insert")
	}
	reloaded, _ := f.st.GetMessage(ctx, m.ID)
	if !reloaded.Read {
		t.Error("first receipt should flip the aggregate read flag")
	}

	ins, err = f.eng.RecordReadReceipt(ctx, 100, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ins {
		t.Error("duplicate receipt should be a no-op")
	}
	if n := f.st.ReceiptCount(m.ID, 100); n != 1 {
		t.Errorf("receipts = %d, want 1", n)
	}

	// 发送者读自己不产生回执
	if ins, _ := f.eng.RecordReadReceipt(ctx, 5, m.ID); ins {
		t.Error("sender reading own message must not insert a receipt")
	}
}

func TestMarkReadGuards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := mustSend(t, f, 5, "order_42", "unread")

	// 不存在的消息：静默
	if err := f.eng.MarkRead(ctx, 100, 987654); err != nil {
		t.Fatalf("missing message: %v", err)
	}
	// 发送者自己：静默，不置位
	if err := f.eng.MarkRead(ctx, 5, m.ID); err != nil {
		t.Fatal(err)
	}
	if reloaded, _ := f.st.GetMessage(ctx, m.ID); reloaded.Read {
		t.Error("sender self-read must not set the flag")
	}
	// 他人：置位
	if err := f.eng.MarkRead(ctx, 100, m.ID); err != nil {
		t.Fatal(err)
	}
	reloaded, _ := f.st.GetMessage(ctx, m.ID)
	if !reloaded.Read || reloaded.ReadAt == 0 {
		t.Errorf("message not marked read: %+v", reloaded)
	}
	// 幂等
	if err := f.eng.MarkRead(ctx, 100, m.ID); err != nil {
		t.Fatal(err)
	}
}

func TestMarkRoomRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mustSend(t, f, 5, "order_42", "a")
	mustSend(t, f, 5, "order_42", "b")
	mustSend(t, f, 100, "order_42", "from admin")

	// 管理员标房间已读：只吃别人发的两条
	n, err := f.eng.MarkRoomRead(ctx, 100, "order_42")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2", n)
	}
	// 再来一遍没有新增
	if n, _ := f.eng.MarkRoomRead(ctx, 100, "order_42"); n != 0 {
		t.Errorf("second pass marked = %d, want 0", n)
	}
	// 无权限用户：0 条且无错误
	if n, _ := f.eng.MarkRoomRead(ctx, 9, "order_42"); n != 0 {
		t.Errorf("outsider marked = %d, want 0", n)
	}
}

func TestEditCollapsesDenialToNil(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := mustSend(t, f, 5, "order_42", "v1")

	// 非发送者编辑：nil, nil
	got, err := f.eng.Edit(ctx, 9, m.ID, "hijack")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("non-sender edit should collapse to nil")
	}
	// 不存在的消息同样 nil, nil
	got, err = f.eng.Edit(ctx, 5, 987654, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("missing message edit should collapse to nil")
	}

	// 发送者编辑成功
	got, err = f.eng.Edit(ctx, 5, m.ID, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Content != "v2" || !got.Edited {
		t.Fatalf("edited = %+v", got)
	}
}

func TestDeleteSoftAndHiddenFromReads(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	keep := mustSend(t, f, 5, "order_42", "keep")
	drop := mustSend(t, f, 5, "order_42", "drop")

	ok, _, err := f.eng.Delete(ctx, 5, drop.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	msgs, err := f.eng.History(ctx, 5, "order_42", 1, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Fatalf("history after delete = %v", msgs)
	}
	found, err := f.eng.Search(ctx, 5, "order_42", "drop", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Error("deleted message surfaced in search")
	}
	// 行还在（软删）
	if raw, _ := f.st.GetMessage(ctx, drop.ID); raw == nil || !raw.Deleted {
		t.Errorf("soft-deleted row = %+v", raw)
	}
}

func TestHistoryPagingNewestFirstPages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	var sent []*model.Message
	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		sent = append(sent, mustSend(t, f, 5, "order_42", c))
		f.advance(time.Second)
	}

	// 第 1 页 = 最新两条，页内按时间正序
	page1, err := f.eng.History(ctx, 5, "order_42", 1, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ID != sent[3].ID || page1[1].ID != sent[4].ID {
		t.Fatalf("page1 = %v, want [m4 m5]", contents(page1))
	}
	page2, err := f.eng.History(ctx, 5, "order_42", 2, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].Content != "m2" || page2[1].Content != "m3" {
		t.Fatalf("page2 = %v, want [m2 m3]", contents(page2))
	}
	page3, _ := f.eng.History(ctx, 5, "order_42", 3, 2, 0)
	if len(page3) != 1 || page3[0].Content != "m1" {
		t.Fatalf("page3 = %v, want [m1]", contents(page3))
	}
}

func TestHistoryDenialIsEmptyPage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mustSend(t, f, 5, "order_42", "secret")

	msgs, err := f.eng.History(ctx, 9, "order_42", 1, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("denied history = %v, want empty non-nil page", msgs)
	}
	// 畸形房间同样拿空页
	msgs, err = f.eng.History(ctx, 5, "banana_1", 1, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("malformed room should read as an empty page")
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mustSend(t, f, 5, "order_42", "Invoice #99 attached")
	mustSend(t, f, 5, "order_42", "unrelated")

	found, err := f.eng.Search(ctx, 5, "order_42", "invoice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || !strings.Contains(found[0].Content, "Invoice") {
		t.Fatalf("search = %v", contents(found))
	}
	// 无权限 = 空结果
	if found, _ := f.eng.Search(ctx, 9, "order_42", "invoice", 0); len(found) != 0 {
		t.Error("outsider search should be empty")
	}
}

func TestPinPermissions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := mustSend(t, f, 5, "order_42", "pin me")

	if ok, _ := f.eng.Pin(ctx, 9, m.ID, true); ok {
		t.Error("stranger pinned a message")
	}
	if ok, err := f.eng.Pin(ctx, 5, m.ID, true); err != nil || !ok {
		t.Errorf("sender pin: ok=%v err=%v", ok, err)
	}
	if ok, err := f.eng.Pin(ctx, 100, m.ID, false); err != nil || !ok {
		t.Errorf("admin unpin: ok=%v err=%v", ok, err)
	}
	if reloaded, _ := f.st.GetMessage(ctx, m.ID); reloaded.Pinned {
		t.Error("unpin did not stick")
	}
}

// 端到端：下单客户发消息，管理员在推送里收到并回复成线程，客户读回执。
func TestOrderConversationEndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	hello := mustSend(t, f, 5, "order_42", "hello")
	if evs := f.sink.roomEvents(push.EventMessage); len(evs) != 1 || evs[0].Room != "order_42" {
		t.Fatalf("admin-side push = %v", evs)
	}

	res, err := f.eng.Reply(ctx, 100, hello.ID, "how can we help?")
	if err != nil || res.Denied {
		t.Fatalf("admin reply: %+v err=%v", res, err)
	}

	td, err := f.eng.Thread(ctx, 5, hello.ID)
	if err != nil || td == nil {
		t.Fatalf("thread: %v", err)
	}
	if len(td.Replies) != 1 || td.StoredReplyCount != 1 {
		t.Fatalf("thread = %+v", td)
	}

	replyID := td.Replies[0].ID
	ins, err := f.eng.RecordReadReceipt(ctx, 5, replyID)
	if err != nil || !ins {
		t.Fatalf("receipt: ins=%v err=%v", ins, err)
	}
	if n := f.st.ReceiptCount(replyID, 5); n != 1 {
		t.Errorf("receipts for user 5 = %d, want 1", n)
	}
	if reloaded, _ := f.st.GetMessage(ctx, replyID); !reloaded.Read {
		t.Error("reply should read as read")
	}
}

func contents(ms []*model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}
