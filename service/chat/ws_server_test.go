package chat

import (
	"context"
	"testing"
	"time"

	"BizChat/module/chat/auth"
	"BizChat/module/chat/message"
	"BizChat/module/chat/model"
	"BizChat/module/chat/presence"
	"BizChat/module/chat/ratelimit"
	"BizChat/module/chat/session"
	"BizChat/module/chat/store"
)

// 用户 5 持有订单 42；订单 77 属于用户 9。
func newFrameFixture() (*Server, *presence.Registry) {
	st := store.NewMemory()
	st.AddUser(&model.User{ID: 5, Name: "alice", Role: model.RoleClient, Status: model.StatusActive})
	st.AddUser(&model.User{ID: 9, Name: "bob", Role: model.RoleClient, Status: model.StatusActive})
	st.AddOrder(&model.Order{ID: 42, OwnerID: 5, Status: model.OrderOpen})
	st.AddOrder(&model.Order{ID: 77, OwnerID: 9, Status: model.OrderOpen})

	registry := presence.NewRegistry(presence.Conf{GatewayID: "gw_test"}, nil, nil)
	hub := NewHub()
	authz := auth.NewEngine(st, auth.Conf{})
	limiter := ratelimit.NewLimiter(ratelimit.Conf{})
	sessions := session.NewController(registry, hub, nil, session.Conf{WarnGrace: time.Millisecond})
	messages := message.NewEngine(st, authz, limiter, nil, message.Conf{})

	srv := NewServer(Deps{
		GatewayID: "gw_test",
		Registry:  registry,
		Authz:     authz,
		Limiter:   limiter,
		Sessions:  sessions,
		Messages:  messages,
		Hub:       hub,
		Sink:      hub,
	})
	return srv, registry
}

// 测试里不升级真实 websocket：client 不注册进 hub，出站推送都落空，
// 只验证帧分发对在线表的副作用。
func testClient(connID string, userID int64) *client {
	return &client{
		id:     connID,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func TestDeniedSendKeepsCurrentRoom(t *testing.T) {
	srv, registry := newFrameFixture()
	ctx := context.Background()

	cl := testClient("conn1", 5)
	registry.AddConnection(ctx, 5, cl.id, presence.Meta{})

	// 先在自己的房间里发一条，currentRoom 落在 order_42
	srv.handleFrame(ctx, cl, &ClientFrame{Type: FrameSend, Room: "order_42", Content: "hello"})
	if got := registry.OnlineUsersInRoom("order_42"); len(got) != 1 || got[0].UserID != 5 {
		t.Fatalf("OnlineUsersInRoom(order_42) = %v, want user 5", got)
	}

	// 向别人的订单房间发送被拒：currentRoom 不得挪过去
	srv.handleFrame(ctx, cl, &ClientFrame{Type: FrameSend, Room: "order_77", Content: "let me in"})
	if got := registry.OnlineUsersInRoom("order_77"); len(got) != 0 {
		t.Errorf("denied send surfaced user in order_77: %v", got)
	}
	if got := registry.OnlineUsersInRoom("order_42"); len(got) != 1 {
		t.Errorf("user should still read as present in order_42, got %v", got)
	}
}

func TestAcceptedSendMovesCurrentRoom(t *testing.T) {
	srv, registry := newFrameFixture()
	ctx := context.Background()

	cl := testClient("conn9", 9)
	registry.AddConnection(ctx, 9, cl.id, presence.Meta{})

	srv.handleFrame(ctx, cl, &ClientFrame{Type: FrameSend, Room: "order_77", Content: "mine"})
	if got := registry.OnlineUsersInRoom("order_77"); len(got) != 1 || got[0].UserID != 9 {
		t.Fatalf("OnlineUsersInRoom(order_77) = %v, want user 9", got)
	}
	if got := registry.OnlineUsersInRoom("support_9"); len(got) != 0 {
		t.Fatalf("unexpected presence in support_9: %v", got)
	}

	srv.handleFrame(ctx, cl, &ClientFrame{Type: FrameSend, Room: "support_9", Content: "also mine"})
	if got := registry.OnlineUsersInRoom("support_9"); len(got) != 1 || got[0].UserID != 9 {
		t.Errorf("OnlineUsersInRoom(support_9) = %v, want user 9 after accepted send", got)
	}
}
