package auth

import (
	"context"
	"testing"
	"time"

	"BizChat/module/chat/model"
	"BizChat/module/chat/store"
)

func seedStore() *store.Memory {
	st := store.NewMemory()
	st.AddUser(&model.User{ID: 5, Name: "alice", Role: model.RoleClient, Status: model.StatusActive})
	st.AddUser(&model.User{ID: 7, Name: "carol", Role: model.RoleClient, Status: model.StatusActive})
	st.AddUser(&model.User{ID: 9, Name: "bob", Role: model.RoleClient, Status: model.StatusActive})
	st.AddUser(&model.User{ID: 11, Name: "pending", Role: model.RoleClient, Status: model.StatusPending})
	st.AddUser(&model.User{ID: 12, Name: "frozen", Role: model.RoleClient, Status: model.StatusInactive})
	st.AddUser(&model.User{ID: 100, Name: "root", Role: model.RoleAdmin, Status: model.StatusActive})
	st.AddOrder(&model.Order{ID: 55, OwnerID: 5, Status: model.OrderOpen})
	st.AddOrder(&model.Order{ID: 66, OwnerID: 9, Status: model.OrderCancelled})
	st.AddQuote(&model.Quote{ID: 31, OwnerID: 5})
	return st
}

func newTestEngine(st Store) *Engine {
	return NewEngine(st, Conf{})
}

func TestCanConnect(t *testing.T) {
	e := newTestEngine(seedStore())
	ctx := context.Background()

	cases := []struct {
		userID  int64
		allowed bool
	}{
		{5, true},
		{100, true},
		{11, false}, // pending
		{12, false}, // inactive
		{999, false},
	}
	for _, tc := range cases {
		out, err := e.CanConnect(ctx, tc.userID)
		if err != nil {
			t.Fatalf("CanConnect(%d): %v", tc.userID, err)
		}
		if out.Allowed != tc.allowed {
			t.Errorf("CanConnect(%d) = %v (%s), want %v", tc.userID, out.Allowed, out.Reason, tc.allowed)
		}
	}
}

func TestCanAccessRoomMatrix(t *testing.T) {
	e := newTestEngine(seedStore())
	ctx := context.Background()

	cases := []struct {
		name    string
		userID  int64
		room    string
		allowed bool
	}{
		{"own order", 5, "order_55", true},
		{"foreign order", 9, "order_55", false},
		{"missing order", 5, "order_404", false},
		{"project open to all", 9, "project_8", true},
		{"own support", 5, "support_5", true},
		{"foreign support", 5, "support_9", false},
		{"own user channel", 9, "user_9", true},
		{"foreign user channel", 5, "user_9", false},
		{"dm participant a", 5, "dm_5_9", true},
		{"dm participant b", 9, "dm_5_9", true},
		{"dm outsider", 7, "dm_5_9", false},
		{"own quote", 5, "quote_31", true},
		{"foreign quote", 9, "quote_31", false},
		{"unknown user", 999, "order_55", false},
	}
	for _, tc := range cases {
		out, err := e.CanAccessRoom(ctx, tc.userID, tc.room)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if out.Allowed != tc.allowed {
			t.Errorf("%s: allowed = %v (%s), want %v", tc.name, out.Allowed, out.Reason, tc.allowed)
		}
	}
}

func TestAdminBypassesOwnership(t *testing.T) {
	e := newTestEngine(seedStore())
	ctx := context.Background()

	for _, rm := range []string{"order_55", "order_404", "support_9", "user_5", "dm_5_9", "quote_31", "project_1"} {
		out, err := e.CanAccessRoom(ctx, 100, rm)
		if err != nil {
			t.Fatalf("admin access %s: %v", rm, err)
		}
		if !out.Allowed {
			t.Errorf("admin denied on %s: %s", rm, out.Reason)
		}
	}
}

func TestMalformedRoomDeniesEveryone(t *testing.T) {
	e := newTestEngine(seedStore())
	ctx := context.Background()

	bad := []string{"", "order_", "order_x", "order_-1", "banana_7", "dm_5", "dm_5_9_7", "dm_a_b", "ORDER_55"}
	for _, rm := range bad {
		for _, uid := range []int64{5, 100} { // 管理员也不豁免畸形输入
			out, err := e.CanAccessRoom(ctx, uid, rm)
			if err != nil {
				t.Fatalf("parse %q: %v", rm, err)
			}
			if out.Allowed {
				t.Errorf("malformed room %q allowed for user %d", rm, uid)
			}
		}
	}
}

func TestCanSendMessageCancelledOrder(t *testing.T) {
	e := newTestEngine(seedStore())
	ctx := context.Background()

	// 订单主在已取消订单房间不可写
	out, err := e.CanSendMessage(ctx, 9, "order_66")
	if err != nil {
		t.Fatal(err)
	}
	if out.Allowed {
		t.Error("owner should not send into a cancelled order room")
	}

	// 管理员可写
	out, err = e.CanSendMessage(ctx, 100, "order_66")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Allowed {
		t.Errorf("admin should send into a cancelled order room: %s", out.Reason)
	}

	// 未取消订单正常
	out, err = e.CanSendMessage(ctx, 5, "order_55")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Allowed {
		t.Errorf("owner denied on open order: %s", out.Reason)
	}
}

func TestEditWindow(t *testing.T) {
	st := seedStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	e := NewEngine(st, Conf{Clock: func() time.Time { return now }})
	ctx := context.Background()

	msg := &model.Message{ID: 1, SenderID: 5, Room: "order_55", Content: "hi", CreatedAt: base.UnixMilli()}
	if err := st.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	now = base.Add(23 * time.Hour)
	out, err := e.CanEditMessage(ctx, 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Allowed {
		t.Errorf("sender denied inside the 24h window: %s", out.Reason)
	}

	now = base.Add(25 * time.Hour)
	out, err = e.CanEditMessage(ctx, 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if out.Allowed {
		t.Error("sender allowed past the 24h window")
	}

	// 管理员不受窗口限制
	out, err = e.CanEditMessage(ctx, 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Allowed {
		t.Errorf("admin denied past the window: %s", out.Reason)
	}

	// 非发送者任何时刻都不行
	now = base
	out, err = e.CanEditMessage(ctx, 9, 1)
	if err != nil {
		t.Fatal(err)
	}
	if out.Allowed {
		t.Error("non-sender allowed to edit")
	}
}

func TestDeleteWindow(t *testing.T) {
	st := seedStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	e := NewEngine(st, Conf{Clock: func() time.Time { return now }})
	ctx := context.Background()

	msg := &model.Message{ID: 2, SenderID: 5, Room: "order_55", Content: "oops", CreatedAt: base.UnixMilli()}
	if err := st.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	now = base.Add(30 * time.Minute)
	if out, _ := e.CanDeleteMessage(ctx, 5, 2); !out.Allowed {
		t.Errorf("sender denied inside the 1h window: %s", out.Reason)
	}

	now = base.Add(2 * time.Hour)
	if out, _ := e.CanDeleteMessage(ctx, 5, 2); out.Allowed {
		t.Error("sender allowed past the 1h window")
	}
	if out, _ := e.CanDeleteMessage(ctx, 100, 2); !out.Allowed {
		t.Error("admin should delete at any time")
	}
}

func TestAuthorizedRooms(t *testing.T) {
	st := seedStore()
	e := newTestEngine(st)
	ctx := context.Background()

	// 用户 5、9 之间有一条 DM
	if err := st.InsertMessage(ctx, &model.Message{
		ID: 3, SenderID: 5, Room: "dm_5_9", Content: "hey", CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	rooms, err := e.AuthorizedRooms(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"dm_5_9", "order_55", "quote_31", "support_5", "user_5"}
	if len(rooms) != len(want) {
		t.Fatalf("rooms = %v, want %v", rooms, want)
	}
	for i := range want {
		if rooms[i] != want[i] {
			t.Fatalf("rooms = %v, want %v", rooms, want)
		}
	}

	// 管理员拿全部有消息的房间
	adminRooms, err := e.AuthorizedRooms(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(adminRooms) != 1 || adminRooms[0] != "dm_5_9" {
		t.Fatalf("admin rooms = %v, want [dm_5_9]", adminRooms)
	}
}
