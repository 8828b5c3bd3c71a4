package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"BizChat/global/config"
	"BizChat/logger"
	"BizChat/module/chat/message"
	"BizChat/module/chat/presence"
	ids "BizChat/tools/ids"
	sec "BizChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgraded = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS ===== WebSocket 处理 =====
// 握手即鉴权：token 不合法或 CanConnect 拒绝就直接升级失败/关闭，
// 不存在未授权的挂起连接。
func (s *Server) HandleWS(c *gin.Context) {
	id, err := sec.Verify(sec.DefaultOptions(config.GetJwtSecret()), c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token invalid"})
		return
	}

	out, err := s.authz.CanConnect(c.Request.Context(), id.UserID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	if !out.Allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": out.Reason})
		return
	}
	if st := s.sessions.IsBlocked(id.UserID); st.Blocked {
		c.JSON(http.StatusForbidden, gin.H{"error": "blocked: " + st.Reason})
		return
	}

	ws, err := upgraded.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}

	connID := ids.GenerateString()
	cl := s.hub.Register(connID, id.UserID, ws)
	s.registry.AddConnection(c.Request.Context(), id.UserID, connID, presence.Meta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	_ = s.hub.PushToConn(c.Request.Context(), connID, BuildConnAck(connID, s.gatewayID))

	logger.Infof("[WS] connected user=%d conn=%s ip=%s", id.UserID, connID, c.ClientIP())

	ws.SetReadLimit(1 << 20) // 1MB
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// ---- 读循环：只读不写，写全部经 hub 的写协程 ----
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s err=%v", connID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", connID, rerr)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", connID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrameJSON(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[WS] bad frame conn=%s err=%v sample=%q", connID, perr, sample)
			continue
		}

		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		s.handleFrame(c.Request.Context(), cl, frame)
	}

	// ---- 退出阶段：网关表和在线表都摘掉 ----
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.hub.Unregister(connID)
		s.registry.RemoveConnection(ctx, id.UserID, connID)
		cancel()
	}
	logger.Infof("[WS] disconnected user=%d conn=%s", id.UserID, connID)
}

// handleFrame 逐帧分发；任何业务拒绝都回给当前连接，不断线。
func (s *Server) handleFrame(ctx context.Context, cl *client, f *ClientFrame) {
	switch f.Type {
	case FramePing:
		s.registry.UpdateActivity(ctx, cl.userID, "")
		_ = s.hub.PushToConn(ctx, cl.id, BuildPong())

	case FrameJoin:
		out, err := s.authz.CanAccessRoom(ctx, cl.userID, f.Room)
		if err != nil {
			_ = s.hub.PushToConn(ctx, cl.id, BuildError(f.Type, "try again later"))
			return
		}
		if !out.Allowed {
			_ = s.hub.PushToConn(ctx, cl.id, BuildDenied(f.Type, out.Reason, 0))
			return
		}
		s.hub.JoinRoom(cl.id, f.Room)
		s.registry.JoinRoom(cl.id, f.Room)
		s.registry.UpdateActivity(ctx, cl.userID, f.Room)

	case FrameLeave:
		s.hub.LeaveRoom(cl.id, f.Room)
		s.registry.LeaveRoom(cl.id, f.Room)

	case FrameSend:
		if s.rejectBlocked(ctx, cl, f.Type) {
			return
		}
		res, err := s.messages.Send(ctx, cl.userID, f.Room, f.Content, sendOpts(f))
		s.replySendResult(ctx, cl, f.Type, res, err)
		// 被拒的发送只刷活跃时间，不把 currentRoom 挪到无权的房间
		activityRoom := ""
		if err == nil && !res.Denied {
			activityRoom = f.Room
		}
		s.registry.UpdateActivity(ctx, cl.userID, activityRoom)

	case FrameReply:
		if s.rejectBlocked(ctx, cl, f.Type) {
			return
		}
		res, err := s.messages.Reply(ctx, cl.userID, f.ParentID, f.Content)
		s.replySendResult(ctx, cl, f.Type, res, err)
		s.registry.UpdateActivity(ctx, cl.userID, "")

	case FrameRead:
		if _, err := s.messages.RecordReadReceipt(ctx, cl.userID, f.MessageID); err != nil {
			_ = s.hub.PushToConn(ctx, cl.id, BuildError(f.Type, "try again later"))
			return
		}
		s.registry.UpdateActivity(ctx, cl.userID, "")

	default:
		logger.Infof("[WS] no handler for frame type=%q conn=%s", f.Type, cl.id)
	}
}

func (s *Server) rejectBlocked(ctx context.Context, cl *client, frameType string) bool {
	st := s.sessions.IsBlocked(cl.userID)
	if !st.Blocked {
		return false
	}
	_ = s.hub.PushToConn(ctx, cl.id, BuildDenied(frameType, "blocked: "+st.Reason, 0))
	return true
}

func (s *Server) replySendResult(ctx context.Context, cl *client, frameType string, res *message.SendResult, err error) {
	if err != nil {
		_ = s.hub.PushToConn(ctx, cl.id, BuildError(frameType, "try again later"))
		return
	}
	if res.Denied {
		_ = s.hub.PushToConn(ctx, cl.id, BuildDenied(frameType, res.Reason, res.RetryAfter.Milliseconds()))
		return
	}
	_ = s.hub.PushToConn(ctx, cl.id, BuildSendAck(frameType, res.Msg.ID))
}

func sendOpts(f *ClientFrame) message.SendOpts {
	return message.SendOpts{
		RecipientID: f.To,
		OrderID:     f.OrderID,
		Type:        f.MsgType,
		Priority:    f.Priority,
	}
}
