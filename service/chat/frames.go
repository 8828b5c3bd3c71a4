package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"BizChat/service/push"
)

// 入站帧类型
const (
	FrameSend  = "send"
	FrameReply = "reply"
	FrameJoin  = "join"
	FrameLeave = "leave"
	FramePing  = "ping"
	FrameRead  = "read"
)

// ClientFrame 客户端入站帧；字段按 type 取用，未用到的忽略。
type ClientFrame struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	Content   string `json:"content,omitempty"`
	To        int64  `json:"to,omitempty"`
	OrderID   int64  `json:"orderId,omitempty"`
	ParentID  int64  `json:"parentId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	MsgType   string `json:"msgType,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

func ParseFrameJSON(raw []byte) (*ClientFrame, error) {
	f := &ClientFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// ---- 构造若干服务端回执 ----

func BuildConnAck(connID, gatewayID string) push.Event {
	return push.Event{
		Type: "conn_ack",
		Payload: map[string]any{
			"connId":    connID,
			"gatewayId": gatewayID,
			"ts":        time.Now().UnixMilli(),
		},
	}
}

func BuildPong() push.Event {
	return push.Event{Type: "pong", Payload: map[string]any{"ts": time.Now().UnixMilli()}}
}

func BuildSendAck(frameType string, msgID int64) push.Event {
	return push.Event{
		Type:    frameType + "_ack",
		Payload: map[string]any{"messageId": msgID, "ts": time.Now().UnixMilli()},
	}
}

func BuildDenied(frameType, reason string, retryAfterMS int64) push.Event {
	p := map[string]any{"reason": reason}
	if retryAfterMS > 0 {
		p["retryAfterMs"] = retryAfterMS
	}
	return push.Event{Type: frameType + "_denied", Payload: p}
}

func BuildError(frameType, detail string) push.Event {
	return push.Event{Type: frameType + "_error", Payload: map[string]any{"detail": detail}}
}
