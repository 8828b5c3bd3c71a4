// Package push is the outbound side of the chat core: a best-effort,
// fire-and-forget sink keyed by connection id or room. The core never
// retries a failed push.
package push

import "context"

// Event types delivered to clients.
const (
	EventMessage        = "message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventMessagePinned  = "message_pinned"
	EventMessageRead    = "message_read"
	EventDisconnectWarn = "disconnect_warning"
	EventBlocked        = "blocked"
)

type Event struct {
	Type    string      `json:"type"`
	Room    string      `json:"room,omitempty"`
	From    int64       `json:"from,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

type Sink interface {
	// PushToConn delivers to one live connection.
	PushToConn(ctx context.Context, connID string, ev Event) error
	// PushToRoom fans out to every connection joined to the room.
	PushToRoom(ctx context.Context, roomID string, ev Event) error
}

// Multi 把同一事件发给多个 sink（本地网关 + 跨节点 NATS）。
type Multi []Sink

func (m Multi) PushToConn(ctx context.Context, connID string, ev Event) error {
	var lastErr error
	for _, s := range m {
		if err := s.PushToConn(ctx, connID, ev); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m Multi) PushToRoom(ctx context.Context, roomID string, ev Event) error {
	var lastErr error
	for _, s := range m {
		if err := s.PushToRoom(ctx, roomID, ev); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
