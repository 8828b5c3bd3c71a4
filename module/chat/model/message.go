package model

// ===== 消息类型 / 优先级 =====

const (
	MsgTypeText   = "text"
	MsgTypeSystem = "system"
)

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message 是聊天核心唯一自有的持久实体。
//
// 线程约定：ConversationID 为 0 表示尚未进线程的独立消息；否则等于线程
// 根消息的 ID（根消息自己的 ConversationID 也是自己的 ID）。ReplyCount
// 是增量维护的存量计数，软删回复不回退它——读取侧用
// EffectiveReplyCount 看非删数量。
type Message struct {
	ID             int64  `bson:"_id" json:"id"`
	SenderID       int64  `bson:"sender_id" json:"senderId"`
	RecipientID    int64  `bson:"recipient_id,omitempty" json:"recipientId,omitempty"` // 0 = 无定向接收人
	Room           string `bson:"room" json:"room"`
	OrderID        int64  `bson:"order_id,omitempty" json:"orderId,omitempty"` // 订单关联（可空）
	ParentID       int64  `bson:"parent_id,omitempty" json:"parentId,omitempty"`
	ConversationID int64  `bson:"conversation_id,omitempty" json:"conversationId,omitempty"`

	Content  string `bson:"content" json:"content"`
	Type     string `bson:"type" json:"type"`
	Priority string `bson:"priority" json:"priority"`

	Read   bool  `bson:"read" json:"read"`
	ReadAt int64 `bson:"read_at,omitempty" json:"readAt,omitempty"` // Unix ms

	Edited     bool  `bson:"edited" json:"edited"`
	Pinned     bool  `bson:"pinned" json:"pinned"`
	Deleted    bool  `bson:"deleted" json:"deleted"` // 软删：保留行，所有列表/检索/线程均排除
	ReplyCount int64 `bson:"reply_count" json:"replyCount"`

	CreatedAt int64 `bson:"created_at" json:"createdAt"` // Unix ms
	UpdatedAt int64 `bson:"updated_at" json:"updatedAt"` // Unix ms
}

func (*Message) TableName() string { return "chat_message" }

// IsRoot reports whether the message is (or can become) a thread root.
func (m *Message) IsRoot() bool { return m.ParentID == 0 }

// ThreadID 返回该消息所属线程的根ID；独立消息返回自身ID。
func (m *Message) ThreadID() int64 {
	if m.ConversationID != 0 {
		return m.ConversationID
	}
	return m.ID
}

// ReadReceipt 是“某用户已读某消息”的追加式记录，(message,user) 至多一条。
// 与消息自身的聚合 Read 标志是两回事：标志首条回执即置位、不再清除。
type ReadReceipt struct {
	MessageID int64 `bson:"message_id" json:"messageId"`
	UserID    int64 `bson:"user_id" json:"userId"`
	ReadAt    int64 `bson:"read_at" json:"readAt"` // Unix ms
}

func (*ReadReceipt) TableName() string { return "chat_read_receipt" }
