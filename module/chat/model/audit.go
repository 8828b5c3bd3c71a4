package model

// Block audit actions
const (
	BlockActionBlock   = "block"
	BlockActionUnblock = "unblock"
)

// BlockLog 追加式封禁审计：每次 block/unblock 各一行，历史查询按时间
// 倒序把 block 与其对应的 unblock 配对。
type BlockLog struct {
	ID        int64  `bson:"_id" json:"id"`
	UserID    int64  `bson:"user_id" json:"userId"`
	Action    string `bson:"action" json:"action"`
	Reason    string `bson:"reason,omitempty" json:"reason,omitempty"`
	Until     int64  `bson:"until,omitempty" json:"until,omitempty"` // Unix ms；0 = 永久
	ByAdminID int64  `bson:"by_admin_id,omitempty" json:"byAdminId,omitempty"`
	At        int64  `bson:"at" json:"at"` // Unix ms
}

func (*BlockLog) TableName() string { return "chat_block_log" }

// ActivityLog 管理动作流水（强拆连接、限流调整等）。
type ActivityLog struct {
	ID      int64  `bson:"_id" json:"id"`
	AdminID int64  `bson:"admin_id" json:"adminId"`
	Action  string `bson:"action" json:"action"`
	Target  string `bson:"target,omitempty" json:"target,omitempty"`
	Detail  string `bson:"detail,omitempty" json:"detail,omitempty"`
	At      int64  `bson:"at" json:"at"` // Unix ms
}

func (*ActivityLog) TableName() string { return "chat_activity_log" }
