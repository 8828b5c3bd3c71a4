package model

// Role
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Status — 仅 active 可连接/发言
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusPending  = "pending"
)

// User 为外部主档的裁剪视图：聊天核心只关心身份、角色与账号状态。
type User struct {
	ID     int64  `bson:"_id" json:"id"`
	Name   string `bson:"name,omitempty" json:"name"`
	Role   string `bson:"role" json:"role"`
	Status string `bson:"status" json:"status"`
}

func (*User) TableName() string { return "chat_user" }

func (u *User) IsAdmin() bool  { return u != nil && u.Role == RoleAdmin }
func (u *User) IsActive() bool { return u != nil && u.Status == StatusActive }
