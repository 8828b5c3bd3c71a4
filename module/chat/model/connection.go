package model

// ConnectionRecord 是连接的落库审计行，仅用于重启后的对账与运维查询；
// “现在是否在线”以内存注册表为准。
type ConnectionRecord struct {
	ConnID         string `bson:"_id" json:"connId"`
	UserID         int64  `bson:"user_id" json:"userId"`
	GatewayID      string `bson:"gateway_id,omitempty" json:"gatewayId,omitempty"`
	IP             string `bson:"ip,omitempty" json:"ip,omitempty"`
	UserAgent      string `bson:"user_agent,omitempty" json:"userAgent,omitempty"`
	Connected      bool   `bson:"connected" json:"connected"`
	ConnectedAt    int64  `bson:"connected_at" json:"connectedAt"`    // Unix ms
	LastActiveAt   int64  `bson:"last_active_at" json:"lastActiveAt"` // Unix ms
	DisconnectedAt int64  `bson:"disconnected_at,omitempty" json:"disconnectedAt,omitempty"`
}

func (*ConnectionRecord) TableName() string { return "chat_connection" }
