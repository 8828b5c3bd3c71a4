package model

// Order status values the policy layer cares about. Everything else the
// order carries lives in the surrounding CRUD system.
const (
	OrderOpen      = "open"
	OrderCancelled = "cancelled"
)

type Order struct {
	ID      int64  `bson:"_id" json:"id"`
	OwnerID int64  `bson:"owner_id" json:"ownerId"`
	Status  string `bson:"status" json:"status"`
}

func (*Order) TableName() string { return "chat_order" }

type Quote struct {
	ID      int64 `bson:"_id" json:"id"`
	OwnerID int64 `bson:"owner_id" json:"ownerId"`
}

func (*Quote) TableName() string { return "chat_quote" }
