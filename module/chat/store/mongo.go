package store

import (
	"context"
	"strings"
	"time"

	"BizChat/module/chat/model"
	"BizChat/module/chat/room"
	"BizChat/service/mgo"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo 以集合为单位实现各模块的 store 接口；消息读路径一律带
// deleted=false 过滤。
type Mongo struct {
	users    *mongo.Collection
	orders   *mongo.Collection
	quotes   *mongo.Collection
	messages *mongo.Collection
	receipts *mongo.Collection
	conns    *mongo.Collection
	blockLog *mongo.Collection
	actLog   *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		users:    db.Collection((*model.User)(nil).TableName()),
		orders:   db.Collection((*model.Order)(nil).TableName()),
		quotes:   db.Collection((*model.Quote)(nil).TableName()),
		messages: db.Collection((*model.Message)(nil).TableName()),
		receipts: db.Collection((*model.ReadReceipt)(nil).TableName()),
		conns:    db.Collection((*model.ConnectionRecord)(nil).TableName()),
		blockLog: db.Collection((*model.BlockLog)(nil).TableName()),
		actLog:   db.Collection((*model.ActivityLog)(nil).TableName()),
	}
}

// EnsureIndexes 建立读路径依赖的索引；幂等，启动时调用。
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.receipts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.conns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "connected", Value: 1}, {Key: "last_active_at", Value: 1}},
	})
	return err
}

// ===== auth.Store =====

func (s *Mongo) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Mongo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	var o model.Order
	err := s.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Mongo) GetQuote(ctx context.Context, id int64) (*model.Quote, error) {
	var q model.Quote
	err := s.quotes.FindOne(ctx, bson.M{"_id": id}).Decode(&q)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Mongo) OrderIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return s.idsByOwner(ctx, s.orders, userID)
}

func (s *Mongo) QuoteIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return s.idsByOwner(ctx, s.quotes, userID)
}

func (s *Mongo) idsByOwner(ctx context.Context, coll *mongo.Collection, ownerID int64) ([]int64, error) {
	cur, err := coll.Find(ctx, bson.M{"owner_id": ownerID},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []int64
	for cur.Next(ctx) {
		var row struct {
			ID int64 `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, row.ID)
	}
	return out, cur.Err()
}

func (s *Mongo) DistinctRooms(ctx context.Context) ([]string, error) {
	raw, err := s.messages.Distinct(ctx, "room", bson.M{"deleted": false})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if rm, ok := v.(string); ok {
			out = append(out, rm)
		}
	}
	return out, nil
}

func (s *Mongo) DMRoomsForUser(ctx context.Context, userID int64) ([]string, error) {
	raw, err := s.messages.Distinct(ctx, "room", bson.M{
		"deleted": false,
		"room":    bson.M{"$regex": primitive.Regex{Pattern: "^dm_"}},
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range raw {
		rid, ok := v.(string)
		if !ok {
			continue
		}
		if rm, perr := room.Parse(rid); perr == nil && rm.HasParticipant(userID) {
			out = append(out, rid)
		}
	}
	return out, nil
}

// ===== message.Store =====

func (s *Mongo) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := s.messages.InsertOne(ctx, m)
	return err
}

func (s *Mongo) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertReply 优先走事务（插入 + 父计数 $inc 一起提交）；standalone
// 不支持事务时退化为顺序写 + 失败重算，保证计数不漂移。
func (s *Mongo) InsertReply(ctx context.Context, reply *model.Message) error {
	err := mgo.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		if _, err := s.messages.InsertOne(sessCtx, reply); err != nil {
			return err
		}
		// 顺手把父行的线程号落实：根消息首次被回复时写成自己的 ID，
		// 父行本身是回复时等值覆盖，无副作用。
		_, err := s.messages.UpdateOne(sessCtx,
			bson.M{"_id": reply.ParentID},
			bson.M{
				"$inc": bson.M{"reply_count": 1},
				"$set": bson.M{"conversation_id": reply.ConversationID},
			})
		return err
	})
	if err == nil {
		return nil
	}
	if !transactionsUnsupported(err) {
		return err
	}

	// 补偿路径：先插入，再把存量计数重算回父行。
	if _, err := s.messages.InsertOne(ctx, reply); err != nil {
		return err
	}
	n, err := s.messages.CountDocuments(ctx, bson.M{"parent_id": reply.ParentID})
	if err != nil {
		return err
	}
	_, err = s.messages.UpdateOne(ctx,
		bson.M{"_id": reply.ParentID},
		bson.M{"$set": bson.M{"reply_count": n, "conversation_id": reply.ConversationID}})
	return err
}

func transactionsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction numbers") ||
		strings.Contains(msg, "IllegalOperation")
}

func (s *Mongo) UpdateContent(ctx context.Context, id int64, content string, atMS int64) error {
	_, err := s.messages.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"content": content, "edited": true, "updated_at": atMS}})
	return err
}

func (s *Mongo) SoftDelete(ctx context.Context, id int64, atMS int64) error {
	_, err := s.messages.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"deleted": true, "updated_at": atMS}})
	return err
}

func (s *Mongo) SetPinned(ctx context.Context, id int64, pinned bool, atMS int64) error {
	_, err := s.messages.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"pinned": pinned, "updated_at": atMS}})
	return err
}

func (s *Mongo) MarkMessageRead(ctx context.Context, id int64, atMS int64) error {
	_, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": atMS}})
	return err
}

func (s *Mongo) MarkRoomRead(ctx context.Context, roomID string, readerID int64, atMS int64) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{"room": roomID, "deleted": false, "read": false, "sender_id": bson.M{"$ne": readerID}},
		bson.M{"$set": bson.M{"read": true, "read_at": atMS}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *Mongo) InsertReceipt(ctx context.Context, r *model.ReadReceipt) (bool, error) {
	// 唯一索引兜底；upsert 返回 UpsertedCount 区分新增与已存在。
	res, err := s.receipts.UpdateOne(ctx,
		bson.M{"message_id": r.MessageID, "user_id": r.UserID},
		bson.M{"$setOnInsert": bson.M{"read_at": r.ReadAt}},
		options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (s *Mongo) EffectiveReplyCount(ctx context.Context, parentID int64) (int64, error) {
	return s.messages.CountDocuments(ctx, bson.M{"parent_id": parentID, "deleted": false})
}

func (s *Mongo) ListRoom(ctx context.Context, roomID string, page, pageSize int, beforeMS int64) ([]*model.Message, error) {
	filter := bson.M{"room": roomID, "deleted": false}
	if beforeMS > 0 {
		filter["created_at"] = bson.M{"$lt": beforeMS}
	}
	// 倒序取第 page 页再反转，页内对外保持正序。
	cur, err := s.messages.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64((page-1)*pageSize)).
		SetLimit(int64(pageSize)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Mongo) ListThread(ctx context.Context, conversationID int64) ([]*model.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{
		"conversation_id": conversationID,
		"parent_id":       bson.M{"$gt": 0},
		"deleted":         false,
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (s *Mongo) SearchRoom(ctx context.Context, roomID, term string, limit int) ([]*model.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{
		"room":    roomID,
		"deleted": false,
		"content": bson.M{"$regex": primitive.Regex{Pattern: regexEscape(term), Options: "i"}},
	}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

// regexEscape：检索语义是“子串匹配”，用户输入不能当正则解释。
func regexEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ===== presence.Store =====

func (s *Mongo) UpsertConnection(ctx context.Context, rec *model.ConnectionRecord) error {
	_, err := s.conns.ReplaceOne(ctx, bson.M{"_id": rec.ConnID}, rec,
		options.Replace().SetUpsert(true))
	return err
}

func (s *Mongo) TouchConnection(ctx context.Context, connID string, at time.Time) error {
	_, err := s.conns.UpdateOne(ctx, bson.M{"_id": connID},
		bson.M{"$set": bson.M{"last_active_at": at.UnixMilli()}})
	return err
}

func (s *Mongo) MarkDisconnected(ctx context.Context, connID string, at time.Time) error {
	_, err := s.conns.UpdateOne(ctx, bson.M{"_id": connID},
		bson.M{"$set": bson.M{"connected": false, "disconnected_at": at.UnixMilli()}})
	return err
}

func (s *Mongo) MarkStaleDisconnected(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conns.UpdateMany(ctx,
		bson.M{"connected": true, "last_active_at": bson.M{"$lt": cutoff.UnixMilli()}},
		bson.M{"$set": bson.M{"connected": false, "disconnected_at": cutoff.UnixMilli()}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ===== session.AuditStore =====

func (s *Mongo) InsertBlockLog(ctx context.Context, l *model.BlockLog) error {
	_, err := s.blockLog.InsertOne(ctx, l)
	return err
}

func (s *Mongo) BlockLogs(ctx context.Context, userID int64) ([]model.BlockLog, error) {
	cur, err := s.blockLog.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.BlockLog
	for cur.Next(ctx) {
		var l model.BlockLog
		if err := cur.Decode(&l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, cur.Err()
}

func (s *Mongo) InsertActivityLog(ctx context.Context, l *model.ActivityLog) error {
	_, err := s.actLog.InsertOne(ctx, l)
	return err
}
