package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/database"
)

const messageCollection = "messages"

// messageDAO 消息数据访问对象
type messageDAO struct {
	db *database.MongoDB
}

// NewMessageDAO 创建消息DAO实例
func NewMessageDAO(db *database.MongoDB) MessageDAO {
	return &messageDAO{db: db}
}

// EnsureMessageIndexes 建立消息集合索引
// temp_id唯一索引是重复提交检测的幂等兜底
func EnsureMessageIndexes(ctx context.Context, db *database.MongoDB) error {
	coll := db.GetCollection(messageCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "temp_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"temp_id": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "recipient_ids", Value: 1}, {Key: "created_at", Value: 1}},
		},
	})
	if err != nil {
		return Transient(fmt.Errorf("failed to create message indexes: %v", err))
	}
	return nil
}

// GetUnsyncedMessages 拉取since之后投递给该用户的消息，按创建时间升序
func (d *messageDAO) GetUnsyncedMessages(ctx context.Context, userID int64, since time.Time, limit int) ([]*model.Message, error) {
	coll := d.db.GetCollection(messageCollection)

	filter := bson.M{
		"recipient_ids": userID,
		"created_at":    bson.M{"$gt": since},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to query unsynced messages: %v", err))
	}
	defer cursor.Close(ctx)

	var messages []*model.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, Transient(fmt.Errorf("failed to decode messages: %v", err))
	}
	return messages, nil
}

// CreateMessage 持久化消息
func (d *messageDAO) CreateMessage(ctx context.Context, msg *model.Message) error {
	coll := d.db.GetCollection(messageCollection)
	if _, err := coll.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("message already exists: %v", err)
		}
		return Transient(fmt.Errorf("failed to create message: %v", err))
	}
	return nil
}

// GetMessageByTempID 按临时ID查找消息
func (d *messageDAO) GetMessageByTempID(ctx context.Context, userID int64, tempID string) (*model.Message, error) {
	coll := d.db.GetCollection(messageCollection)

	var msg model.Message
	err := coll.FindOne(ctx, bson.M{"sender_id": userID, "temp_id": tempID}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, Transient(fmt.Errorf("failed to query message by temp id: %v", err))
	}
	return &msg, nil
}

// MarkMessageAsRead 记录已读回执
func (d *messageDAO) MarkMessageAsRead(ctx context.Context, messageID, userID int64, at time.Time) error {
	coll := d.db.GetCollection(messageCollection)

	update := bson.M{
		"$addToSet": bson.M{
			"read_by": model.ReadRecord{UserID: userID, ReadAt: at},
		},
	}
	res, err := coll.UpdateOne(ctx, bson.M{"message_id": messageID}, update)
	if err != nil {
		return Transient(fmt.Errorf("failed to mark message as read: %v", err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceMessageContent 覆盖消息内容
func (d *messageDAO) ReplaceMessageContent(ctx context.Context, messageID int64, content string) error {
	coll := d.db.GetCollection(messageCollection)

	res, err := coll.UpdateOne(ctx,
		bson.M{"message_id": messageID},
		bson.M{"$set": bson.M{"content": content}},
	)
	if err != nil {
		return Transient(fmt.Errorf("failed to replace message content: %v", err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
