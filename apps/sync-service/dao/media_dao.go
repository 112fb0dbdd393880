package dao

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"moodchat/apps/sync-service/model"
	"moodchat/pkg/database"
)

const mediaCollection = "media_items"

// mediaDAO 媒体任务数据访问对象
type mediaDAO struct {
	db *database.MongoDB
}

// NewMediaDAO 创建媒体DAO实例
func NewMediaDAO(db *database.MongoDB) MediaDAO {
	return &mediaDAO{db: db}
}

// ListPendingMedia 列出该设备待处理的媒体项，itemIDs非空时仅取指定项
func (d *mediaDAO) ListPendingMedia(ctx context.Context, userID int64, deviceID string, itemIDs []string) ([]*model.MediaItem, error) {
	coll := d.db.GetCollection(mediaCollection)

	filter := bson.M{
		"user_id":   userID,
		"device_id": deviceID,
		"status":    "pending",
	}
	if len(itemIDs) > 0 {
		filter["item_id"] = bson.M{"$in": itemIDs}
	}

	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to query pending media: %v", err))
	}
	defer cursor.Close(ctx)

	var items []*model.MediaItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, Transient(fmt.Errorf("failed to decode media items: %v", err))
	}
	return items, nil
}

// CompleteMediaItem 标记单项完成
func (d *mediaDAO) CompleteMediaItem(ctx context.Context, itemID string) error {
	return d.setStatus(ctx, itemID, "completed", "")
}

// FailMediaItem 标记单项失败
func (d *mediaDAO) FailMediaItem(ctx context.Context, itemID, reason string) error {
	return d.setStatus(ctx, itemID, "failed", reason)
}

func (d *mediaDAO) setStatus(ctx context.Context, itemID, status, reason string) error {
	coll := d.db.GetCollection(mediaCollection)

	update := bson.M{"status": status}
	if reason != "" {
		update["reason"] = reason
	}
	res, err := coll.UpdateOne(ctx,
		bson.M{"item_id": itemID},
		bson.M{"$set": update},
	)
	if err != nil {
		return Transient(fmt.Errorf("failed to update media item: %v", err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
