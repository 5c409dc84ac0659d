package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hilthontt/codesync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fileEntry stores one file. Paths routinely contain '.', so files are kept
// as an array rather than as document field names.
type fileEntry struct {
	Path    string `bson:"path"`
	Content string `bson:"content"`
}

type roomDocument struct {
	Key        string           `bson:"_id"`
	Files      []fileEntry      `bson:"files"`
	ActiveFile string           `bson:"activeFile"`
	Messages   []domain.Message `bson:"messages"`
	CreatedAt  time.Time        `bson:"createdAt,omitempty"`
	UpdatedAt  time.Time        `bson:"updatedAt,omitempty"`
}

func toDocumentFiles(room *domain.Room) []fileEntry {
	paths := room.SortedPaths()
	files := make([]fileEntry, 0, len(paths))
	for _, p := range paths {
		files = append(files, fileEntry{Path: p, Content: room.Files[p]})
	}
	return files
}

func (d *roomDocument) toDomain() *domain.Room {
	files := make(map[string]string, len(d.Files))
	for _, f := range d.Files {
		files[f.Path] = f.Content
	}

	room := &domain.Room{
		Key:        d.Key,
		Files:      files,
		ActiveFile: d.ActiveFile,
		Messages:   d.Messages,
	}
	room.Normalize()

	return room
}

type roomRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewRoomRepository(db *mongo.Database, collection string, timeout time.Duration) domain.RoomRepository {
	return &roomRepository{
		collection: db.Collection(collection),
		timeout:    timeout,
	}
}

func (r *roomRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *roomRepository) FindByKey(ctx context.Context, key string) (*domain.Room, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var doc roomDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, fmt.Errorf("find room %s: %w", key, err)
	}

	return doc.toDomain(), nil
}

func (r *roomRepository) Upsert(ctx context.Context, room *domain.Room) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"files":      toDocumentFiles(room),
			"activeFile": room.ActiveFile,
			"messages":   room.Messages,
			"updatedAt":  now,
		},
		"$setOnInsert": bson.M{
			"createdAt": now,
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": room.Key}, update, opts); err != nil {
		return fmt.Errorf("upsert room %s: %w", room.Key, err)
	}

	return nil
}
