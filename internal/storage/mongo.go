package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

const collectionName = "generations"

// MongoStore keeps records in the generations collection, one document per
// task id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *slog.Logger
}

// NewMongoStore connects to uri, pings the server and ensures the indexes.
func NewMongoStore(ctx context.Context, uri, database string, log *slog.Logger) (*MongoStore, error) {
	log = sl.OrDiscard(log)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	collection := client.Database(database).Collection(collectionName)
	_, err = collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		log.Warn("creating index", sl.Err(err))
	}

	return &MongoStore{client: client, collection: collection, log: log}, nil
}

// Save implements ports.GenerationStore.  A record with a known task id
// replaces the stored one.
func (m *MongoStore) Save(ctx context.Context, rec domain.GenerationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.collection.ReplaceOne(ctx, bson.M{"task_id": rec.TaskID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving generation %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get implements ports.GenerationStore.  It returns nil, nil for an unknown
// task id.
func (m *MongoStore) Get(ctx context.Context, taskID string) (*domain.GenerationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec domain.GenerationRecord
	err := m.collection.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding generation: %w", err)
	}
	return &rec, nil
}

// Recent implements ports.GenerationStore.
func (m *MongoStore) Recent(ctx context.Context, limit int) ([]domain.GenerationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(recentLimit(limit)))
	cursor, err := m.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []domain.GenerationRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding generations: %w", err)
	}
	return out, nil
}

// Close implements ports.GenerationStore.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

var _ ports.GenerationStore = (*MongoStore)(nil)
