package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/obsrvrly/crm-sync-pipeline/provider"
)

// Mongo stores records as documents keyed by the natural key (_id).
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongo connects to MongoDB. Config keys: uri, database, collection
// (all required), connect_timeout (seconds, default 10).
func NewMongo(ctx context.Context, config map[string]interface{}) (*Mongo, error) {
	uri, ok := config["uri"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'uri' in MongoDB configuration")
	}
	database, ok := config["database"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'database' in MongoDB configuration")
	}
	collection, ok := config["collection"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'collection' in MongoDB configuration")
	}

	timeout := 10
	if t, ok := config["connect_timeout"].(int); ok {
		timeout = t
	} else if t, ok := config["connect_timeout"].(float64); ok {
		timeout = int(t)
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %v", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	log.Printf("Successfully connected to MongoDB database %s, collection %s", database, collection)

	return &Mongo{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// SnapshotKeys implements Store.
func (m *Mongo) SnapshotKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	cursor, err := m.collection.Find(ctx,
		bson.M{"_id": bson.M{"$in": keys}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("error snapshotting keys: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		existing[doc.ID] = true
	}
	return existing, cursor.Err()
}

// Keys implements Store.
func (m *Mongo) Keys(ctx context.Context) ([]string, error) {
	cursor, err := m.collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("error listing keys: %w", err)
	}
	defer cursor.Close(ctx)

	var keys []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		keys = append(keys, doc.ID)
	}
	return keys, cursor.Err()
}

func (m *Mongo) document(rec provider.Record) bson.M {
	doc := bson.M{
		"_id":       rec.Key,
		"synced_at": time.Now().UTC(),
	}
	if !rec.UpdatedAt.IsZero() {
		doc["updated_at"] = rec.UpdatedAt.UTC()
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Payload, &payload); err == nil {
		doc["payload"] = payload
	} else {
		doc["payload"] = string(rec.Payload)
	}
	return doc
}

// BulkCreate implements Store.
func (m *Mongo) BulkCreate(ctx context.Context, records []provider.Record) error {
	return m.bulkWrite(ctx, records)
}

// BulkUpdate implements Store.
func (m *Mongo) BulkUpdate(ctx context.Context, records []provider.Record) error {
	return m.bulkWrite(ctx, records)
}

func (m *Mongo) bulkWrite(ctx context.Context, records []provider.Record) error {
	if len(records) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, len(records))
	for i, rec := range records {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.Key}).
			SetReplacement(m.document(rec)).
			SetUpsert(true)
	}

	if _, err := m.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("error in bulk write: %w", err)
	}
	return nil
}

// Create implements Store.
func (m *Mongo) Create(ctx context.Context, record provider.Record) error {
	return m.write(ctx, record)
}

// Update implements Store.
func (m *Mongo) Update(ctx context.Context, record provider.Record) error {
	return m.write(ctx, record)
}

func (m *Mongo) write(ctx context.Context, record provider.Record) error {
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": record.Key}, m.document(record), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error writing record %s: %w", record.Key, err)
	}
	return nil
}

// Close implements Store.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
