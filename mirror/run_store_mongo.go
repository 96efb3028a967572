package mirror

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoRunStore implements RunStore backed by a MongoDB collection.
// The caller owns the mongo.Client lifecycle.
type MongoRunStore struct {
	Collection *mongo.Collection
}

// NewMongoRunStore creates a MongoRunStore from a *mongo.Collection.
func NewMongoRunStore(collection *mongo.Collection) *MongoRunStore {
	return &MongoRunStore{Collection: collection}
}

// Save upserts the record keyed by run id.
func (s *MongoRunStore) Save(ctx context.Context, record RunRecord) error {
	_, err := s.Collection.ReplaceOne(ctx,
		bson.M{"_id": record.RunID},
		record,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoRunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	var record RunRecord
	err := s.Collection.FindOne(ctx, bson.M{"_id": runID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *MongoRunStore) Latest(ctx context.Context) (*RunRecord, error) {
	var record RunRecord
	err := s.Collection.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}}),
	).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &record, nil
}
