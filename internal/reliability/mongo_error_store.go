package reliability

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoErrorStore keeps failed messages in a MongoDB collection, one document
// per archived message keyed by its archive id.
type MongoErrorStore struct {
	collection *mongo.Collection
}

func NewMongoErrorStore(collection *mongo.Collection) *MongoErrorStore {
	return &MongoErrorStore{collection: collection}
}

// EnsureIndexes creates the indexes List relies on.
func (s *MongoErrorStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "archivedAt", Value: -1}}},
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "archivedAt", Value: -1}}},
	})
	if err != nil {
		return &StoreError{Store: "mongodb", Op: "create indexes", Err: err}
	}
	return nil
}

func (s *MongoErrorStore) Store(ctx context.Context, message FailedMessage) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": message.ID},
		message,
		options.Replace().SetUpsert(true))
	if err != nil {
		return &StoreError{Store: "mongodb", Op: "store", Key: message.ID, Err: err}
	}
	return nil
}

func (s *MongoErrorStore) Get(ctx context.Context, id string) (*FailedMessage, error) {
	var msg FailedMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &StoreError{Store: "mongodb", Op: "get", Key: id, Err: ErrMessageNotFound}
	}
	if err != nil {
		return nil, &StoreError{Store: "mongodb", Op: "get", Key: id, Err: err}
	}
	return &msg, nil
}

func (s *MongoErrorStore) List(ctx context.Context, filter ErrorFilter) ([]FailedMessage, error) {
	query := bson.M{}
	if filter.Queue != "" {
		query["queue"] = filter.Queue
	}
	archivedAt := bson.M{}
	if !filter.Since.IsZero() {
		archivedAt["$gte"] = filter.Since
	}
	if !filter.Until.IsZero() {
		archivedAt["$lte"] = filter.Until
	}
	if len(archivedAt) > 0 {
		query["archivedAt"] = archivedAt
	}

	opts := options.Find().SetSort(bson.D{{Key: "archivedAt", Value: -1}, {Key: "_id", Value: 1}})
	if filter.MaxResults > 0 {
		opts.SetLimit(int64(filter.MaxResults))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, &StoreError{Store: "mongodb", Op: "list", Err: err}
	}

	results := make([]FailedMessage, 0)
	if err := cursor.All(ctx, &results); err != nil {
		return nil, &StoreError{Store: "mongodb", Op: "list", Err: err}
	}
	return results, nil
}

func (s *MongoErrorStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return &StoreError{Store: "mongodb", Op: "delete", Key: id, Err: err}
	}
	if res.DeletedCount == 0 {
		return &StoreError{Store: "mongodb", Op: "delete", Key: id, Err: ErrMessageNotFound}
	}
	return nil
}
