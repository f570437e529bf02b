package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dharsanguruparan/facescan/internal/model"
)

// MongoCollection is the collection results are written to.
const MongoCollection = "match_results"

// MongoStore stores one document per result, keyed by result id.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore constructs a repository on the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(MongoCollection)}
}

// Save inserts a result document.
func (s *MongoStore) Save(ctx context.Context, r *model.MatchResult) error {
	doc := clone(r)
	normalize(doc)
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Get returns a result by id, scoped to ownerID.
func (s *MongoStore) Get(ctx context.Context, ownerID, id string) (*model.MatchResult, error) {
	var r model.MatchResult
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "owner_id": ownerID}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find result: %w", err)
	}
	normalize(&r)
	return &r, nil
}
