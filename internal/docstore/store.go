// Package docstore reads heterogeneous record documents from MongoDB.
package docstore

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"recordexport/internal/apperr"
	"recordexport/internal/normalize"
	"recordexport/internal/routing"
)

// Finder is the subset of *mongo.Collection the store uses.
type Finder interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// Database hands out collections by name.
type Database interface {
	Collection(name string) Finder
}

type mongoDatabase struct {
	db *mongo.Database
}

func (m mongoDatabase) Collection(name string) Finder {
	return m.db.Collection(name)
}

// Store loads documents for routed identifiers.
type Store struct {
	db Database
}

func New(db Database) *Store {
	return &Store{db: db}
}

// NewMongo wraps a connected database.
func NewMongo(db *mongo.Database) *Store {
	return New(mongoDatabase{db: db})
}

// FindByIdentifier returns every document whose IDField equals identifier.
func (s *Store) FindByIdentifier(ctx context.Context, route routing.Route, identifier string) ([]*normalize.Document, error) {
	key, err := route.Key(identifier)
	if err != nil {
		return nil, apperr.NewValidation("identifier", err.Error())
	}
	return s.find(ctx, route.Collection, bson.D{{Key: route.IDField, Value: key}})
}

// FindRecord returns the documents of one record of identifier.
func (s *Store) FindRecord(ctx context.Context, route routing.Route, identifier, recordID string) ([]*normalize.Document, error) {
	key, err := route.Key(identifier)
	if err != nil {
		return nil, apperr.NewValidation("entityId", err.Error())
	}
	return s.find(ctx, route.Collection, bson.D{
		{Key: route.IDField, Value: key},
		{Key: route.RecordField, Value: recordID},
	})
}

func (s *Store) find(ctx context.Context, collection string, filter bson.D) ([]*normalize.Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: idKey, Value: 1}})
	cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		slog.ErrorContext(ctx, "document query failed", "collection", collection, "error", err)
		return nil, apperr.NewTransport("find", collection, err)
	}
	defer cur.Close(ctx)

	var docs []*normalize.Document
	for cur.Next(ctx) {
		var raw bson.D
		if err := cur.Decode(&raw); err != nil {
			return nil, apperr.NewTransport("decode", collection, err)
		}
		docs = append(docs, ToDocument(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, apperr.NewTransport("find", collection, fmt.Errorf("cursor: %w", err))
	}
	return docs, nil
}
