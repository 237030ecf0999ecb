package renderer

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"herald/pkg/metrics"
)

type templateDocument struct {
	Code     string `bson:"code"`
	Name     string `bson:"name"`
	Subject  string `bson:"subject"`
	Content  string `bson:"content"`
	Language string `bson:"language"`
	Version  int    `bson:"version"`
	IsActive bool   `bson:"is_active"`
}

// MongoSource reads the highest active version of a template by code.
type MongoSource struct {
	collection *mongo.Collection
}

func NewMongoSource(db *mongo.Database, collection string) *MongoSource {
	return &MongoSource{collection: db.Collection(collection)}
}

func (s *MongoSource) Lookup(ctx context.Context, code string) (Template, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	var doc templateDocument
	err := s.collection.FindOne(ctx, bson.M{"code": code, "is_active": true}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		metrics.IncDatabaseQuery("mongodb", "template_lookup", "miss")
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, code)
	}
	if err != nil {
		metrics.IncDatabaseQuery("mongodb", "template_lookup", "error")
		return Template{}, fmt.Errorf("failed to load template %s: %w", code, err)
	}
	metrics.IncDatabaseQuery("mongodb", "template_lookup", "hit")

	return Template{
		Code:     doc.Code,
		Subject:  doc.Subject,
		Body:     doc.Content,
		Language: doc.Language,
		Version:  doc.Version,
	}, nil
}
