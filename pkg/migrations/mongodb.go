package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureTemplateIndexes creates the indexes used by template lookups on collection.
func EnsureTemplateIndexes(ctx context.Context, db *mongo.Database, collection string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "code", Value: 1}, {Key: "is_active", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetName("idx_templates_code_active_version"),
		},
		{
			Keys:    bson.D{{Key: "code", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetName("idx_templates_code_version").SetUnique(true),
		},
	}

	_, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create template indexes: %w", err)
	}
	return nil
}
