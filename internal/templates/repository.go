package templates

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"herald/pkg/metrics"
)

const maxInsertAttempts = 3

type Repository interface {
	// Insert stores t as the next version of its code and sets t.Version.
	Insert(ctx context.Context, t *Template) error
	// Active returns nil without error when the code has no active version.
	Active(ctx context.Context, code string) (*Template, error)
	Versions(ctx context.Context, code string) ([]Template, error)
	// ListActive returns the active head of every code, ordered by code.
	ListActive(ctx context.Context) ([]Template, error)
	// Deactivate reports how many versions were switched off.
	Deactivate(ctx context.Context, code string) (int64, error)
}

type mongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository expects the unique (code, version) index from migrations.EnsureTemplateIndexes;
// concurrent publishes of one code rely on it to pick distinct versions.
func NewMongoRepository(db *mongo.Database, collection string) Repository {
	return &mongoRepository{collection: db.Collection(collection)}
}

func (r *mongoRepository) Insert(ctx context.Context, t *Template) error {
	for attempt := 1; ; attempt++ {
		next, err := r.nextVersion(ctx, t.Code)
		if err != nil {
			return err
		}
		t.Version = next

		_, err = r.collection.InsertOne(ctx, t)
		if err == nil {
			metrics.IncDatabaseQuery("mongodb", "template_insert", "success")
			return nil
		}
		if mongo.IsDuplicateKeyError(err) && attempt < maxInsertAttempts {
			continue
		}
		metrics.IncDatabaseQuery("mongodb", "template_insert", "error")
		return fmt.Errorf("failed to insert template %s v%d: %w", t.Code, t.Version, err)
	}
}

func (r *mongoRepository) nextVersion(ctx context.Context, code string) (int, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})

	var latest struct {
		Version int `bson:"version"`
	}
	err := r.collection.FindOne(ctx, bson.M{"code": code}, opts).Decode(&latest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version of %s: %w", code, err)
	}
	return latest.Version + 1, nil
}

func (r *mongoRepository) Active(ctx context.Context, code string) (*Template, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	var t Template
	err := r.collection.FindOne(ctx, bson.M{"code": code, "is_active": true}, opts).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s: %w", code, err)
	}
	return &t, nil
}

func (r *mongoRepository) Versions(ctx context.Context, code string) ([]Template, error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: -1}})

	cursor, err := r.collection.Find(ctx, bson.M{"code": code}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions of %s: %w", code, err)
	}
	defer cursor.Close(ctx)

	var versions []Template
	if err := cursor.All(ctx, &versions); err != nil {
		return nil, fmt.Errorf("failed to decode versions of %s: %w", code, err)
	}
	return versions, nil
}

func (r *mongoRepository) ListActive(ctx context.Context) ([]Template, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"is_active": true}}},
		{{Key: "$sort", Value: bson.D{{Key: "code", Value: 1}, {Key: "version", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$code", "head": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$head"}}},
		{{Key: "$sort", Value: bson.D{{Key: "code", Value: 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Template
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode templates: %w", err)
	}
	return out, nil
}

func (r *mongoRepository) Deactivate(ctx context.Context, code string) (int64, error) {
	res, err := r.collection.UpdateMany(ctx,
		bson.M{"code": code, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false}},
	)
	if err != nil {
		metrics.IncDatabaseQuery("mongodb", "template_deactivate", "error")
		return 0, fmt.Errorf("failed to deactivate template %s: %w", code, err)
	}
	metrics.IncDatabaseQuery("mongodb", "template_deactivate", "success")
	return res.ModifiedCount, nil
}
