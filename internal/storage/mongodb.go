package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docbatch/internal/config"
	"docbatch/internal/models"
)

// MongoBackend upserts one document per (job_id, document_id)
type MongoBackend struct {
	cfg        config.MongoDBConfig
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoBackend(cfg config.MongoDBConfig) *MongoBackend {
	return &MongoBackend{cfg: cfg}
}

func (b *MongoBackend) Name() string { return "mongodb" }

func (b *MongoBackend) Initialize(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(b.cfg.URI))
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(b.cfg.Database).Collection(b.cfg.Collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "document_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(ctx)
		return fmt.Errorf("failed to create index: %w", err)
	}

	b.client = client
	b.collection = coll
	return nil
}

func (b *MongoBackend) SaveBatch(ctx context.Context, results []*models.ProcessedResult) Report {
	if b.collection == nil {
		return AllFailed(results, errors.New("mongodb backend not initialized"))
	}

	writes := make([]mongo.WriteModel, 0, len(results))
	for _, r := range results {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "job_id", Value: r.JobID}, {Key: "document_id", Value: r.DocumentID}}).
			SetReplacement(r.Record()).
			SetUpsert(true))
	}

	_, err := b.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err == nil {
		return Report{}
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
		return AllFailed(results, fmt.Errorf("bulk write failed: %w", err))
	}
	failed := make(map[string]error, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		if we.Index < 0 || we.Index >= len(results) {
			continue
		}
		failed[results[we.Index].DocumentID] = fmt.Errorf("mongodb write error %d: %s", we.Code, we.Message)
	}
	return Report{Failed: failed}
}

func (b *MongoBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Disconnect(context.Background())
}
