// Package mongo provides the durable store implementations backed by
// MongoDB. Uniqueness constraints live in unique indexes, so duplicate
// rejection is enforced by the database even when two redelivered copies of
// one message race through different consumer workers.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/store"
)

const connectTimeout = 10 * time.Second

// Stores bundles the Mongo-backed store implementations sharing one client.
type Stores struct {
	client   *mongo.Client
	readings *ReadingStore
	alerts   *AlertStore
	sources  *SourceStore
	commands *CommandStore
}

// Connect opens a client, verifies connectivity, and ensures the unique
// indexes the dedup contracts depend on.
func Connect(ctx context.Context, uri, database string) (*Stores, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Stores{
		client:   client,
		readings: &ReadingStore{coll: db.Collection("readings")},
		alerts:   &AlertStore{coll: db.Collection("alerts")},
		sources:  &SourceStore{coll: db.Collection("sources")},
		commands: &CommandStore{coll: db.Collection("commands")},
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.readings.coll, mongo.IndexModel{Keys: bson.D{{Key: "dedup_key", Value: 1}}, Options: unique}},
		{s.readings.coll, mongo.IndexModel{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "observed_at", Value: -1}}}},
		{s.alerts.coll, mongo.IndexModel{Keys: bson.D{{Key: "dedup_key", Value: 1}}, Options: unique}},
		{s.alerts.coll, mongo.IndexModel{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "observed_at", Value: -1}}}},
		{s.sources.coll, mongo.IndexModel{Keys: bson.D{{Key: "source_id", Value: 1}}, Options: unique}},
		{s.commands.coll, mongo.IndexModel{Keys: bson.D{{Key: "command_id", Value: 1}}, Options: unique}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// Readings returns the Mongo-backed reading store.
func (s *Stores) Readings() store.ReadingStore { return s.readings }

// Alerts returns the Mongo-backed alert store.
func (s *Stores) Alerts() store.AlertStore { return s.alerts }

// Sources returns the Mongo-backed source store.
func (s *Stores) Sources() store.SourceStore { return s.sources }

// Commands returns the Mongo-backed command store.
func (s *Stores) Commands() store.CommandStore { return s.commands }

// Close disconnects the shared client.
func (s *Stores) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ReadingStore implements store.ReadingStore on a Mongo collection.
type ReadingStore struct {
	coll *mongo.Collection
}

type readingDoc struct {
	DedupKey       string         `bson:"dedup_key"`
	domain.Reading `bson:",inline"`
}

func (s *ReadingStore) Insert(ctx context.Context, r domain.Reading) error {
	_, err := s.coll.InsertOne(ctx, readingDoc{DedupKey: r.DedupKey(), Reading: r})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("reading %s: %w", r.DedupKey(), store.ErrDuplicate)
	}
	return err
}

func (s *ReadingStore) List(ctx context.Context, f store.ReadingFilter) ([]domain.Reading, error) {
	filter := bson.M{}
	if f.SourceID != "" {
		filter["source_id"] = f.SourceID
	}
	opts := options.Find().SetSort(bson.D{{Key: "observed_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []readingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Reading, len(docs))
	for i, d := range docs {
		out[i] = d.Reading
	}
	return out, nil
}

func (s *ReadingStore) Count(ctx context.Context) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{})
}

func (s *ReadingStore) CountByKind(ctx context.Context) (map[domain.MessageKind]int64, error) {
	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$kind"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Kind  domain.MessageKind `bson:"_id"`
		Count int64              `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make(map[domain.MessageKind]int64, len(rows))
	for _, row := range rows {
		out[row.Kind] = row.Count
	}
	return out, nil
}

// AlertStore implements store.AlertStore on a Mongo collection.
type AlertStore struct {
	coll *mongo.Collection
}

type alertDoc struct {
	DedupKey     string `bson:"dedup_key"`
	domain.Alert `bson:",inline"`
}

func (s *AlertStore) Insert(ctx context.Context, a domain.Alert) error {
	_, err := s.coll.InsertOne(ctx, alertDoc{DedupKey: a.DedupKey(), Alert: a})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("alert %s: %w", a.DedupKey(), store.ErrDuplicate)
	}
	return err
}

func (s *AlertStore) List(ctx context.Context, f store.AlertFilter) ([]domain.Alert, error) {
	filter := bson.M{}
	if f.SourceID != "" {
		filter["source_id"] = f.SourceID
	}
	opts := options.Find().SetSort(bson.D{{Key: "observed_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []alertDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Alert, len(docs))
	for i, d := range docs {
		out[i] = d.Alert
	}
	return out, nil
}

func (s *AlertStore) Count(ctx context.Context) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{})
}

// SourceStore implements store.SourceStore on a Mongo collection.
type SourceStore struct {
	coll *mongo.Collection
}

func (s *SourceStore) Create(ctx context.Context, src domain.Source) error {
	_, err := s.coll.InsertOne(ctx, src)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("source %s: %w", src.SourceID, store.ErrAlreadyExists)
	}
	return err
}

func (s *SourceStore) Get(ctx context.Context, sourceID string) (domain.Source, error) {
	var src domain.Source
	err := s.coll.FindOne(ctx, bson.M{"source_id": sourceID}).Decode(&src)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Source{}, fmt.Errorf("source %s: %w", sourceID, store.ErrNotFound)
	}
	if err != nil {
		return domain.Source{}, err
	}
	return src, nil
}

func (s *SourceStore) Update(ctx context.Context, src domain.Source) error {
	res, err := s.coll.ReplaceOne(ctx, bson.M{"source_id": src.SourceID}, src)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("source %s: %w", src.SourceID, store.ErrNotFound)
	}
	return nil
}

func (s *SourceStore) List(ctx context.Context) ([]domain.Source, error) {
	opts := options.Find().SetSort(bson.D{{Key: "source_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []domain.Source
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CommandStore implements store.CommandStore on a Mongo collection.
type CommandStore struct {
	coll *mongo.Collection
}

func (s *CommandStore) Insert(ctx context.Context, c domain.Command) error {
	_, err := s.coll.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("command %s: %w", c.CommandID, store.ErrDuplicate)
	}
	return err
}

func (s *CommandStore) List(ctx context.Context, sourceID string, limit int) ([]domain.Command, error) {
	filter := bson.M{}
	if sourceID != "" {
		filter["source_id"] = sourceID
	}
	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []domain.Command
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
