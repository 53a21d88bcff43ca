// Package snapshot mirrors cached payloads to MongoDB so they survive a
// backend flush, and serves them back as a last-resort source.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"stocknity/fault"
	"stocknity/models"
)

// Collection holds one document per cache key
const Collection = "cache_snapshots"

// Document is the stored form of one cache payload
type Document struct {
	Key         string    `bson:"_id" json:"key"`
	DataType    string    `bson:"data_type" json:"data_type"`
	Provider    string    `bson:"provider" json:"provider"`
	Source      string    `bson:"source" json:"source"`
	Index       string    `bson:"index,omitempty" json:"index,omitempty"`
	Sector      string    `bson:"sector,omitempty" json:"sector,omitempty"`
	RecordCount int       `bson:"record_count" json:"record_count"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
	Payload     string    `bson:"payload" json:"-"`
}

// Store is the Mongo-backed snapshot mirror
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *logger.L

	mu        sync.RWMutex
	lastError string
}

// Connect dials uri and prepares the snapshot collection
func Connect(ctx context.Context, uri, database string, log *logger.L) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := NewFromClient(client, database, log)
	if err := s.ensureIndexes(ctx); err != nil {
		log.Warnf("Warning: snapshot indexes: %v", err)
	}
	log.Infof("snapshot mirror connected to database %s", database)
	return s, nil
}

// NewFromClient wraps an already connected client
func NewFromClient(client *mongo.Client, database string, log *logger.L) *Store {
	return &Store{
		client:     client,
		collection: client.Database(database).Collection(Collection),
		log:        log,
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "data_type", Value: 1}}},
	})
	return err
}

// Close disconnects the client
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Status reports whether the last operation succeeded
func (s *Store) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := map[string]interface{}{"connected": s.lastError == ""}
	if s.lastError != "" {
		status["error"] = s.lastError
	}
	return status
}

func (s *Store) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

// Mirror upserts the payload stored under entry.Key
func (s *Store) Mirror(ctx context.Context, entry models.CacheEntry, payload []byte) error {
	doc := Document{
		Key:         entry.Key,
		DataType:    string(entry.DataType),
		Provider:    entry.Provider,
		Source:      string(entry.Source),
		Index:       entry.Index,
		Sector:      entry.Sector,
		RecordCount: entry.RecordCount,
		UpdatedAt:   entry.CreatedAt.UTC(),
		Payload:     string(payload),
	}

	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": entry.Key}, doc, opts)
	s.setError(err)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", entry.Key, err)
	}
	s.log.Debugf("mirrored %s (%d records)", entry.Key, entry.RecordCount)
	return nil
}

// Load returns the stored document for key
func (s *Store) Load(ctx context.Context, key string) (*Document, error) {
	var doc Document
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("snapshot %s: %w", key, fault.ErrKeyNotFound)
	}
	s.setError(err)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return &doc, nil
}

// List returns the metadata of every snapshot, newest first
func (s *Store) List(ctx context.Context) ([]Document, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{"payload": 0})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	s.setError(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Source serves snapshots of one data type through the fetcher's source
// interface
type Source struct {
	store    *Store
	dataType models.DataType
}

// SourceFor returns a source reading snapshots of dataType
func (s *Store) SourceFor(dataType models.DataType) *Source {
	return &Source{store: s, dataType: dataType}
}

func (src *Source) Name() string { return "mongo-snapshot" }

func (src *Source) Endpoint() string { return Collection }

func (src *Source) Kind() models.SourceKind { return models.SourceFallback }

// Query returns the last mirrored rows for dims
func (src *Source) Query(ctx context.Context, dims models.Dimensions) (models.Rows, error) {
	key, err := models.CacheKey(src.dataType, dims)
	if err != nil {
		return nil, err
	}
	doc, err := src.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, fault.ErrUpstreamUnavailable)
	}
	var rows models.Rows
	if err := json.Unmarshal([]byte(doc.Payload), &rows); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %v: %w", key, err, fault.ErrUpstreamUnavailable)
	}
	src.store.log.Infof("serving %s from snapshot taken %s", key, doc.UpdatedAt.Format(time.RFC3339))
	return rows, nil
}
