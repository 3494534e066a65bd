package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"filebot/internal/domain"
)

const rawLogCollection = "raw_log"

// rawLogDocument is the BSON shape of a raw log entry.
type rawLogDocument struct {
	EventID   string    `bson:"event_id"`
	UserID    int64     `bson:"user_id"`
	ChatID    int64     `bson:"chat_id"`
	Kind      string    `bson:"kind"`
	Payload   bson.M    `bson:"payload,omitempty"`
	Raw       []byte    `bson:"raw,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoRawLog mirrors the raw event log into a MongoDB collection.
type MongoRawLog struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

var _ domain.RawLogRepository = (*MongoRawLog)(nil)

// OpenMongoRawLog connects to uri, pings the primary and ensures the
// collection indexes.
func OpenMongoRawLog(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoRawLog, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(rawLogCollection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create raw log indexes: %w", err)
	}

	return &MongoRawLog{client: client, coll: coll, logger: logger}, nil
}

func toRawLogDocument(entry domain.RawLogEntry) rawLogDocument {
	doc := rawLogDocument{
		EventID:   entry.EventID,
		UserID:    entry.UserID,
		ChatID:    entry.ChatID,
		Kind:      string(entry.Kind),
		CreatedAt: entry.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	// Keep the payload queryable when it is a JSON object; fall back to bytes.
	var payload bson.M
	if err := bson.UnmarshalExtJSON(entry.Payload, false, &payload); err == nil {
		doc.Payload = payload
	} else {
		doc.Raw = entry.Payload
	}
	return doc
}

func (m *MongoRawLog) Append(ctx context.Context, entry domain.RawLogEntry) error {
	if _, err := m.coll.InsertOne(ctx, toRawLogDocument(entry)); err != nil {
		return fmt.Errorf("mongo raw log append %s: %w", entry.EventID, err)
	}
	return nil
}

func (m *MongoRawLog) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// TeeRawLog appends to a primary log and mirrors to secondaries. Only the
// primary's failure is returned; mirror failures are logged.
type TeeRawLog struct {
	primary domain.RawLogRepository
	mirrors []domain.RawLogRepository
	logger  *slog.Logger
}

var _ domain.RawLogRepository = (*TeeRawLog)(nil)

func NewTeeRawLog(logger *slog.Logger, primary domain.RawLogRepository, mirrors ...domain.RawLogRepository) *TeeRawLog {
	return &TeeRawLog{primary: primary, mirrors: mirrors, logger: logger}
}

func (t *TeeRawLog) Append(ctx context.Context, entry domain.RawLogEntry) error {
	if err := t.primary.Append(ctx, entry); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Append(ctx, entry); err != nil {
			t.logger.Warn("raw log mirror failed", "event_id", entry.EventID, "err", err)
		}
	}
	return nil
}
