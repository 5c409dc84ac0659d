package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	RoomsCollection         = "rooms"
	RoomAuditLogsCollection = "room_audit_logs"

	DefaultDatabase          = "code_sync"
	DefaultConnectionTimeout = 20 * time.Second

	maxConnectAttempts = 5
)

type MongoConfig struct {
	URI               string
	Database          string
	ConnectionTimeout time.Duration
}

// NewMongoClient connects and pings the primary, retrying with exponential
// backoff so the service can start while the database is still coming up.
func NewMongoClient(ctx context.Context, cfg *MongoConfig, logger logging.Logger) (*mongo.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mongodb config is required")
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb URI is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}

	connect := func() (*mongo.Client, error) {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()

		clientOpts := options.Client().
			ApplyURI(cfg.URI).
			SetServerSelectionTimeout(cfg.ConnectionTimeout).
			SetConnectTimeout(cfg.ConnectionTimeout)

		client, err := mongo.Connect(connectCtx, clientOpts)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to mongodb: %w", err))
		}

		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}

		return client, nil
	}

	client, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxConnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn(logging.MongoDB, logging.Startup, "mongodb not ready, retrying", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
				"retry_in":           next.String(),
			})
		}),
	)
	if err != nil {
		return nil, err
	}

	logger.Info(logging.MongoDB, logging.Startup, "connected to mongodb", map[logging.ExtraKey]any{
		"database": cfg.Database,
	})
	return client, nil
}

func GetDatabase(client *mongo.Client, cfg *MongoConfig) *mongo.Database {
	if client == nil || cfg == nil {
		return nil
	}
	return client.Database(cfg.Database)
}

func DisconnectMongo(ctx context.Context, client *mongo.Client) error {
	if client == nil {
		return nil
	}

	disconnectCtx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	if err := client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}

	return nil
}
