// Package mongo implements the ledger repository on MongoDB.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"taskledger/pkg/taskerr"
)

const defaultCollection = "tasks"

// Name constants for keys in BSON documents. Field names are the on-wire
// contract shared with other consumers of the collection.
const (
	keyID            = "_id"
	keyTaskID        = "taskId"
	keyBody          = "body"
	keyStatus        = "status"
	keyVersion       = "version"
	keyRetryCount    = "retryCount"
	keyWorkerPodID   = "workerPodId"
	keyWorkerNodeID  = "workerNodeId"
	keyLastHeartbeat = "lastHeartbeat"
	keyLockedAt      = "lockedAt"
	keyCreatedAt     = "createdAt"
	keyUpdatedAt     = "updatedAt"
	keyProcessedAt   = "processedAt"
	keyCompletedAt   = "completedAt"
	keyFailedAt      = "failedAt"
	keyErrorMessage  = "errorMessage"
	keyMetadata      = "metadata"
)

const indexTaskID = "taskId_1"

// Config contains configuration for the MongoDB ledger.
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration

	// StaleTaskTimeout is the heartbeat-expiry threshold used by the
	// acquisition filter: a held task whose heartbeat is older than this is
	// eligible for re-acquisition.
	StaleTaskTimeout time.Duration
}

// Store is the MongoDB ledger repository.
type Store struct {
	cfg        Config
	client     *mongo.Client
	collection *mongo.Collection
}

// New creates a ledger store. Connection I/O happens in Initialize.
func New(cfg Config) *Store {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.StaleTaskTimeout <= 0 {
		cfg.StaleTaskTimeout = 5 * time.Minute
	}
	return &Store{cfg: cfg}
}

// Initialize connects to the deployment, binds the tasks collection and
// ensures the unique ascending index on taskId. Failures here are fatal for
// the host.
func (s *Store) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.cfg.URI))
	if err != nil {
		return taskerr.Initialization(err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return taskerr.Initialization(err)
	}

	s.client = client
	s.collection = client.Database(s.cfg.Database).Collection(s.cfg.Collection)

	if err := s.createIndexes(ctx); err != nil {
		return taskerr.Initialization(err)
	}
	return nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: keyTaskID, Value: 1}},
		Options: options.Index().SetName(indexTaskID).SetUnique(true),
	})
	return err
}

// Ping probes the deployment for liveness.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return taskerr.ErrDatabaseUnavailable
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return taskerr.ErrDatabaseUnavailable
	}
	return nil
}

// Close disconnects from the deployment.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Collection returns the underlying collection handle, for tests and
// migrations.
func (s *Store) Collection() *mongo.Collection {
	return s.collection
}
