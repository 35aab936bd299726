/*
Package mongo provides a MongoDB-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.StoreProvider and harvest.Provider on MongoDB. Each
  organization owns one database named <prefix><organization id>, holding
  the collections below.

COLLECTIONS:
  workers:        _id is the case-folded name
  pay_records:    one document per worker per day; money in int64 cents
  disbursements:  advances with their allocation lines embedded
  harvests:       collection records, with a derived year field

CONDITIONAL WRITES:
  ApplyPayments issues UpdateOne with the filter
    {_id: id, paid_cents: previous, owed_cents: {$gte: new}}
  and fails with generic.ErrConcurrentModification when nothing matched.

TRANSACTIONS:
  WithTx runs in a session transaction, which needs a replica set (a
  single-node replica set is enough). Multi-document writes outside WithTx
  open their own transaction.

SEE ALSO:
  - store/sqlite: the default single-host driver
  - generic/store.go: Interface definitions
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
)

const (
	workersCollection       = "workers"
	recordsCollection       = "pay_records"
	disbursementsCollection = "disbursements"
	harvestsCollection      = "harvests"

	defaultServerSelectionTimeout = 5 * time.Second
)

var (
	ErrEmptyURI     = errors.New("mongo uri cannot be empty")
	ErrClientClosed = errors.New("mongo client is closed")
)

// Config selects the deployment and the database naming.
type Config struct {
	URI      string
	DBPrefix string
}

// Client owns the driver connection and one Store per organization.
type Client struct {
	client *mongo.Client
	prefix string

	mu     sync.Mutex
	stores map[generic.OrganizationID]*Store
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, ErrEmptyURI
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(defaultServerSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Client{client: client, prefix: cfg.DBPrefix, stores: make(map[generic.OrganizationID]*Store)}, nil
}

func (c *Client) For(ctx context.Context, org generic.OrganizationID) (generic.TxStore, error) {
	return c.open(ctx, org)
}

func (c *Client) Harvests(ctx context.Context, org generic.OrganizationID) (harvest.Store, error) {
	return c.open(ctx, org)
}

// DatabaseName is the database holding org's data.
func (c *Client) DatabaseName(org generic.OrganizationID) string {
	return c.prefix + string(org)
}

func (c *Client) open(ctx context.Context, org generic.OrganizationID) (*Store, error) {
	if _, err := generic.ParseOrganizationID(string(org)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stores == nil {
		return nil, ErrClientClosed
	}
	if s, ok := c.stores[org]; ok {
		return s, nil
	}

	s := &Store{client: c.client, db: c.client.Database(c.DatabaseName(org))}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("prepare organization %s: %w", org, err)
	}
	c.stores[org] = s
	return s, nil
}

// Raw returns the driver client.
func (c *Client) Raw() *mongo.Client { return c.client }

// Drop deletes every collection of org and forgets its Store.
func (c *Client) Drop(ctx context.Context, org generic.OrganizationID) error {
	c.mu.Lock()
	delete(c.stores, org)
	c.mu.Unlock()
	return c.client.Database(c.DatabaseName(org)).Drop(ctx)
}

// Close disconnects from MongoDB.
func (c *Client) Close() error {
	c.mu.Lock()
	c.stores = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// =============================================================================
// STORE
// =============================================================================

// Store implements generic.TxStore and harvest.Store for one organization.
// A Store handed out by WithTx carries the session, and every call made
// through it joins the transaction.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	session mongo.Session
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		recordsCollection: {
			{Keys: bson.D{{Key: "worker_key", Value: 1}, {Key: "date", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "date", Value: -1}, {Key: "_id", Value: -1}}},
		},
		disbursementsCollection: {
			{Keys: bson.D{{Key: "worker_key", Value: 1}, {Key: "date", Value: -1}}},
			{Keys: bson.D{{Key: "date", Value: -1}, {Key: "created_at", Value: -1}}},
		},
		harvestsCollection: {
			{Keys: bson.D{{Key: "year", Value: 1}, {Key: "date", Value: -1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// WithTx runs fn inside a session transaction. Nested calls reuse it.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	if s.session != nil {
		return fn(s)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&Store{client: s.client, db: s.db, session: session})
	})
	return err
}

// ctx joins the session when the store runs inside WithTx.
func (s *Store) ctx(ctx context.Context) context.Context {
	if s.session == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, s.session)
}

func (s *Store) coll(name string) *mongo.Collection { return s.db.Collection(name) }

// atomic runs fn in a transaction unless one is already open.
func (s *Store) atomic(ctx context.Context, fn func(tx *Store) error) error {
	if s.session != nil {
		return fn(s)
	}
	return s.WithTx(ctx, func(tx generic.Store) error { return fn(tx.(*Store)) })
}
