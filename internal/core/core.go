// Package core wires the Enqueue Admission, Upload Queue, Governor,
// Transfer Lifecycle Engine, and Options Reconciler into the single object
// cmd/slskd-core constructs at startup, and the protocol library calls
// into for everything upload-related (spec §6.1).
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/slskd/slskd-core/internal/admission"
	"github.com/slskd/slskd-core/internal/classifier"
	"github.com/slskd/slskd-core/internal/config"
	"github.com/slskd/slskd-core/internal/governor"
	"github.com/slskd/slskd-core/internal/lifecycle"
	"github.com/slskd/slskd-core/internal/logging"
	"github.com/slskd/slskd-core/internal/queue"
	"github.com/slskd/slskd-core/internal/reconfig"
	"github.com/slskd/slskd-core/internal/transfer"
	bolt "go.etcd.io/bbolt"
)

// Collaborators bundles every external dependency the protocol library
// provides (spec §6.3): these are out of scope for this subsystem and
// implemented elsewhere.
type Collaborators struct {
	UserData classifier.UserDataService
	Peers    classifier.PeerDataSource
	Shares   Shares
	Protocol lifecycle.ProtocolLibrary
	Bus      lifecycle.EventBus
}

// Shares is the full share-service contract: file resolution for both
// admission (which also requests a rescan on a miss) and the lifecycle
// engine (which only resolves).
type Shares interface {
	ResolveFile(ctx context.Context, remoteFilename string) (host, localPath string, declaredSize uint64, err error)
	RequestScan()
}

// Context is the fully wired core. Every field is safe for concurrent use.
type Context struct {
	DB         *bolt.DB
	Store      transfer.Store
	Queue      *queue.Queue
	Governor   *governor.Governor
	Classifier *classifier.Classifier
	Admission  *admission.Admission
	Lifecycle  *lifecycle.Engine
	Reconciler *reconfig.Reconciler

	shutdownTimeout time.Duration
}

// New opens the database, builds every component in dependency order, and
// reconciles any dangling records left by an unclean prior shutdown (spec
// §4.1 "Startup").
func New(cfg *config.Config, collab Collaborators) (*Context, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := bolt.Open(cfg.DatabasePath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := transfer.NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open transfer store: %w", err)
	}
	if _, err := store.StartupCleanup(time.Now()); err != nil {
		logging.Error().Err(err).Msg("Startup cleanup reported an error, continuing")
	}

	groups := config.BuildGroups(cfg)
	clf := classifier.New(collab.UserData, collab.Peers, cfg.LeecherThresholds)
	q := queue.New(clf, cfg.GlobalSlots, groups)
	gov := governor.New(clf, q)
	engine := lifecycle.New(store, q, gov, collab.Protocol, collab.Shares, collab.Bus)
	adm := admission.New(collab.UserData, clf, collab.Shares, store, q, engine, cfg.GlobalLimits)
	rec := reconfig.New(reconfig.FromConfig(cfg), q, gov)

	return &Context{
		DB:              db,
		Store:           store,
		Queue:           q,
		Governor:        gov,
		Classifier:      clf,
		Admission:       adm,
		Lifecycle:       engine,
		Reconciler:      rec,
		shutdownTimeout: 30 * time.Second,
	}, nil
}

// EnqueueUpload is the protocol library's single entry point for a
// remotely-initiated upload request (spec §6.1 "enqueueUpload").
func (c *Context) EnqueueUpload(ctx context.Context, username, remoteIP, filename string) error {
	return c.Admission.Enqueue(ctx, username, remoteIP, filename)
}

// PlaceInQueue reports a transfer's estimated queue position (spec §6.1
// "placeInQueueResolver").
func (c *Context) PlaceInQueue(username, filename string) (int, error) {
	return c.Queue.EstimatePosition(username, filename)
}

// Reconfigure applies a new configuration to the running core (spec
// §4.7).
func (c *Context) Reconfigure(cfg *config.Config) reconfig.Diff {
	return c.Reconciler.Apply(reconfig.FromConfig(cfg))
}

// Shutdown waits for in-flight uploads to finish (or force-cancels them
// once shutdownTimeout elapses) and closes the database (spec §5
// "Shutdown").
func (c *Context) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()

	err := c.Lifecycle.Shutdown(shutdownCtx)
	c.Governor.Close()
	if closeErr := c.DB.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
