package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/config"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/basekick-labs/arc-catalog/internal/snapshot"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// snapshotStore is the part of snapshot.Store used at startup.
type snapshotStore interface {
	LoadLatest(ctx context.Context) (*catalog.Catalog, snapshot.Info, error)
	Save(ctx context.Context, c *catalog.Catalog) (snapshot.Info, error)
}

// loadCatalog returns the catalog to start from and the sequence of the
// checkpoint it came from.
//
// A clustered node starts empty and lets raft restore its snapshot and log.
// A standalone node restores the newest checkpoint; on first start it
// creates an empty catalog and checkpoints it at once so that the generated
// identifiers survive a restart.
func loadCatalog(ctx context.Context, cfg *config.Config, store snapshotStore) (*catalog.Catalog, uint64, error) {
	if cfg.Cluster.Enabled {
		return catalog.New(cfg.Catalog.NodeID, cfg.Catalog.InstanceID), 0, nil
	}

	c, info, err := store.LoadLatest(ctx)
	switch {
	case err == nil:
		if id := cfg.Catalog.NodeID; id != "" && id != c.NodeID() {
			log.Warn().Str("configured", id).Str("restored", c.NodeID()).Msg("Configured node_id differs from the restored catalog; keeping the restored one")
		}
		if id := cfg.Catalog.InstanceID; id != "" && id != c.InstanceID() {
			log.Warn().Str("configured", id).Str("restored", c.InstanceID()).Msg("Configured instance_id differs from the restored catalog; keeping the restored one")
		}
		log.Info().
			Str("key", info.Key).
			Uint64("sequence", c.Sequence()).
			Msg("Catalog restored from checkpoint")
		return c, info.Sequence, nil

	case errors.Is(err, snapshot.ErrNoSnapshot):
		nodeID := cfg.Catalog.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		instanceID := cfg.Catalog.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		c := catalog.New(nodeID, instanceID)
		info, err := store.Save(ctx, c)
		if err != nil {
			return nil, 0, fmt.Errorf("write initial checkpoint: %w", err)
		}
		log.Info().
			Str("node_id", nodeID).
			Str("instance_id", instanceID).
			Str("key", info.Key).
			Msg("Created new catalog")
		return c, info.Sequence, nil

	default:
		return nil, 0, err
	}
}

// registerMetricsHooks keeps the catalog gauges and mutation counters current.
func registerMetricsHooks(manager *catalog.Manager) {
	setStats := func(c *catalog.Catalog) {
		dbs, tables, cols := c.Stats()
		metrics.Get().SetCatalogStats(c.Sequence(), dbs, tables, cols)
	}
	setStats(manager.Current())

	manager.OnAttempt(func(kind catalog.MutationKind, res catalog.Result, err error) {
		outcome := metrics.OutcomeApplied
		switch {
		case err != nil:
			outcome = metrics.OutcomeFailed
		case !res.Changed:
			outcome = metrics.OutcomeNoop
		}
		metrics.Get().RecordMutation(string(kind), outcome)
	})
	manager.OnCommit(func(commit catalog.Commit) {
		setStats(commit.Catalog)
	})
	manager.OnReplace(setStats)
}
