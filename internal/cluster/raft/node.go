// Package raft replicates catalog mutations across nodes with hashicorp/raft.
// The leader proposes each mutation as a log entry; every member applies
// committed entries, in log order, through its own catalog.Manager.
package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrNotLeader indicates a mutation proposed on a follower.
	ErrNotLeader = errors.New("not the raft leader")

	// ErrNotRunning indicates a call before Start or after Stop.
	ErrNotRunning = errors.New("raft node not running")
)

// NodeConfig holds configuration for the Raft node.
type NodeConfig struct {
	// NodeID is the unique identifier for this node in the Raft cluster.
	NodeID string
	// DataDir is the directory where Raft data is stored.
	DataDir string
	// BindAddr is the address to bind the Raft transport to.
	BindAddr string
	// AdvertiseAddr is the address advertised to other nodes.
	AdvertiseAddr string
	// Bootstrap indicates if this node should bootstrap a new cluster.
	Bootstrap bool

	// ApplyTimeout bounds a proposal when the caller's context has no deadline.
	ApplyTimeout time.Duration

	// Timeouts
	ElectionTimeout    time.Duration
	HeartbeatTimeout   time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration

	// Snapshots
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	SnapshotRetain    int
	TrailingLogs      uint64

	Logger zerolog.Logger
}

// Node wraps hashicorp/raft and provides a higher-level API.
type Node struct {
	cfg         *NodeConfig
	raft        *raft.Raft
	fsm         *CatalogFSM
	transport   *raft.NetworkTransport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	snapStore   raft.SnapshotStore

	mu      sync.RWMutex
	running bool

	logger zerolog.Logger
}

// NewNode creates a new Raft node.
func NewNode(cfg *NodeConfig, fsm *CatalogFSM) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.BindAddr == "" {
		return nil, fmt.Errorf("bind address is required")
	}
	if fsm == nil {
		return nil, fmt.Errorf("FSM is required")
	}

	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 1 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 500 * time.Millisecond
	}
	if cfg.LeaderLeaseTimeout == 0 {
		cfg.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	if cfg.CommitTimeout == 0 {
		cfg.CommitTimeout = 50 * time.Millisecond
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 10000
	}
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = 3
	}

	return &Node{
		cfg:    cfg,
		fsm:    fsm,
		logger: cfg.Logger.With().Str("component", "raft-node").Logger(),
	}, nil
}

// Start starts the Raft node.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("raft node already running")
	}

	if err := os.MkdirAll(n.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	hclogger := newZerologAdapter(n.logger, "raft")

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.cfg.NodeID)
	raftConfig.Logger = hclogger
	raftConfig.ElectionTimeout = n.cfg.ElectionTimeout
	raftConfig.HeartbeatTimeout = n.cfg.HeartbeatTimeout
	raftConfig.LeaderLeaseTimeout = n.cfg.LeaderLeaseTimeout
	raftConfig.CommitTimeout = n.cfg.CommitTimeout
	raftConfig.SnapshotThreshold = n.cfg.SnapshotThreshold
	if n.cfg.SnapshotInterval > 0 {
		raftConfig.SnapshotInterval = n.cfg.SnapshotInterval
	}
	if n.cfg.TrailingLogs > 0 {
		raftConfig.TrailingLogs = n.cfg.TrailingLogs
	}

	// Without an advertise address the transport advertises its listener.
	var advertise net.Addr
	if n.cfg.AdvertiseAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", n.cfg.AdvertiseAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve advertise address: %w", err)
		}
		advertise = addr
	}

	transport, err := raft.NewTCPTransportWithLogger(n.cfg.BindAddr, advertise, 3, 10*time.Second, hclogger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	n.transport = transport

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.cfg.DataDir, "raft-log.db"))
	if err != nil {
		n.closeStores()
		return fmt.Errorf("failed to create log store: %w", err)
	}
	n.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		n.closeStores()
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	n.stableStore = stableStore

	snapStore, err := raft.NewFileSnapshotStoreWithLogger(n.cfg.DataDir, n.cfg.SnapshotRetain, hclogger)
	if err != nil {
		n.closeStores()
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	n.snapStore = snapStore

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		n.closeStores()
		return fmt.Errorf("failed to create raft instance: %w", err)
	}
	n.raft = ra

	if n.cfg.Bootstrap {
		if err := n.bootstrap(ra); err != nil {
			if serr := ra.Shutdown().Error(); serr != nil {
				n.logger.Error().Err(serr).Msg("Error shutting down Raft after failed bootstrap")
			}
			n.raft = nil
			n.closeStores()
			return err
		}
	}

	n.running = true

	n.logger.Info().
		Str("node_id", n.cfg.NodeID).
		Str("bind_addr", n.cfg.BindAddr).
		Bool("bootstrap", n.cfg.Bootstrap).
		Msg("Raft node started")
	return nil
}

// bootstrapCluster is replaced in tests.
var bootstrapCluster = func(ra *raft.Raft, configuration raft.Configuration) error {
	return ra.BootstrapCluster(configuration).Error()
}

// bootstrap makes this node the sole voter of a new cluster unless the
// stores already hold Raft state.
func (n *Node) bootstrap(ra *raft.Raft) error {
	hasState, err := raft.HasExistingState(n.logStore, n.stableStore, n.snapStore)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if hasState {
		return nil
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(n.cfg.NodeID),
				Address: n.transport.LocalAddr(),
			},
		},
	}
	if err := bootstrapCluster(ra, configuration); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	n.logger.Info().
		Str("node_id", n.cfg.NodeID).
		Str("address", string(n.transport.LocalAddr())).
		Msg("Bootstrapped new Raft cluster")
	return nil
}

func (n *Node) closeStores() {
	if n.logStore != nil {
		n.logStore.Close()
		n.logStore = nil
	}
	if n.stableStore != nil {
		n.stableStore.Close()
		n.stableStore = nil
	}
	if n.transport != nil {
		n.transport.Close()
		n.transport = nil
	}
}

// Stop stops the Raft node.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error().Err(err).Msg("Error shutting down Raft")
	}
	n.closeStores()
	n.raft = nil
	n.running = false

	n.logger.Info().Msg("Raft node stopped")
	return nil
}

// Close implements io.Closer for the shutdown coordinator.
func (n *Node) Close() error {
	return n.Stop()
}

func (n *Node) instance() *raft.Raft {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.raft
}

// IsLeader returns true if this node is the Raft leader.
func (n *Node) IsLeader() bool {
	ra := n.instance()
	return ra != nil && ra.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader.
func (n *Node) LeaderAddr() string {
	ra := n.instance()
	if ra == nil {
		return ""
	}
	addr, _ := ra.LeaderWithID()
	return string(addr)
}

// LeaderID returns the ID of the current leader.
func (n *Node) LeaderID() string {
	ra := n.instance()
	if ra == nil {
		return ""
	}
	_, id := ra.LeaderWithID()
	return string(id)
}

// State returns the current Raft state.
func (n *Node) State() raft.RaftState {
	ra := n.instance()
	if ra == nil {
		return raft.Shutdown
	}
	return ra.State()
}

// Apply proposes m and waits until it is committed and applied locally.
// Only the leader accepts proposals; followers return ErrNotLeader. Catalog
// rejections (catalog.ErrNotFound and friends) are returned unchanged,
// whether they are found before proposing or when the entry is applied.
func (n *Node) Apply(ctx context.Context, m catalog.Mutation) (catalog.Result, error) {
	ra := n.instance()
	if ra == nil {
		return catalog.Result{}, ErrNotRunning
	}
	if ra.State() != raft.Leader {
		metrics.Get().IncRaftNotLeader()
		return catalog.Result{}, fmt.Errorf("%w: leader is %q", ErrNotLeader, n.LeaderAddr())
	}
	if err := ctx.Err(); err != nil {
		return catalog.Result{}, err
	}

	// Rejections that the current catalog already shows are returned
	// without a log entry. The FSM checks again at commit.
	if _, _, err := catalog.Apply(n.fsm.Current(), m); err != nil {
		return catalog.Result{}, err
	}

	data, err := EncodeCommand(m)
	if err != nil {
		return catalog.Result{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := n.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	future := ra.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			metrics.Get().IncRaftNotLeader()
			return catalog.Result{}, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return catalog.Result{}, fmt.Errorf("failed to apply command: %w", err)
	}

	resp, ok := future.Response().(*ApplyResponse)
	if !ok {
		return catalog.Result{}, fmt.Errorf("unexpected FSM response %T", future.Response())
	}
	return resp.Result, resp.Err
}

// Current returns the local catalog. On followers it may lag the leader.
func (n *Node) Current() *catalog.Catalog {
	return n.fsm.Current()
}

// StalenessCheck reports whether a copy of the catalog at remoteSequence is
// behind the local one and must re-sync.
func (n *Node) StalenessCheck(remoteSequence uint64) bool {
	return n.fsm.Current().IsStale(remoteSequence)
}

// Barrier waits until every entry committed before the call is applied
// locally, so that a new leader serves reads at the latest sequence.
func (n *Node) Barrier(timeout time.Duration) error {
	ra := n.instance()
	if ra == nil {
		return ErrNotRunning
	}
	return ra.Barrier(timeout).Error()
}

// AddVoter adds a voting member to the cluster.
func (n *Node) AddVoter(nodeID, addr string, timeout time.Duration) error {
	ra := n.instance()
	if ra == nil {
		return ErrNotRunning
	}
	return ra.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a member from the cluster.
func (n *Node) RemoveServer(nodeID string, timeout time.Duration) error {
	ra := n.instance()
	if ra == nil {
		return ErrNotRunning
	}
	return ra.RemoveServer(raft.ServerID(nodeID), 0, timeout).Error()
}

// Snapshot forces a Raft snapshot of the catalog.
func (n *Node) Snapshot() error {
	ra := n.instance()
	if ra == nil {
		return ErrNotRunning
	}
	return ra.Snapshot().Error()
}

// Stats returns Raft statistics.
func (n *Node) Stats() map[string]string {
	ra := n.instance()
	if ra == nil {
		return nil
	}
	return ra.Stats()
}

// WaitForLeader blocks until a leader is elected or timeout.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			if n.LeaderAddr() != "" {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for leader")
		}
	}
}
