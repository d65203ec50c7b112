package metrics

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outcome classifies a catalog mutation for the mutation counters.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeFailed  Outcome = "failed"
)

type mutationCounters struct {
	applied atomic.Int64
	noop    atomic.Int64
	failed  atomic.Int64
}

// Metrics holds the service metrics for Prometheus and JSON export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64

	// HTTP latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	httpLatencyBuckets [10]atomic.Int64
	httpLatencySum     atomic.Int64
	httpLatencyCount   atomic.Int64

	// Catalog state, refreshed on every commit
	catalogSequence  atomic.Int64
	catalogDatabases atomic.Int64
	catalogTables    atomic.Int64
	catalogColumns   atomic.Int64

	mutationsMu sync.RWMutex
	mutations   map[string]*mutationCounters

	// WAL
	walEntriesTotal  atomic.Int64
	walBytesTotal    atomic.Int64
	walErrorsTotal   atomic.Int64
	walReplayedTotal atomic.Int64

	// Snapshots
	snapshotsWritten      atomic.Int64
	snapshotsFailed       atomic.Int64
	snapshotsPruned       atomic.Int64
	snapshotLastBytes     atomic.Int64
	snapshotLastSequence  atomic.Int64
	snapshotLastUnixNanos atomic.Int64

	// Replication
	raftAppliesTotal     atomic.Int64
	raftNotLeaderTotal   atomic.Int64
	raftRestoresTotal    atomic.Int64
	auditEventsDropped   atomic.Int64
	auditEventsPersisted atomic.Int64

	// Auth
	authRequestsTotal atomic.Int64
	authFailuresTotal atomic.Int64
	authDeniedTotal   atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns an empty metrics set. Most callers want Get.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		mutations: make(map[string]*mutationCounters),
		logger:    zerolog.Nop(),
	}
}

// Get returns the process-wide metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// Init attaches a logger to the process-wide instance
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

var latencyBounds = [...]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// RecordMutation counts one mutation attempt of the given kind.
func (m *Metrics) RecordMutation(kind string, outcome Outcome) {
	c := m.mutationCounter(kind)
	switch outcome {
	case OutcomeApplied:
		c.applied.Add(1)
	case OutcomeNoop:
		c.noop.Add(1)
	case OutcomeFailed:
		c.failed.Add(1)
	}
}

func (m *Metrics) mutationCounter(kind string) *mutationCounters {
	m.mutationsMu.RLock()
	c, ok := m.mutations[kind]
	m.mutationsMu.RUnlock()
	if ok {
		return c
	}

	m.mutationsMu.Lock()
	defer m.mutationsMu.Unlock()
	if c, ok = m.mutations[kind]; !ok {
		c = &mutationCounters{}
		m.mutations[kind] = c
	}
	return c
}

// SetCatalogStats publishes the shape of the current catalog. Counts are of
// live entities only.
func (m *Metrics) SetCatalogStats(sequence uint64, databases, tables, columns int) {
	m.catalogSequence.Store(int64(sequence))
	m.catalogDatabases.Store(int64(databases))
	m.catalogTables.Store(int64(tables))
	m.catalogColumns.Store(int64(columns))
}

// WAL metrics
func (m *Metrics) IncWALEntries(bytes int64) { m.walEntriesTotal.Add(1); m.walBytesTotal.Add(bytes) }
func (m *Metrics) IncWALErrors()             { m.walErrorsTotal.Add(1) }
func (m *Metrics) IncWALReplayed(n int64)    { m.walReplayedTotal.Add(n) }

// RecordSnapshot records a successful checkpoint.
func (m *Metrics) RecordSnapshot(sequence uint64, bytes int64) {
	m.snapshotsWritten.Add(1)
	m.snapshotLastBytes.Store(bytes)
	m.snapshotLastSequence.Store(int64(sequence))
	m.snapshotLastUnixNanos.Store(time.Now().UnixNano())
}

func (m *Metrics) IncSnapshotFailures()       { m.snapshotsFailed.Add(1) }
func (m *Metrics) IncSnapshotsPruned(n int64) { m.snapshotsPruned.Add(n) }

// Replication and audit metrics
func (m *Metrics) IncRaftApplies()           { m.raftAppliesTotal.Add(1) }
func (m *Metrics) IncRaftNotLeader()         { m.raftNotLeaderTotal.Add(1) }
func (m *Metrics) IncRaftRestores()          { m.raftRestoresTotal.Add(1) }
func (m *Metrics) IncAuditDropped()          { m.auditEventsDropped.Add(1) }
func (m *Metrics) IncAuditPersisted(n int64) { m.auditEventsPersisted.Add(n) }

func (m *Metrics) IncAuthRequests() { m.authRequestsTotal.Add(1) }
func (m *Metrics) IncAuthFailures() { m.authFailuresTotal.Add(1) }
func (m *Metrics) IncAuthDenied()   { m.authDeniedTotal.Add(1) }

func (m *Metrics) mutationKinds() []string {
	m.mutationsMu.RLock()
	defer m.mutationsMu.RUnlock()
	kinds := make([]string, 0, len(m.mutations))
	for k := range m.mutations {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Snapshot returns all metrics as a JSON-friendly map
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	mutations := make(map[string]interface{})
	for _, kind := range m.mutationKinds() {
		c := m.mutationCounter(kind)
		mutations[kind] = map[string]int64{
			string(OutcomeApplied): c.applied.Load(),
			string(OutcomeNoop):    c.noop.Load(),
			string(OutcomeFailed):  c.failed.Load(),
		}
	}

	var avgLatency int64
	if n := m.httpLatencyCount.Load(); n > 0 {
		avgLatency = m.httpLatencySum.Load() / n
	}

	return map[string]interface{}{
		"uptime_seconds":      int64(time.Since(m.startTime).Seconds()),
		"goroutines":          runtime.NumGoroutine(),
		"memory_alloc_mb":     float64(memStats.Alloc) / 1024 / 1024,
		"http_requests":       m.httpRequestsTotal.Load(),
		"http_success":        m.httpRequestsSuccess.Load(),
		"http_errors":         m.httpRequestsError.Load(),
		"http_latency_avg_us": avgLatency,
		"catalog": map[string]int64{
			"sequence":  m.catalogSequence.Load(),
			"databases": m.catalogDatabases.Load(),
			"tables":    m.catalogTables.Load(),
			"columns":   m.catalogColumns.Load(),
		},
		"mutations": mutations,
		"wal": map[string]int64{
			"entries":  m.walEntriesTotal.Load(),
			"bytes":    m.walBytesTotal.Load(),
			"errors":   m.walErrorsTotal.Load(),
			"replayed": m.walReplayedTotal.Load(),
		},
		"snapshots": map[string]int64{
			"written":       m.snapshotsWritten.Load(),
			"failed":        m.snapshotsFailed.Load(),
			"pruned":        m.snapshotsPruned.Load(),
			"last_bytes":    m.snapshotLastBytes.Load(),
			"last_sequence": m.snapshotLastSequence.Load(),
		},
		"raft": map[string]int64{
			"applies":    m.raftAppliesTotal.Load(),
			"not_leader": m.raftNotLeaderTotal.Load(),
			"restores":   m.raftRestoresTotal.Load(),
		},
		"audit": map[string]int64{
			"persisted": m.auditEventsPersisted.Load(),
			"dropped":   m.auditEventsDropped.Load(),
		},
		"auth": map[string]int64{
			"requests": m.authRequestsTotal.Load(),
			"failures": m.authFailuresTotal.Load(),
			"denied":   m.authDeniedTotal.Load(),
		},
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	gauge := func(name, help string, v float64) {
		b = appendHeader(b, name, help, "gauge")
		b = appendMetric(b, name, v)
	}
	counter := func(name, help string, v int64) {
		b = appendHeader(b, name, help, "counter")
		b = appendMetric(b, name, float64(v))
	}

	gauge("arc_catalog_uptime_seconds", "Time since the service started", time.Since(m.startTime).Seconds())
	gauge("arc_catalog_goroutines", "Number of goroutines", float64(runtime.NumGoroutine()))
	gauge("arc_catalog_memory_alloc_bytes", "Current allocated memory", float64(memStats.Alloc))

	counter("arc_catalog_http_requests_total", "Total HTTP requests", m.httpRequestsTotal.Load())
	counter("arc_catalog_http_requests_success_total", "Successful HTTP requests", m.httpRequestsSuccess.Load())
	counter("arc_catalog_http_requests_error_total", "Failed HTTP requests", m.httpRequestsError.Load())

	b = appendHeader(b, "arc_catalog_http_request_duration_seconds", "HTTP request latency", "histogram")
	var cumulative int64
	for i, bound := range latencyBounds {
		cumulative += m.httpLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "arc_catalog_http_request_duration_seconds_bucket", "le", formatSeconds(bound), float64(cumulative))
	}
	cumulative += m.httpLatencyBuckets[len(latencyBounds)].Load()
	b = appendMetricWithLabel(b, "arc_catalog_http_request_duration_seconds_bucket", "le", "+Inf", float64(cumulative))
	b = appendMetric(b, "arc_catalog_http_request_duration_seconds_sum", float64(m.httpLatencySum.Load())/1e6)
	b = appendMetric(b, "arc_catalog_http_request_duration_seconds_count", float64(m.httpLatencyCount.Load()))

	gauge("arc_catalog_sequence", "Current catalog sequence number", float64(m.catalogSequence.Load()))
	gauge("arc_catalog_databases", "Live databases", float64(m.catalogDatabases.Load()))
	gauge("arc_catalog_tables", "Live tables", float64(m.catalogTables.Load()))
	gauge("arc_catalog_columns", "Live columns", float64(m.catalogColumns.Load()))

	b = appendHeader(b, "arc_catalog_mutations_total", "Catalog mutations by kind and outcome", "counter")
	for _, kind := range m.mutationKinds() {
		c := m.mutationCounter(kind)
		b = appendMetricWithLabels(b, "arc_catalog_mutations_total", kind, OutcomeApplied, c.applied.Load())
		b = appendMetricWithLabels(b, "arc_catalog_mutations_total", kind, OutcomeNoop, c.noop.Load())
		b = appendMetricWithLabels(b, "arc_catalog_mutations_total", kind, OutcomeFailed, c.failed.Load())
	}

	counter("arc_catalog_wal_entries_total", "Mutations appended to the WAL", m.walEntriesTotal.Load())
	counter("arc_catalog_wal_bytes_total", "Bytes appended to the WAL", m.walBytesTotal.Load())
	counter("arc_catalog_wal_errors_total", "WAL append failures", m.walErrorsTotal.Load())
	counter("arc_catalog_wal_replayed_total", "Mutations replayed from the WAL at startup", m.walReplayedTotal.Load())

	counter("arc_catalog_snapshots_written_total", "Snapshots written", m.snapshotsWritten.Load())
	counter("arc_catalog_snapshots_failed_total", "Snapshot attempts that failed", m.snapshotsFailed.Load())
	counter("arc_catalog_snapshots_pruned_total", "Old snapshots deleted", m.snapshotsPruned.Load())
	gauge("arc_catalog_snapshot_last_bytes", "Size of the latest snapshot", float64(m.snapshotLastBytes.Load()))
	gauge("arc_catalog_snapshot_last_sequence", "Sequence of the latest snapshot", float64(m.snapshotLastSequence.Load()))

	counter("arc_catalog_raft_applies_total", "Mutations applied through raft", m.raftAppliesTotal.Load())
	counter("arc_catalog_raft_not_leader_total", "Mutations rejected because this node is not the leader", m.raftNotLeaderTotal.Load())
	counter("arc_catalog_raft_restores_total", "Catalog restores from raft snapshots", m.raftRestoresTotal.Load())

	counter("arc_catalog_audit_persisted_total", "Audit records written", m.auditEventsPersisted.Load())
	counter("arc_catalog_audit_dropped_total", "Audit records dropped on a full queue", m.auditEventsDropped.Load())

	counter("arc_catalog_auth_requests_total", "Requests checked for an API token", m.authRequestsTotal.Load())
	counter("arc_catalog_auth_failures_total", "Requests with a missing or invalid token", m.authFailuresTotal.Load())
	counter("arc_catalog_auth_denied_total", "Requests whose token lacked the required permission", m.authDeniedTotal.Load())

	return string(b)
}

func formatSeconds(micros int64) string {
	return string(appendFloat(nil, float64(micros)/1e6))
}

// Helper functions for Prometheus format
func appendHeader(b []byte, name, help, typ string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	return append(b, '\n')
}

func appendMetricWithLabels(b []byte, name, kind string, outcome Outcome, value int64) []byte {
	b = append(b, name...)
	b = append(b, `{kind="`...)
	b = append(b, kind...)
	b = append(b, `",outcome="`...)
	b = append(b, outcome...)
	b = append(b, `"} `...)
	b = appendInt(b, value)
	return append(b, '\n')
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	return strconv.AppendFloat(b, v, 'f', -1, 64)
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
