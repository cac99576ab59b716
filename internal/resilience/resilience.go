// Package resilience implements the Resilience subsystem (spec §4.6):
// the health composite, network partition detection/healing, security
// monitoring, and per-service circuit breakers. The circuit breaker is
// grounded directly on the teacher's mesh_coordinator.go CircuitBreaker/
// BreakerState (Closed/Open/HalfOpen, failure-threshold trip, timeout-
// gated half-open probe), generalized from a single peer-keyed resource
// string to any service key.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hadronlabs/meshfabric/internal/events"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// BreakerThreshold is the consecutive-failure count that trips a breaker
// open (spec §4.6: threshold=5).
const BreakerThreshold = 5

// BreakerTimeout is how long an Open breaker waits before probing
// half-open (spec §4.6: timeout=60s).
const BreakerTimeout = 60 * time.Second

// HalfOpenMax is the number of consecutive successes required in
// HalfOpen before a breaker closes.
const HalfOpenMax = 3

// SpamFloor is the minimum sustained inbound frame rate from a single
// peer treated as spam/DoS (spec §9 Open Question, decided at 50
// frames/sec as a concrete, conservative floor above any legitimate
// liveness/gossip chatter this system generates).
const SpamFloor = 50.0 // frames/sec

// PartitionConnectivityThreshold is the connected/known ratio below
// which a partition is declared (spec §4.6: <0.3).
const PartitionConnectivityThreshold = 0.3

// MaxHealingAttempts bounds automatic partition-healing retries.
const MaxHealingAttempts = 3

// BreakerState mirrors the teacher's three-state circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one service key against cascading failures.
type CircuitBreaker struct {
	mu          sync.Mutex
	key         string
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// Allow reports whether a call against this breaker's service may
// proceed, transitioning Open->HalfOpen once BreakerTimeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(cb.lastFailure) >= BreakerTimeout {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful call, closing a HalfOpen breaker
// after HalfOpenMax consecutive successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= HalfOpenMax {
			cb.state = BreakerClosed
			cb.failures = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure registers a failed call, tripping the breaker open once
// BreakerThreshold consecutive failures accrue, or immediately re-opening
// a HalfOpen probe that failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = time.Now()
	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
	case BreakerClosed:
		cb.failures++
		if cb.failures >= BreakerThreshold {
			cb.state = BreakerOpen
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// HealthSnapshot is the health composite (spec §4.6).
type HealthSnapshot struct {
	Connectivity float64
	Latency      float64
	Throughput   float64
	Reliability  float64
	Security     float64
	Score        float64
	At           time.Time
}

// NetworkView supplies the raw signals the health composite and
// partition detector are computed from. Narrow collaborator in place of
// a direct Peer Manager/Routing reference.
type NetworkView interface {
	ConnectedCount() int
	KnownCount() int
	AverageLatencyMS() float64
	RecentThroughputScore() float64
	RecentReliabilityScore() float64
	// DisconnectedKnownPeers lists every peer known to Routing or the
	// Peer Manager that is not currently connected, i.e. the affected
	// set a detected partition records.
	DisconnectedKnownPeers() []meshtypes.NodeID
}

// HealingPathfinder attempts to re-establish connectivity during
// partition healing via three distinct mechanisms (spec §4.6): a direct
// reconnect, asking a bridge peer for its catalog of reachable nodes,
// and forcing a fresh discovery round.
type HealingPathfinder interface {
	Connect(ctx context.Context, peer meshtypes.NodeID) error
	RequestCatalog(ctx context.Context, bridge meshtypes.NodeID) ([]meshtypes.NodeID, error)
	ForceDiscovery(ctx context.Context) []meshtypes.NodeID
}

// HealedThreshold is the fraction of affected peers that must reconnect
// before a partition is marked Healed (spec §4.6: >=80%).
const HealedThreshold = 0.8

// Monitor runs health composition, partition detection/healing, security
// monitoring, and circuit breaker bookkeeping.
type Monitor struct {
	view      NetworkView
	pathfinder HealingPathfinder
	events    events.Sink
	metrics   *Metrics
	logger    *slog.Logger

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker

	securityMu   sync.Mutex
	frameCounts  map[meshtypes.NodeID]*rateCounter
	quarantined  map[meshtypes.NodeID]time.Time

	partitionMu sync.Mutex
	partition   *meshtypes.NetworkPartition

	securityScore float64
}

type rateCounter struct {
	windowStart time.Time
	count       int
}

// New constructs a resilience Monitor. metrics may be nil to skip
// Prometheus export.
func New(view NetworkView, pathfinder HealingPathfinder, sink events.Sink, metrics *Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		view:          view,
		pathfinder:    pathfinder,
		events:        sink,
		metrics:       metrics,
		logger:        logger.With("component", "resilience"),
		breakers:      make(map[string]*CircuitBreaker),
		frameCounts:   make(map[meshtypes.NodeID]*rateCounter),
		quarantined:   make(map[meshtypes.NodeID]time.Time),
		securityScore: 1.0,
	}
}

// Breaker returns (creating if necessary) the circuit breaker for key.
func (m *Monitor) Breaker(key string) *CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	cb, ok := m.breakers[key]
	if !ok {
		cb = &CircuitBreaker{key: key, state: BreakerClosed}
		m.breakers[key] = cb
	}
	return cb
}

// ComputeHealth derives the weighted health composite (spec §4.6 exact
// weights): 0.25*connectivity + 0.2*latency + 0.2*throughput +
// 0.25*reliability + 0.1*security.
func (m *Monitor) ComputeHealth() HealthSnapshot {
	if m.view == nil {
		return HealthSnapshot{At: time.Now()}
	}
	connected := m.view.ConnectedCount()
	known := m.view.KnownCount()
	connectivity := 1.0
	if known > 0 {
		connectivity = float64(connected) / float64(known)
	}
	latencyScore := clamp(1.0-m.view.AverageLatencyMS()/1000.0, 0, 1)
	throughput := m.view.RecentThroughputScore()
	reliability := m.view.RecentReliabilityScore()

	m.securityMu.Lock()
	security := m.securityScore
	m.securityMu.Unlock()

	score := 0.25*connectivity + 0.2*latencyScore + 0.2*throughput + 0.25*reliability + 0.1*security

	snap := HealthSnapshot{
		Connectivity: connectivity,
		Latency:      latencyScore,
		Throughput:   throughput,
		Reliability:  reliability,
		Security:     security,
		Score:        score,
		At:           time.Now(),
	}
	m.emitHealth(snap)
	if m.metrics != nil {
		m.metrics.Observe(snap)
	}

	if connectivity < PartitionConnectivityThreshold {
		m.detectPartition(m.view.DisconnectedKnownPeers())
	}
	return snap
}

// detectPartition records a NetworkPartition once connectivity falls
// below PartitionConnectivityThreshold, if one is not already tracked.
// affected is the disconnected known-peer set the partition must heal.
func (m *Monitor) detectPartition(affected []meshtypes.NodeID) {
	m.partitionMu.Lock()
	defer m.partitionMu.Unlock()
	if m.partition != nil && m.partition.Status != meshtypes.PartitionHealed {
		return
	}
	p := &meshtypes.NetworkPartition{
		ID:            time.Now().Format(time.RFC3339Nano),
		DetectedAt:    time.Now(),
		Status:        meshtypes.PartitionDetected,
		AffectedPeers: affected,
	}
	m.partition = p
	if m.events != nil {
		m.events.Emit(events.Event{Kind: events.PartitionDetected, At: time.Now(), Partition: &events.PartitionEvent{Partition: *p}})
	}
	m.logger.Warn("partition detected", "affected_peers", len(affected))
}

// HealPartition attempts up to MaxHealingAttempts rounds of healing
// against the partition's affected peers, each round trying three
// mechanisms in turn: direct reconnect, bridge-peer catalog requests,
// and forced discovery. Healed once at least HealedThreshold of the
// affected peers have reconnected; Permanent once attempts are
// exhausted (spec §4.6).
func (m *Monitor) HealPartition(ctx context.Context, bridgePeers []meshtypes.NodeID) {
	m.partitionMu.Lock()
	p := m.partition
	if p == nil || p.Status == meshtypes.PartitionHealed {
		m.partitionMu.Unlock()
		return
	}
	p.Status = meshtypes.PartitionHealing
	p.BridgePeers = bridgePeers
	affected := append([]meshtypes.NodeID(nil), p.AffectedPeers...)
	m.partitionMu.Unlock()

	if len(affected) == 0 {
		m.partitionMu.Lock()
		p.Status = meshtypes.PartitionPermanent
		m.partitionMu.Unlock()
		m.logger.Error("partition healing has no affected peers to reconnect")
		return
	}

	reconnected := make(map[meshtypes.NodeID]bool)
	remaining := func() []meshtypes.NodeID {
		var r []meshtypes.NodeID
		for _, a := range affected {
			if !reconnected[a] {
				r = append(r, a)
			}
		}
		return r
	}

	for p.HealingAttempts < MaxHealingAttempts {
		p.HealingAttempts++

		if m.pathfinder != nil {
			// (i) direct reconnect.
			for _, peer := range remaining() {
				if err := m.pathfinder.Connect(ctx, peer); err == nil {
					reconnected[peer] = true
				}
			}

			// (ii) ask each still-connected bridge peer for its catalog.
			for _, bridge := range bridgePeers {
				catalog, err := m.pathfinder.RequestCatalog(ctx, bridge)
				if err != nil {
					continue
				}
				known := make(map[meshtypes.NodeID]bool, len(catalog))
				for _, id := range catalog {
					known[id] = true
				}
				for _, peer := range remaining() {
					if !known[peer] {
						continue
					}
					if err := m.pathfinder.Connect(ctx, peer); err == nil {
						reconnected[peer] = true
					}
				}
			}

			// (iii) force discovery and retry against whatever surfaces.
			discovered := m.pathfinder.ForceDiscovery(ctx)
			found := make(map[meshtypes.NodeID]bool, len(discovered))
			for _, id := range discovered {
				found[id] = true
			}
			for _, peer := range remaining() {
				if !found[peer] {
					continue
				}
				if err := m.pathfinder.Connect(ctx, peer); err == nil {
					reconnected[peer] = true
				}
			}
		}

		if float64(len(reconnected))/float64(len(affected)) >= HealedThreshold {
			m.partitionMu.Lock()
			p.Status = meshtypes.PartitionHealed
			m.partitionMu.Unlock()
			if m.events != nil {
				m.events.Emit(events.Event{Kind: events.PartitionHealed, At: time.Now(), Partition: &events.PartitionEvent{Partition: *p}})
			}
			return
		}
	}
	m.partitionMu.Lock()
	p.Status = meshtypes.PartitionPermanent
	m.partitionMu.Unlock()
	m.logger.Error("partition healing exhausted", "attempts", p.HealingAttempts, "reconnected", len(reconnected), "affected", len(affected))
}

// Partition returns the currently tracked partition, if any.
func (m *Monitor) Partition() (meshtypes.NetworkPartition, bool) {
	m.partitionMu.Lock()
	defer m.partitionMu.Unlock()
	if m.partition == nil {
		return meshtypes.NetworkPartition{}, false
	}
	return *m.partition, true
}

// RecordInboundFrame feeds the spam/DoS rate detector. Peers sustaining
// more than SpamFloor frames/sec are quarantined.
func (m *Monitor) RecordInboundFrame(peer meshtypes.NodeID) {
	m.securityMu.Lock()
	defer m.securityMu.Unlock()
	now := time.Now()
	rc, ok := m.frameCounts[peer]
	if !ok || now.Sub(rc.windowStart) >= time.Second {
		rc = &rateCounter{windowStart: now, count: 0}
		m.frameCounts[peer] = rc
	}
	rc.count++
	if float64(rc.count) > SpamFloor {
		m.quarantine(peer, "frame rate exceeded spam floor")
	}
}

// RecordInvalidSignature penalizes the security score and quarantines
// peer immediately; a forged signature is never tolerated regardless of
// rate.
func (m *Monitor) RecordInvalidSignature(peer meshtypes.NodeID) {
	m.securityMu.Lock()
	m.securityScore = clamp(m.securityScore-0.1, 0, 1)
	m.securityMu.Unlock()
	m.quarantine(peer, "invalid signature")
}

// RecordMaliciousBehavior penalizes the security score for a detected
// malicious action (e.g. a falsified verification response) and emits a
// security warning; it does not quarantine the peer.
func (m *Monitor) RecordMaliciousBehavior(peer meshtypes.NodeID, reason string) {
	m.securityMu.Lock()
	m.securityScore = clamp(m.securityScore-0.05, 0, 1)
	m.securityMu.Unlock()
	m.emitSecurity(peer, "warning", reason)
}

func (m *Monitor) quarantine(peer meshtypes.NodeID, reason string) {
	m.quarantined[peer] = time.Now()
	if m.metrics != nil {
		m.metrics.ObserveQuarantineCount(len(m.quarantined))
	}
	m.emitSecurity(peer, "critical", reason)
}

// IsQuarantined reports whether peer is currently under quarantine.
func (m *Monitor) IsQuarantined(peer meshtypes.NodeID) bool {
	m.securityMu.Lock()
	defer m.securityMu.Unlock()
	_, ok := m.quarantined[peer]
	return ok
}

func (m *Monitor) emitSecurity(peer meshtypes.NodeID, severity, reason string) {
	if m.events == nil {
		return
	}
	m.events.Emit(events.Event{
		Kind:     events.SecurityAlertReceived,
		At:       time.Now(),
		Security: &events.SecurityEvent{Peer: peer, Severity: severity, Reason: reason},
	})
}

func (m *Monitor) emitHealth(snap HealthSnapshot) {
	if m.events == nil {
		return
	}
	m.events.Emit(events.Event{
		Kind: events.HealthUpdated,
		At:   snap.At,
		Health: &events.HealthEvent{
			Score:        snap.Score,
			Connectivity: snap.Connectivity,
			Latency:      snap.Latency,
			Throughput:   snap.Throughput,
			Reliability:  snap.Reliability,
			Security:     snap.Security,
		},
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
