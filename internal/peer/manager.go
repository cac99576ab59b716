// Package peer implements the Peer Manager (spec §4.1): ownership of
// peer records and open channels, unicast/broadcast send, liveness, and
// inbound frame fan-out to upper layers. Grounded on the teacher's
// mesh_coordinator.go (peer cache, circuit-breaker-adjacent structuring)
// and transport_native.go's connection bookkeeping, generalized from
// WebRTC-only to any transport.Transport.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hadronlabs/meshfabric/internal/events"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/transport"
)

// Telemetry supplies the local node's compute-capability snapshot. It
// is an external collaborator (spec §1): the on-device telemetry
// source. local_capabilities() fails with ErrTelemetryUnavailable when
// this returns an error.
type Telemetry interface {
	LocalCapabilities(ctx context.Context) (meshtypes.CapabilitySnapshot, error)
}

// maxConnectAttempts is the retry budget before ConnectAttemptsExhausted.
const maxConnectAttempts = 3

// retryBackoff is the Failed->Connecting retry timer.
const retryBackoff = 5 * time.Second

// PingInterval is the liveness probe period (§4.1).
const PingInterval = 30 * time.Second

// EvictAfter is the no-activity eviction threshold (§4.1).
const EvictAfter = 5 * time.Minute

type peerEntry struct {
	mu      sync.Mutex
	record  meshtypes.PeerRecord
	pingSentAt time.Time
}

// Manager is the Peer Manager.
type Manager struct {
	localID   meshtypes.NodeID
	transport transport.Transport
	telemetry Telemetry
	events    events.Sink
	logger    *slog.Logger

	mu    sync.RWMutex
	peers map[meshtypes.NodeID]*peerEntry

	frameHandlersMu sync.RWMutex
	frameHandlers   map[meshtypes.FrameKind][]func(meshtypes.Frame)

	frameCounter  atomic.Uint64
	droppedFrames atomic.Uint64

	pendingMu sync.Mutex
	pending   map[meshtypes.FrameID]chan meshtypes.Frame

	shutdown chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// RequestTimeout bounds a Request call waiting on a correlated response.
const RequestTimeout = 10 * time.Second

// New constructs a Peer Manager over the given transport.
func New(t transport.Transport, telemetry Telemetry, sink events.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	localID := t.LocalID()
	m := &Manager{
		localID:       localID,
		transport:     t,
		telemetry:     telemetry,
		events:        sink,
		logger:        logger.With("component", "peer_manager", "node_id", localID.String()[:8]),
		peers:         make(map[meshtypes.NodeID]*peerEntry),
		frameHandlers: make(map[meshtypes.FrameKind][]func(meshtypes.Frame)),
		pending:       make(map[meshtypes.FrameID]chan meshtypes.Frame),
		shutdown:      make(chan struct{}),
	}
	t.OnFrame(m.handleInbound)
	return m
}

// LocalID returns this node's id.
func (m *Manager) LocalID() meshtypes.NodeID { return m.localID }

// RegisterFrameHandler subscribes an upper layer to a frame kind. Frames
// of other kinds are not delivered to this handler; this is the narrow
// command-channel substitute for back-references between subsystems
// (spec §9).
func (m *Manager) RegisterFrameHandler(kind meshtypes.FrameKind, h func(meshtypes.Frame)) {
	m.frameHandlersMu.Lock()
	defer m.frameHandlersMu.Unlock()
	m.frameHandlers[kind] = append(m.frameHandlers[kind], h)
}

// Start brings the transport up and begins the ping/eviction loops.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.transport.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", meshtypes.ErrTransportUnavailable, err)
	}
	m.wg.Add(1)
	go m.pingLoop(ctx)
	return nil
}

// Stop cancels the maintenance loops and tears down the transport.
func (m *Manager) Stop() error {
	if !m.started.CompareAndSwap(true, false) {
		return nil
	}
	close(m.shutdown)
	m.wg.Wait()
	return m.transport.Stop()
}

// Connect opens a channel to peer at endpoint. No-op success if already
// open. Fails with ErrConnectAttemptsExhausted after 3 tries.
func (m *Manager) Connect(ctx context.Context, peerID meshtypes.NodeID, endpoint transport.Endpoint) error {
	entry := m.getOrCreate(peerID)

	entry.mu.Lock()
	if entry.record.Status == meshtypes.StatusConnected {
		entry.mu.Unlock()
		return nil
	}
	if entry.record.ConnectFails >= maxConnectAttempts {
		entry.mu.Unlock()
		return meshtypes.ErrConnectAttemptsExhausted
	}
	entry.record.Status = meshtypes.StatusConnecting
	entry.mu.Unlock()

	err := m.transport.Dial(ctx, peerID, endpoint)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err != nil {
		entry.record.ConnectFails++
		if entry.record.ConnectFails >= maxConnectAttempts {
			entry.record.Status = meshtypes.StatusFailed
			return fmt.Errorf("%w: %v", meshtypes.ErrConnectAttemptsExhausted, err)
		}
		entry.record.Status = meshtypes.StatusFailed
		go m.scheduleRetry(ctx, peerID, endpoint)
		return err
	}

	entry.record.Status = meshtypes.StatusConnected
	entry.record.ConnectFails = 0
	entry.record.LastSeen = time.Now()
	m.emit(events.PeerConnected, &events.Event{Peer: &events.PeerEvent{NodeID: peerID}})
	return nil
}

// scheduleRetry implements the Failed->Connecting 5s retry timer, bounded
// by maxConnectAttempts.
func (m *Manager) scheduleRetry(ctx context.Context, peerID meshtypes.NodeID, endpoint transport.Endpoint) {
	select {
	case <-time.After(retryBackoff):
	case <-m.shutdown:
		return
	}
	entry := m.getOrCreate(peerID)
	entry.mu.Lock()
	attempts := entry.record.ConnectFails
	entry.mu.Unlock()
	if attempts >= maxConnectAttempts {
		return
	}
	_ = m.Connect(ctx, peerID, endpoint)
}

// Disconnect closes the channel and marks the peer Disconnected.
func (m *Manager) Disconnect(peerID meshtypes.NodeID) error {
	entry := m.getExisting(peerID)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	entry.record.Status = meshtypes.StatusDisconnected
	entry.mu.Unlock()
	err := m.transport.CloseStream(peerID)
	m.emit(events.PeerDisconnected, &events.Event{Peer: &events.PeerEvent{NodeID: peerID}})
	return err
}

// Send returns success iff the channel is open. Never blocks on a full
// channel; frame-level (not byte-level) ordering is all that is
// guaranteed by the transport.
func (m *Manager) Send(ctx context.Context, peerID meshtypes.NodeID, frame meshtypes.Frame) (bool, error) {
	entry := m.getExisting(peerID)
	if entry == nil {
		return false, nil
	}
	entry.mu.Lock()
	open := entry.record.Status == meshtypes.StatusConnected
	entry.mu.Unlock()
	if !open {
		return false, nil
	}
	frame.FrameID = meshtypes.FrameID(m.frameCounter.Add(1))
	frame.From = m.localID
	frame.To = peerID
	if frame.TimestampMS == 0 {
		frame.TimestampMS = time.Now().UnixMilli()
	}
	if err := m.transport.Send(ctx, peerID, frame); err != nil {
		return false, err
	}
	return true, nil
}

// Request sends frame to peer and blocks until a frame carrying the same
// FrameID arrives, or RequestTimeout elapses. It is the narrow RPC
// primitive the Routing, Discovery, and Verification adapters use to
// correlate a find-node/discovery/verification request with its
// response, without those packages depending on the Peer Manager's
// internals.
func (m *Manager) Request(ctx context.Context, peerID meshtypes.NodeID, frame meshtypes.Frame) (meshtypes.Frame, error) {
	id := meshtypes.FrameID(m.frameCounter.Add(1))
	frame.FrameID = id

	ch := make(chan meshtypes.Frame, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	entry := m.getExisting(peerID)
	if entry == nil {
		return meshtypes.Frame{}, meshtypes.ErrTransportUnavailable
	}
	entry.mu.Lock()
	open := entry.record.Status == meshtypes.StatusConnected
	entry.mu.Unlock()
	if !open {
		return meshtypes.Frame{}, meshtypes.ErrTransportUnavailable
	}

	frame.From = m.localID
	frame.To = peerID
	if frame.TimestampMS == 0 {
		frame.TimestampMS = time.Now().UnixMilli()
	}
	if err := m.transport.Send(ctx, peerID, frame); err != nil {
		return meshtypes.Frame{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timeoutCtx.Done():
		return meshtypes.Frame{}, meshtypes.ErrQueryTimeout
	}
}

// Broadcast sends frame to every connected peer, returning the count
// sent.
func (m *Manager) Broadcast(ctx context.Context, frame meshtypes.Frame) int {
	sent := 0
	for _, p := range m.ConnectedPeers() {
		ok, _ := m.Send(ctx, p.NodeID, frame)
		if ok {
			sent++
		}
	}
	return sent
}

// PeerInfo returns the known record for a peer.
func (m *Manager) PeerInfo(peerID meshtypes.NodeID) (meshtypes.PeerRecord, bool) {
	entry := m.getExisting(peerID)
	if entry == nil {
		return meshtypes.PeerRecord{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, true
}

// ConnectedPeers returns the records of every currently Connected peer.
func (m *Manager) ConnectedPeers() []meshtypes.PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]meshtypes.PeerRecord, 0, len(m.peers))
	for _, e := range m.peers {
		e.mu.Lock()
		if e.record.Status == meshtypes.StatusConnected {
			out = append(out, e.record)
		}
		e.mu.Unlock()
	}
	return out
}

// AllPeers returns every known peer record regardless of status.
func (m *Manager) AllPeers() []meshtypes.PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]meshtypes.PeerRecord, 0, len(m.peers))
	for _, e := range m.peers {
		e.mu.Lock()
		out = append(out, e.record)
		e.mu.Unlock()
	}
	return out
}

// LocalCapabilities composes the local capability snapshot from the
// external telemetry source.
func (m *Manager) LocalCapabilities(ctx context.Context) (meshtypes.CapabilitySnapshot, error) {
	if m.telemetry == nil {
		return meshtypes.CapabilitySnapshot{}, meshtypes.ErrTelemetryUnavailable
	}
	snap, err := m.telemetry.LocalCapabilities(ctx)
	if err != nil {
		return meshtypes.CapabilitySnapshot{}, fmt.Errorf("%w: %v", meshtypes.ErrTelemetryUnavailable, err)
	}
	return snap, nil
}

// UpsertCapability updates (or creates) a peer record's capability
// snapshot, e.g. after an advertisement or handshake.
func (m *Manager) UpsertCapability(peerID meshtypes.NodeID, pub interface{ Bytes() []byte }, cap meshtypes.CapabilitySnapshot) {
	entry := m.getOrCreate(peerID)
	entry.mu.Lock()
	entry.record.Capability = cap
	entry.record.LastSeen = time.Now()
	entry.mu.Unlock()
}

func (m *Manager) getOrCreate(peerID meshtypes.NodeID) *peerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peerID]
	if !ok {
		e = &peerEntry{record: meshtypes.PeerRecord{
			NodeID:     peerID,
			Status:     meshtypes.StatusDisconnected,
			Reputation: meshtypes.DefaultReputation,
			LastSeen:   time.Now(),
		}}
		m.peers[peerID] = e
	}
	return e
}

func (m *Manager) getExisting(peerID meshtypes.NodeID) *peerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[peerID]
}

// handleInbound routes an inbound frame to registered handlers by kind,
// handles Ping/Pong locally, and drops frames of a kind with no
// registered handler, counting them rather than propagating.
func (m *Manager) handleInbound(frame meshtypes.Frame) {
	entry := m.getExisting(frame.From)
	if entry != nil {
		entry.mu.Lock()
		entry.record.LastSeen = time.Now()
		entry.mu.Unlock()
	}

	m.pendingMu.Lock()
	ch, waiting := m.pending[frame.FrameID]
	m.pendingMu.Unlock()
	if waiting {
		select {
		case ch <- frame:
		default:
		}
		return
	}

	switch frame.Kind {
	case meshtypes.FramePing:
		pong := meshtypes.Frame{Kind: meshtypes.FramePong, TimestampMS: frame.TimestampMS}
		_, _ = m.Send(context.Background(), frame.From, pong)
		return
	case meshtypes.FramePong:
		if entry != nil {
			sentAt := time.UnixMilli(frame.TimestampMS)
			latency := time.Since(sentAt)
			entry.mu.Lock()
			entry.record.LatencyMS = float64(latency.Milliseconds())
			entry.mu.Unlock()
		}
		return
	}

	m.frameHandlersMu.RLock()
	handlers := append([]func(meshtypes.Frame){}, m.frameHandlers[frame.Kind]...)
	m.frameHandlersMu.RUnlock()

	if len(handlers) == 0 {
		m.droppedFrames.Add(1)
		return
	}
	for _, h := range handlers {
		h(frame)
	}
}

// pingLoop probes every connected peer every PingInterval and evicts
// peers idle for longer than EvictAfter.
func (m *Manager) pingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	now := time.Now()
	for _, p := range m.ConnectedPeers() {
		if now.Sub(p.LastSeen) > EvictAfter {
			m.logger.Info("evicting idle peer", "peer", p.NodeID.String()[:8])
			_ = m.Disconnect(p.NodeID)
			continue
		}
		ping := meshtypes.Frame{Kind: meshtypes.FramePing, TimestampMS: now.UnixMilli()}
		_, _ = m.Send(ctx, p.NodeID, ping)
	}
}

func (m *Manager) emit(kind events.Kind, partial *events.Event) {
	if m.events == nil {
		return
	}
	partial.Kind = kind
	partial.At = time.Now()
	m.events.Emit(*partial)
}
