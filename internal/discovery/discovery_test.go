package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

type stubDHT struct {
	nodes []meshtypes.DHTNode
}

func (d *stubDHT) Lookup(ctx context.Context, target meshtypes.NodeID) []meshtypes.DHTNode {
	return d.nodes
}
func (d *stubDHT) AddOrUpdate(ctx context.Context, node meshtypes.DHTNode) {
	d.nodes = append(d.nodes, node)
}

type stubAnnouncer struct {
	neighbors []meshtypes.PeerRecord
	connected []meshtypes.NodeID
}

func (a *stubAnnouncer) SendDiscovery(ctx context.Context, peer meshtypes.NodeID, req DiscoveryRequest) (DiscoveryResponse, error) {
	return DiscoveryResponse{ResponderID: peer, Neighbors: a.neighbors}, nil
}
func (a *stubAnnouncer) Connect(ctx context.Context, peer meshtypes.NodeID) error {
	a.connected = append(a.connected, peer)
	return nil
}

func mustID(t *testing.T) meshtypes.NodeID {
	t.Helper()
	id, err := meshtypes.NewNodeID()
	require.NoError(t, err)
	return id
}

func TestDiscoverUnionsMethodsAndDedupsLocal(t *testing.T) {
	local := mustID(t)
	other := mustID(t)
	dht := &stubDHT{nodes: []meshtypes.DHTNode{{NodeID: other}, {NodeID: local}}}
	svc := New(local, dht, nil, nil, nil)

	found := svc.Discover(context.Background(), mustID(t))
	assert.Contains(t, found, other)
	assert.NotContains(t, found, local)
}

func TestAdvertiseSelfThenActiveAdvertisers(t *testing.T) {
	local := mustID(t)
	svc := New(local, nil, nil, nil, nil)
	svc.AdvertiseSelf(context.Background(), meshtypes.CapabilitySnapshot{Tier: meshtypes.TierHigh})

	svc.mu.Lock()
	_, ok := svc.advertisements[local]
	svc.mu.Unlock()
	assert.True(t, ok)
}

func TestAdvertisementExpires(t *testing.T) {
	local := mustID(t)
	peer := mustID(t)
	svc := New(local, nil, nil, nil, nil)
	svc.RecordAdvertisement(meshtypes.PeerRecord{NodeID: peer})

	svc.mu.Lock()
	svc.advertisements[peer].expiresAt = time.Now().Add(-time.Second)
	svc.mu.Unlock()

	active := svc.activeAdvertisers()
	assert.NotContains(t, active, peer)
}

func TestRecordPathOutcomeEWMA(t *testing.T) {
	local := mustID(t)
	dest := mustID(t)
	svc := New(local, nil, nil, nil, nil)

	svc.RecordPathOutcome(dest, 50, true)
	svc.mu.Lock()
	first := svc.paths[dest].Reliability
	svc.mu.Unlock()
	assert.Equal(t, 1.0, first)

	svc.RecordPathOutcome(dest, 50, false)
	svc.mu.Lock()
	second := svc.paths[dest].Reliability
	svc.mu.Unlock()
	assert.InDelta(t, 0.8, second, 1e-9)
}

func TestFindOptimalPathPicksHighestScore(t *testing.T) {
	local := mustID(t)
	dest := mustID(t)
	svc := New(local, nil, nil, nil, nil)

	low := meshtypes.RoutingPath{Destination: dest, LatencyMS: 500, Reliability: 0.1}
	high := meshtypes.RoutingPath{Destination: dest, LatencyMS: 10, Reliability: 0.99, UsageCount: 100, LastUsed: time.Now()}

	best, ok := svc.FindOptimalPath(dest, []meshtypes.RoutingPath{low, high})
	require.True(t, ok)
	assert.Equal(t, high.LatencyMS, best.LatencyMS)
}

func TestScorePathMatchesDocumentedFormula(t *testing.T) {
	now := time.Now()
	p := meshtypes.RoutingPath{LatencyMS: 40, Reliability: 0.5, UsageCount: 5, LastUsed: now}
	// latency_score = max(0,100-40)/100 = 0.6; freshness ~= 1 (age≈0);
	// usage_bonus = min(0.2, 5*0.01) = 0.05.
	want := 0.4*0.6 + 0.4*0.5 + 0.1*1.0 + 0.1*0.05
	assert.InDelta(t, want, scorePath(p, now), 0.01)
}

func TestScorePathClampsNegativeLatencyScore(t *testing.T) {
	now := time.Now()
	p := meshtypes.RoutingPath{LatencyMS: 500, Reliability: 1, UsageCount: 1000}
	assert.InDelta(t, 0.4*1.0+0.1*0.2, scorePath(p, now), 0.05)
}

func TestRelayDiscoverCallsAnnouncer(t *testing.T) {
	local := mustID(t)
	neighbor := mustID(t)
	announcer := &stubAnnouncer{neighbors: []meshtypes.PeerRecord{{NodeID: neighbor}}}
	svc := New(local, nil, announcer, nil, nil)
	svc.RecordAdvertisement(meshtypes.PeerRecord{NodeID: mustID(t)})

	found := svc.relayDiscover(context.Background())
	assert.Contains(t, found, neighbor)
}

func TestRequestCatalogReturnsBridgeNeighbors(t *testing.T) {
	local := mustID(t)
	bridge := mustID(t)
	neighbor := mustID(t)
	announcer := &stubAnnouncer{neighbors: []meshtypes.PeerRecord{{NodeID: neighbor}}}
	svc := New(local, nil, announcer, nil, nil)

	catalog, err := svc.RequestCatalog(context.Background(), bridge)
	require.NoError(t, err)
	assert.Contains(t, catalog, neighbor)
}

func TestForceDiscoveryRunsDiscover(t *testing.T) {
	local := mustID(t)
	other := mustID(t)
	dht := &stubDHT{nodes: []meshtypes.DHTNode{{NodeID: other}}}
	svc := New(local, dht, nil, nil, nil)

	found := svc.ForceDiscovery(context.Background())
	assert.Contains(t, found, other)
}

func TestNeighborExchangeDedups(t *testing.T) {
	local := mustID(t)
	peer := mustID(t)
	neighbor := mustID(t)
	announcer := &stubAnnouncer{neighbors: []meshtypes.PeerRecord{{NodeID: neighbor}}}
	svc := New(local, nil, announcer, nil, nil)
	svc.RecordAdvertisement(meshtypes.PeerRecord{NodeID: peer})

	first := svc.neighborExchange(context.Background())
	assert.Contains(t, first, neighbor)

	second := svc.neighborExchange(context.Background())
	assert.NotContains(t, second, neighbor)
}
