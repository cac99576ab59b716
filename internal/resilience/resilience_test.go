package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

type stubView struct {
	connected, known int
	latencyMS        float64
	throughput       float64
	reliability      float64
	disconnected     []meshtypes.NodeID
}

func (v stubView) ConnectedCount() int             { return v.connected }
func (v stubView) KnownCount() int                  { return v.known }
func (v stubView) AverageLatencyMS() float64        { return v.latencyMS }
func (v stubView) RecentThroughputScore() float64   { return v.throughput }
func (v stubView) RecentReliabilityScore() float64  { return v.reliability }
func (v stubView) DisconnectedKnownPeers() []meshtypes.NodeID { return v.disconnected }

type stubPathfinder struct {
	fail          bool
	reconnectable map[meshtypes.NodeID]bool
	catalog       []meshtypes.NodeID
	forceDiscover []meshtypes.NodeID
}

func (p *stubPathfinder) Connect(ctx context.Context, peer meshtypes.NodeID) error {
	if p.reconnectable != nil {
		if p.reconnectable[peer] {
			return nil
		}
		return meshtypes.ErrTransportUnavailable
	}
	if p.fail {
		return meshtypes.ErrTransportUnavailable
	}
	return nil
}

func (p *stubPathfinder) RequestCatalog(ctx context.Context, bridge meshtypes.NodeID) ([]meshtypes.NodeID, error) {
	return p.catalog, nil
}

func (p *stubPathfinder) ForceDiscovery(ctx context.Context) []meshtypes.NodeID {
	return p.forceDiscover
}

func mustID(t *testing.T) meshtypes.NodeID {
	t.Helper()
	id, err := meshtypes.NewNodeID()
	require.NoError(t, err)
	return id
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := &CircuitBreaker{state: BreakerClosed}
	for i := 0; i < BreakerThreshold-1; i++ {
		cb.RecordFailure()
		assert.Equal(t, BreakerClosed, cb.State())
	}
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := &CircuitBreaker{state: BreakerOpen, lastFailure: time.Now().Add(-BreakerTimeout - time.Second)}
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	for i := 0; i < HalfOpenMax; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := &CircuitBreaker{state: BreakerOpen, lastFailure: time.Now().Add(-BreakerTimeout - time.Second)}
	cb.Allow()
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestComputeHealthDetectsPartition(t *testing.T) {
	affected := []meshtypes.NodeID{mustID(t), mustID(t)}
	view := stubView{connected: 1, known: 10, latencyMS: 20, throughput: 0.9, reliability: 0.9, disconnected: affected}
	mon := New(view, &stubPathfinder{}, nil, nil, nil)

	snap := mon.ComputeHealth()
	assert.Less(t, snap.Connectivity, PartitionConnectivityThreshold)

	p, ok := mon.Partition()
	assert.True(t, ok)
	assert.ElementsMatch(t, affected, p.AffectedPeers)
}

func TestComputeHealthLatencyFormulaClampsAtZero(t *testing.T) {
	view := stubView{connected: 9, known: 10, latencyMS: 5000, throughput: 1, reliability: 1}
	mon := New(view, &stubPathfinder{}, nil, nil, nil)
	snap := mon.ComputeHealth()
	assert.Equal(t, 0.0, snap.Latency)
}

func TestComputeHealthNoPartitionWhenConnected(t *testing.T) {
	view := stubView{connected: 9, known: 10, latencyMS: 10, throughput: 1, reliability: 1}
	mon := New(view, &stubPathfinder{}, nil, nil, nil)
	mon.ComputeHealth()
	_, ok := mon.Partition()
	assert.False(t, ok)
}

func TestHealPartitionSucceeds(t *testing.T) {
	affected := []meshtypes.NodeID{mustID(t), mustID(t)}
	view := stubView{connected: 1, known: 10, disconnected: affected}
	mon := New(view, &stubPathfinder{fail: false}, nil, nil, nil)
	mon.ComputeHealth()

	mon.HealPartition(context.Background(), []meshtypes.NodeID{mustID(t)})
	p, ok := mon.Partition()
	require.True(t, ok)
	assert.Equal(t, meshtypes.PartitionHealed, p.Status)
}

func TestHealPartitionRequiresEightyPercentReconnected(t *testing.T) {
	affected := []meshtypes.NodeID{mustID(t), mustID(t), mustID(t), mustID(t), mustID(t)}
	view := stubView{connected: 1, known: 10, disconnected: affected}
	// Only one of five affected peers ever reconnects (20%), below the
	// 80% threshold, so the partition must stay Permanent.
	pf := &stubPathfinder{reconnectable: map[meshtypes.NodeID]bool{affected[0]: true}}
	mon := New(view, pf, nil, nil, nil)
	mon.ComputeHealth()

	mon.HealPartition(context.Background(), []meshtypes.NodeID{mustID(t)})
	p, ok := mon.Partition()
	require.True(t, ok)
	assert.Equal(t, meshtypes.PartitionPermanent, p.Status)
}

func TestHealPartitionExhaustsToPermanent(t *testing.T) {
	view := stubView{connected: 1, known: 10, disconnected: []meshtypes.NodeID{mustID(t)}}
	mon := New(view, &stubPathfinder{fail: true}, nil, nil, nil)
	mon.ComputeHealth()

	mon.HealPartition(context.Background(), []meshtypes.NodeID{mustID(t)})
	p, ok := mon.Partition()
	require.True(t, ok)
	assert.Equal(t, meshtypes.PartitionPermanent, p.Status)
	assert.Equal(t, MaxHealingAttempts, p.HealingAttempts)
}

func TestRecordInboundFrameQuarantinesOverSpamFloor(t *testing.T) {
	mon := New(stubView{}, nil, nil, nil, nil)
	peer := mustID(t)
	for i := 0; i < int(SpamFloor)+5; i++ {
		mon.RecordInboundFrame(peer)
	}
	assert.True(t, mon.IsQuarantined(peer))
}

func TestRecordInvalidSignatureQuarantinesAndPenalizes(t *testing.T) {
	mon := New(stubView{}, nil, nil, nil, nil)
	peer := mustID(t)
	mon.RecordInvalidSignature(peer)
	assert.True(t, mon.IsQuarantined(peer))
}
