package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

type stubQuerier struct {
	responses map[meshtypes.NodeID][]meshtypes.DHTNode
}

func (s *stubQuerier) FindNode(ctx context.Context, peer meshtypes.NodeID, target meshtypes.NodeID) ([]meshtypes.DHTNode, error) {
	return s.responses[peer], nil
}

type alwaysAlivePinger struct{}

func (alwaysAlivePinger) Ping(ctx context.Context, peer meshtypes.NodeID) error { return nil }

type alwaysDeadPinger struct{}

func (alwaysDeadPinger) Ping(ctx context.Context, peer meshtypes.NodeID) error {
	return meshtypes.ErrTransportUnavailable
}

func mustID(t *testing.T) meshtypes.NodeID {
	t.Helper()
	id, err := meshtypes.NewNodeID()
	require.NoError(t, err)
	return id
}

func TestAddOrUpdateSkipsLocal(t *testing.T) {
	local := mustID(t)
	tbl := NewTable(local, nil, nil, nil)
	tbl.AddOrUpdate(context.Background(), meshtypes.DHTNode{NodeID: local})
	assert.Equal(t, 0, tbl.Size())
}

func TestAddOrUpdateMovesExistingToFront(t *testing.T) {
	local := mustID(t)
	tbl := NewTable(local, nil, nil, nil)
	n := meshtypes.DHTNode{NodeID: mustID(t)}
	tbl.AddOrUpdate(context.Background(), n)
	tbl.AddOrUpdate(context.Background(), n)
	assert.Equal(t, 1, tbl.Size())
}

func TestAddOrUpdateEvictsDeadLRU(t *testing.T) {
	local := mustID(t)
	tbl := NewTable(local, nil, alwaysDeadPinger{}, nil)

	bucketIdx := 100
	added := 0
	for added < K {
		candidate, err := randomIDInBucket(local, bucketIdx)
		require.NoError(t, err)
		tbl.AddOrUpdate(context.Background(), meshtypes.DHTNode{NodeID: candidate})
		added++
	}
	require.Equal(t, K, tbl.buckets[bucketIdx].nodes.Len())

	newContact, err := randomIDInBucket(local, bucketIdx)
	require.NoError(t, err)
	tbl.AddOrUpdate(context.Background(), meshtypes.DHTNode{NodeID: newContact})

	assert.Equal(t, K, tbl.buckets[bucketIdx].nodes.Len())
}

func TestClosestOrdersByXORDistance(t *testing.T) {
	local := mustID(t)
	tbl := NewTable(local, nil, nil, nil)
	target := mustID(t)

	var ids []meshtypes.NodeID
	for i := 0; i < 10; i++ {
		id := mustID(t)
		ids = append(ids, id)
		tbl.AddOrUpdate(context.Background(), meshtypes.DHTNode{NodeID: id})
	}

	closest := tbl.Closest(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		d1 := meshtypes.Distance(closest[i-1].NodeID, target)
		d2 := meshtypes.Distance(closest[i].NodeID, target)
		assert.True(t, d1.Cmp(d2) <= 0)
	}
}

func TestLookupConverges(t *testing.T) {
	local := mustID(t)
	target := mustID(t)
	peerA := mustID(t)
	peerB := mustID(t)

	querier := &stubQuerier{responses: map[meshtypes.NodeID][]meshtypes.DHTNode{
		peerA: {{NodeID: peerB}},
		peerB: {{NodeID: peerA}},
	}}
	tbl := NewTable(local, querier, alwaysAlivePinger{}, nil)
	tbl.AddOrUpdate(context.Background(), meshtypes.DHTNode{NodeID: peerA})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := tbl.Lookup(ctx, target)
	assert.NotEmpty(t, result)
}

func TestRemove(t *testing.T) {
	local := mustID(t)
	tbl := NewTable(local, nil, nil, nil)
	n := meshtypes.DHTNode{NodeID: mustID(t)}
	tbl.AddOrUpdate(context.Background(), n)
	require.Equal(t, 1, tbl.Size())
	tbl.Remove(n.NodeID)
	assert.Equal(t, 0, tbl.Size())
}
