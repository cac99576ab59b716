// Package routing implements the 160-bit XOR-metric Kademlia routing
// table and iterative lookup (spec §4.2), grounded on the teacher's
// kernel/core/mesh/routing/dht.go: fixed-width bucket list, LRU-ping
// eviction policy, alpha-bounded concurrent lookup rounds. Generalized
// from the teacher's common.Transport RPC surface (FindNode/FindValue/
// Ping) to narrow Querier/Pinger collaborators so routing never reaches
// back into the Peer Manager directly.
package routing

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// K is the bucket capacity (Kademlia's k parameter).
const K = 20

// Alpha bounds lookup concurrency.
const Alpha = 3

// NumBuckets is the id width in bits.
const NumBuckets = meshtypes.NodeIDSize * 8

// RefreshTickerInterval is how often the bucket-refresh loop wakes to
// check for stale buckets (spec §5: bucket refresh timer fires every
// 60s).
const RefreshTickerInterval = 60 * time.Second

// StalenessThreshold is how long a bucket's most-recently-seen contact
// may go untouched before the bucket is considered stale and refreshed.
const StalenessThreshold = 5 * time.Minute

// Querier asks a remote peer for the nodes closest to a target, the
// narrow command-channel substitute for a direct dependency on the Peer
// Manager (spec §9 Design Note on back-references).
type Querier interface {
	FindNode(ctx context.Context, peer meshtypes.NodeID, target meshtypes.NodeID) ([]meshtypes.DHTNode, error)
}

// Pinger liveness-checks a peer before evicting it in favor of a newer
// contact, mirroring the teacher's AddPeer LRU-ping-then-evict policy.
type Pinger interface {
	Ping(ctx context.Context, peer meshtypes.NodeID) error
}

type bucket struct {
	mu    sync.Mutex
	nodes *list.List // front = most recently seen
}

func newBucket() *bucket { return &bucket{nodes: list.New()} }

// Table is the Kademlia routing table for one local node.
type Table struct {
	local   meshtypes.NodeID
	buckets [NumBuckets]*bucket
	querier Querier
	pinger  Pinger
	logger  *slog.Logger
}

// NewTable constructs an empty routing table for localID.
func NewTable(localID meshtypes.NodeID, querier Querier, pinger Pinger, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		local:   localID,
		querier: querier,
		pinger:  pinger,
		logger:  logger.With("component", "routing", "node_id", localID.String()[:8]),
	}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

// AddOrUpdate inserts or refreshes a node. The local node is never
// inserted into its own table (spec §3 data model invariant). If the
// node's bucket is full, the least-recently-seen contact is pinged; a
// failed ping evicts it in favor of node, otherwise node is dropped and
// the incumbent is moved to the front.
func (t *Table) AddOrUpdate(ctx context.Context, node meshtypes.DHTNode) {
	if node.NodeID == t.local {
		return
	}
	idx := meshtypes.BucketIndex(t.local, node.NodeID)
	b := t.buckets[idx]

	b.mu.Lock()
	for e := b.nodes.Front(); e != nil; e = e.Next() {
		existing := e.Value.(meshtypes.DHTNode)
		if existing.NodeID == node.NodeID {
			b.nodes.Remove(e)
			node.LastSeen = time.Now()
			b.nodes.PushFront(node)
			b.mu.Unlock()
			return
		}
	}

	if b.nodes.Len() < K {
		node.LastSeen = time.Now()
		b.nodes.PushFront(node)
		b.mu.Unlock()
		return
	}

	// Bucket full: capture the LRU contact and release the lock before
	// pinging, since Ping may block on network I/O.
	lru := b.nodes.Back()
	lruNode := lru.Value.(meshtypes.DHTNode)
	b.mu.Unlock()

	if t.pinger == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := t.pinger.Ping(pingCtx, lruNode.NodeID)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		// LRU contact is unreachable: evict it for the new node.
		b.nodes.Remove(lru)
		node.LastSeen = time.Now()
		b.nodes.PushFront(node)
		t.logger.Debug("evicted unreachable contact", "evicted", lruNode.NodeID.String()[:8], "added", node.NodeID.String()[:8])
		return
	}
	// LRU contact answered: keep it, move to front, drop the new node.
	b.nodes.Remove(lru)
	lruNode.LastSeen = time.Now()
	b.nodes.PushFront(lruNode)
}

// Remove drops a node from the table, e.g. on Peer Manager disconnect.
func (t *Table) Remove(id meshtypes.NodeID) {
	idx := meshtypes.BucketIndex(t.local, id)
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.nodes.Front(); e != nil; e = e.Next() {
		if e.Value.(meshtypes.DHTNode).NodeID == id {
			b.nodes.Remove(e)
			return
		}
	}
}

// Closest returns up to n nodes ordered by ascending XOR distance to
// target, drawn from every bucket (not just target's own bucket).
func (t *Table) Closest(target meshtypes.NodeID, n int) []meshtypes.DHTNode {
	var all []meshtypes.DHTNode
	for _, b := range t.buckets {
		b.mu.Lock()
		for e := b.nodes.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(meshtypes.DHTNode))
		}
		b.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		return meshtypes.Distance(all[i].NodeID, target).Cmp(meshtypes.Distance(all[j].NodeID, target)) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the total number of known contacts across all buckets.
func (t *Table) Size() int {
	total := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		total += b.nodes.Len()
		b.mu.Unlock()
	}
	return total
}

// Lookup performs the iterative alpha-bounded Kademlia node lookup for
// target, converging when a round yields no closer node than the best
// already seen. Grounded on the teacher's iterativeFindNode/lookupChunk.
func (t *Table) Lookup(ctx context.Context, target meshtypes.NodeID) []meshtypes.DHTNode {
	type candidate struct {
		node    meshtypes.DHTNode
		queried bool
	}

	seen := make(map[meshtypes.NodeID]*candidate)
	var order []meshtypes.NodeID
	for _, n := range t.Closest(target, K) {
		seen[n.NodeID] = &candidate{node: n}
		order = append(order, n.NodeID)
	}

	closestDistance := func() (meshtypes.NodeID, bool) {
		var best meshtypes.NodeID
		var found bool
		for _, id := range order {
			if !found || meshtypes.Distance(id, target).Cmp(meshtypes.Distance(best, target)) < 0 {
				best = id
				found = true
			}
		}
		return best, found
	}

	for {
		prevBest, hadBest := closestDistance()

		var toQuery []meshtypes.NodeID
		for _, id := range order {
			if !seen[id].queried {
				toQuery = append(toQuery, id)
			}
			if len(toQuery) >= Alpha {
				break
			}
		}
		if len(toQuery) == 0 || t.querier == nil {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, id := range toQuery {
			id := id
			seen[id].queried = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				results, err := t.querier.FindNode(ctx, id, target)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, r := range results {
					if r.NodeID == t.local {
						continue
					}
					if _, ok := seen[r.NodeID]; !ok {
						seen[r.NodeID] = &candidate{node: r}
						order = append(order, r.NodeID)
					}
				}
			}()
		}
		wg.Wait()

		sort.Slice(order, func(i, j int) bool {
			return meshtypes.Distance(order[i], target).Cmp(meshtypes.Distance(order[j], target)) < 0
		})

		newBest, hasBest := closestDistance()
		if hadBest && hasBest && newBest == prevBest {
			// Converged: no closer node discovered this round.
			break
		}
		select {
		case <-ctx.Done():
			goto done
		default:
		}
	}
done:

	out := make([]meshtypes.DHTNode, 0, K)
	for _, id := range order {
		out = append(out, seen[id].node)
		if len(out) >= K {
			break
		}
	}
	return out
}

// Refresh triggers a lookup for a random id in every bucket that has not
// been touched within StalenessThreshold, keeping distant buckets
// populated. Called every RefreshTickerInterval.
func (t *Table) Refresh(ctx context.Context) {
	now := time.Now()
	for i, b := range t.buckets {
		b.mu.Lock()
		stale := b.nodes.Len() == 0
		if front := b.nodes.Front(); front != nil {
			stale = now.Sub(front.Value.(meshtypes.DHTNode).LastSeen) > StalenessThreshold
		}
		b.mu.Unlock()
		if !stale {
			continue
		}
		target, err := randomIDInBucket(t.local, i)
		if err != nil {
			continue
		}
		t.Lookup(ctx, target)
	}
}

// Known returns the node id of every contact currently held across all
// buckets, used by Resilience to determine which known peers are
// disconnected during partition detection.
func (t *Table) Known() []meshtypes.NodeID {
	var out []meshtypes.NodeID
	for _, b := range t.buckets {
		b.mu.Lock()
		for e := b.nodes.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(meshtypes.DHTNode).NodeID)
		}
		b.mu.Unlock()
	}
	return out
}

// randomIDInBucket produces a random id whose distance from local falls
// in bucket i, by flipping bit i (counting from the least-significant
// bit of the big-endian id, matching BucketIndex/Distance's
// big.Int.SetBytes interpretation) and randomizing all lower bits.
func randomIDInBucket(local meshtypes.NodeID, i int) (meshtypes.NodeID, error) {
	id, err := meshtypes.NewNodeID()
	if err != nil {
		return meshtypes.NodeID{}, err
	}
	byteIdx := meshtypes.NodeIDSize - 1 - i/8
	bitIdx := uint(i % 8)
	// Set bit i to the opposite of local's bit i, ensuring the XOR
	// distance's highest set bit is exactly i.
	localBit := (local[byteIdx] >> bitIdx) & 1
	if localBit == 1 {
		id[byteIdx] &^= 1 << bitIdx
	} else {
		id[byteIdx] |= 1 << bitIdx
	}
	for b := 0; b < byteIdx; b++ {
		id[b] = local[b]
	}
	// The bits above bit i in the same byte must match local too.
	high := byte(0xFF) << (bitIdx + 1)
	id[byteIdx] = id[byteIdx]&^high | local[byteIdx]&high
	return id, nil
}
