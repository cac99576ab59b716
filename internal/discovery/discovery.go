// Package discovery implements Peer Discovery (spec §4.3): DHT lookup,
// neighbor exchange (gossip), bootstrap, relay, and optional mDNS, plus
// path scoring and EWMA reliability tracking. Grounded on the teacher's
// kernel/core/mesh/gossip.go (bloom-filter dedup, seen-timestamp TTL
// cleanup) and mesh_coordinator.go's PeerCacheEntry QueryCount/
// SuccessRate bookkeeping, generalized to the discovery priority order
// and path-scoring formula spec.md specifies exactly.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hadronlabs/meshfabric/internal/events"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// AdvertisementTTL is how long an advertisement record remains valid.
const AdvertisementTTL = 5 * time.Minute

// dedupCapacity/dedupFalsePositive size the gossip dedup bloom filter.
const dedupCapacity = 50_000
const dedupFalsePositive = 0.001

// dedupSweepInterval is how often expired dedup fingerprints are swept,
// mirroring the teacher's seenTimestamps TTL cleanup loop.
const dedupSweepInterval = time.Minute

// pathReliabilityAlpha weights the EWMA update toward the newest
// outcome (spec §9 Open Question, decided in favor of 0.2 — a fast-but-
// stable response to changing path quality, matching the teacher's
// reputation EMA decay idiom).
const pathReliabilityAlpha = 0.2

// Announcer reaches a remote peer to exchange discovery payloads, the
// narrow collaborator substituting for a direct Peer Manager reference.
type Announcer interface {
	SendDiscovery(ctx context.Context, peer meshtypes.NodeID, req DiscoveryRequest) (DiscoveryResponse, error)
	Connect(ctx context.Context, peer meshtypes.NodeID) error
}

// DHTLookup resolves the closest known nodes to a target id.
type DHTLookup interface {
	Lookup(ctx context.Context, target meshtypes.NodeID) []meshtypes.DHTNode
	AddOrUpdate(ctx context.Context, node meshtypes.DHTNode)
}

// DiscoveryRequest is the neighbor-exchange wire payload (spec §6).
type DiscoveryRequest struct {
	RequesterID meshtypes.NodeID
	Capability  meshtypes.CapabilitySnapshot
}

// DiscoveryResponse lists the responder's known neighbors.
type DiscoveryResponse struct {
	ResponderID meshtypes.NodeID
	Neighbors   []meshtypes.PeerRecord
}

type advertisement struct {
	record    meshtypes.PeerRecord
	expiresAt time.Time
}

// Service runs Peer Discovery for one local node.
type Service struct {
	localID    meshtypes.NodeID
	dht        DHTLookup
	announcer  Announcer
	events     events.Sink
	logger     *slog.Logger
	useMDNS    bool
	bootstraps []meshtypes.NodeID

	mu             sync.Mutex
	advertisements map[meshtypes.NodeID]*advertisement
	paths          map[meshtypes.NodeID]meshtypes.RoutingPath

	dedupMu sync.Mutex
	dedup   *bloom.BloomFilter
	seenAt  map[[32]byte]time.Time

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Service at construction.
type Option func(*Service)

// WithMDNS enables local-network mDNS discovery as the lowest-priority
// fallback (spec §4.3 lists it optional, disabled by default).
func WithMDNS() Option { return func(s *Service) { s.useMDNS = true } }

// WithBootstraps seeds the bootstrap peer list.
func WithBootstraps(nodes []meshtypes.NodeID) Option {
	return func(s *Service) { s.bootstraps = nodes }
}

// New constructs a discovery Service.
func New(localID meshtypes.NodeID, dht DHTLookup, announcer Announcer, sink events.Sink, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	filter := bloom.NewWithEstimates(dedupCapacity, dedupFalsePositive)
	s := &Service{
		localID:        localID,
		dht:            dht,
		announcer:      announcer,
		events:         sink,
		logger:         logger.With("component", "discovery", "node_id", localID.String()[:8]),
		advertisements: make(map[meshtypes.NodeID]*advertisement),
		paths:          make(map[meshtypes.NodeID]meshtypes.RoutingPath),
		dedup:          filter,
		seenAt:         make(map[[32]byte]time.Time),
		shutdown:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins the dedup-sweep maintenance loop and dials every
// configured bootstrap node.
func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.sweepLoop(ctx)
	s.bootstrapConnect(ctx)
	return nil
}

// Stop halts maintenance loops.
func (s *Service) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}

// Discover attempts each enabled method in priority order — DHT lookup,
// neighbor exchange, bootstrap, relay, then optional mDNS — returning
// the union of newly learned peers (spec §4.3).
func (s *Service) Discover(ctx context.Context, target meshtypes.NodeID) []meshtypes.NodeID {
	seen := make(map[meshtypes.NodeID]struct{})
	var out []meshtypes.NodeID
	add := func(ids []meshtypes.NodeID) {
		for _, id := range ids {
			if id == s.localID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	if s.dht != nil {
		for _, n := range s.dht.Lookup(ctx, target) {
			add([]meshtypes.NodeID{n.NodeID})
		}
	}

	add(s.neighborExchange(ctx))
	add(s.bootstraps)
	add(s.relayDiscover(ctx))

	if s.useMDNS {
		add(s.mdnsDiscover(ctx))
	}

	if len(out) > 0 && s.events != nil {
		s.events.Emit(events.Event{
			Kind: events.PeersDiscovered,
			At:   time.Now(),
			Peers: &events.PeersDiscoveredEvent{
				NodeIDs: out,
				Method:  meshtypes.MethodDHT,
			},
		})
	}
	return out
}

// neighborExchange asks every peer with a live advertisement for its own
// neighbor list, deduping via the bloom filter before reporting gains.
func (s *Service) neighborExchange(ctx context.Context) []meshtypes.NodeID {
	if s.announcer == nil {
		return nil
	}
	var out []meshtypes.NodeID
	for _, peer := range s.activeAdvertisers() {
		resp, err := s.announcer.SendDiscovery(ctx, peer, DiscoveryRequest{RequesterID: s.localID})
		if err != nil {
			continue
		}
		for _, n := range resp.Neighbors {
			if s.markSeen(n.NodeID) {
				out = append(out, n.NodeID)
			}
		}
	}
	return out
}

// bootstrapConnect dials each configured bootstrap node.
func (s *Service) bootstrapConnect(ctx context.Context) {
	if s.announcer == nil {
		return
	}
	for _, b := range s.bootstraps {
		_ = s.announcer.Connect(ctx, b)
	}
}

// relayDiscover asks known advertisers to relay-introduce additional
// peers beyond their direct neighbors. Shares the neighbor-exchange
// transport; distinguished as its own priority step per spec §4.3.
func (s *Service) relayDiscover(ctx context.Context) []meshtypes.NodeID {
	if s.announcer == nil {
		return nil
	}
	var out []meshtypes.NodeID
	for _, peer := range s.activeAdvertisers() {
		resp, err := s.announcer.SendDiscovery(ctx, peer, DiscoveryRequest{RequesterID: s.localID})
		if err != nil {
			continue
		}
		for _, n := range resp.Neighbors {
			if s.markSeen(n.NodeID) {
				out = append(out, n.NodeID)
			}
		}
	}
	return out
}

// RequestCatalog asks a bridge peer to relay-introduce its full neighbor
// list, used by Resilience's partition healing to locate affected peers
// reachable through a still-connected bridge (spec §4.6 mechanism ii).
func (s *Service) RequestCatalog(ctx context.Context, bridge meshtypes.NodeID) ([]meshtypes.NodeID, error) {
	if s.announcer == nil {
		return nil, meshtypes.ErrTransportUnavailable
	}
	resp, err := s.announcer.SendDiscovery(ctx, bridge, DiscoveryRequest{RequesterID: s.localID})
	if err != nil {
		return nil, err
	}
	out := make([]meshtypes.NodeID, 0, len(resp.Neighbors))
	for _, n := range resp.Neighbors {
		out = append(out, n.NodeID)
	}
	return out, nil
}

// ForceDiscovery runs an immediate Discover round for the local id,
// bypassing the normal discovery timer, used by Resilience's partition
// healing as its last-resort mechanism (spec §4.6 mechanism iii).
func (s *Service) ForceDiscovery(ctx context.Context) []meshtypes.NodeID {
	return s.Discover(ctx, s.localID)
}

// mdnsDiscover is the optional local-network fallback. Left unimplemented
// pending a concrete LAN multicast collaborator; returns no results
// until one is wired, which is safe because it sits last in priority
// order and every caller treats an empty slice as "nothing new."
func (s *Service) mdnsDiscover(ctx context.Context) []meshtypes.NodeID {
	return nil
}

// AdvertiseSelf publishes the local capability snapshot to the DHT under
// the local id, valid for AdvertisementTTL.
func (s *Service) AdvertiseSelf(ctx context.Context, cap meshtypes.CapabilitySnapshot) {
	if s.dht != nil {
		s.dht.AddOrUpdate(ctx, meshtypes.DHTNode{NodeID: s.localID, Capability: cap, LastSeen: time.Now()})
	}
	s.mu.Lock()
	s.advertisements[s.localID] = &advertisement{
		record:    meshtypes.PeerRecord{NodeID: s.localID, Capability: cap, LastSeen: time.Now()},
		expiresAt: time.Now().Add(AdvertisementTTL),
	}
	s.mu.Unlock()
}

// RecordAdvertisement stores a remote peer's advertisement, observed via
// a discovery response or direct frame.
func (s *Service) RecordAdvertisement(record meshtypes.PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertisements[record.NodeID] = &advertisement{record: record, expiresAt: time.Now().Add(AdvertisementTTL)}
}

func (s *Service) activeAdvertisers() []meshtypes.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []meshtypes.NodeID
	for id, ad := range s.advertisements {
		if id == s.localID {
			continue
		}
		if now.After(ad.expiresAt) {
			delete(s.advertisements, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// Connect asks the announcer to establish a channel to peer.
func (s *Service) Connect(ctx context.Context, peer meshtypes.NodeID) error {
	if s.announcer == nil {
		return meshtypes.ErrTransportUnavailable
	}
	return s.announcer.Connect(ctx, peer)
}

// RecordPathOutcome updates the EWMA reliability estimate for a path
// after a use (spec §9 Open Question: EWMA left to the implementer;
// decided as newReliability = (1-alpha)*old + alpha*outcome, alpha=0.2).
func (s *Service) RecordPathOutcome(dest meshtypes.NodeID, latencyMS float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	path, ok := s.paths[dest]
	if !ok {
		path = meshtypes.RoutingPath{Destination: dest, Reliability: outcome}
	} else {
		path.Reliability = (1-pathReliabilityAlpha)*path.Reliability + pathReliabilityAlpha*outcome
	}
	path.LatencyMS = latencyMS
	path.LastUsed = time.Now()
	path.UsageCount++
	s.paths[dest] = path
}

// FindOptimalPath scores every known path to dest and returns the
// highest-scoring one, using the exact weighted formula from spec §4.3:
// 0.4*latency_score + 0.4*reliability + 0.1*freshness + 0.1*usage_bonus.
func (s *Service) FindOptimalPath(dest meshtypes.NodeID, candidates []meshtypes.RoutingPath) (meshtypes.RoutingPath, bool) {
	s.mu.Lock()
	if stored, ok := s.paths[dest]; ok {
		candidates = append(candidates, stored)
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return meshtypes.RoutingPath{}, false
	}

	now := time.Now()
	best := candidates[0]
	bestScore := scorePath(best, now)
	for _, c := range candidates[1:] {
		sc := scorePath(c, now)
		if sc > bestScore {
			best = c
			bestScore = sc
		}
	}
	return best, true
}

// scorePath implements the exact spec §4.3 path scoring formulas:
// latency_score = max(0,100-latency_ms)/100, freshness =
// max(0,1-age/24h), usage_bonus = min(0.2, count*0.01).
func scorePath(p meshtypes.RoutingPath, now time.Time) float64 {
	latencyScore := maxF(0, 100-p.LatencyMS) / 100.0

	// A never-used path (zero LastUsed) is older than 24h, so its
	// freshness is 0; time.Time.Sub saturates instead of overflowing.
	age := now.Sub(p.LastUsed)
	freshness := maxF(0, 1-float64(age)/float64(24*time.Hour))

	usageBonus := minF(0.2, float64(p.UsageCount)*0.01)

	return 0.4*latencyScore + 0.4*p.Reliability + 0.1*freshness + 0.1*usageBonus
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// markSeen reports whether fingerprint has not been seen before, adding
// it to the dedup filter and TTL table if so.
func (s *Service) markSeen(peer meshtypes.NodeID) bool {
	var fp [32]byte
	copy(fp[:20], peer[:])

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if s.dedup.Test(fp[:]) {
		return false
	}
	s.dedup.Add(fp[:])
	s.seenAt[fp] = time.Now()
	return true
}

// sweepLoop periodically rebuilds the bloom filter to drop entries older
// than AdvertisementTTL, mirroring the teacher's seenTimestamps cleanup.
func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(dedupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	cutoff := time.Now().Add(-AdvertisementTTL)
	rebuilt := bloom.NewWithEstimates(dedupCapacity, dedupFalsePositive)
	for fp, seenAt := range s.seenAt {
		if seenAt.Before(cutoff) {
			delete(s.seenAt, fp)
			continue
		}
		rebuilt.Add(fp[:])
	}
	s.dedup = rebuilt
}
