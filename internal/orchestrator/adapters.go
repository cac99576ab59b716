package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/hadronlabs/meshfabric/internal/discovery"
	"github.com/hadronlabs/meshfabric/internal/dispatch"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/peer"
	"github.com/hadronlabs/meshfabric/internal/routing"
	"github.com/hadronlabs/meshfabric/internal/verification"
)

// This file adapts the Peer Manager and Routing table to the narrow
// collaborator interfaces Routing, Discovery, Dispatch, Verification,
// and Resilience each declare, so none of those packages references
// the others' concrete types (spec §9 Design Note on back-references).

// routingQuerier implements routing.Querier over the Peer Manager's
// request/response RPC primitive.
type routingQuerier struct {
	peers *peer.Manager
}

func (q *routingQuerier) FindNode(ctx context.Context, peer meshtypes.NodeID, target meshtypes.NodeID) ([]meshtypes.DHTNode, error) {
	payload, err := meshtypes.CanonicalEncode(target)
	if err != nil {
		return nil, err
	}
	resp, err := q.peers.Request(ctx, peer, meshtypes.Frame{Kind: meshtypes.FrameFindNode, Payload: payload})
	if err != nil {
		return nil, err
	}
	var nodes []meshtypes.DHTNode
	if err := json.Unmarshal(resp.Payload, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// routingPinger implements routing.Pinger over the Peer Manager's
// liveness ping.
type routingPinger struct {
	peers *peer.Manager
}

func (p *routingPinger) Ping(ctx context.Context, target meshtypes.NodeID) error {
	_, err := p.peers.Request(ctx, target, meshtypes.Frame{Kind: meshtypes.FramePing})
	return err
}

// dhtAdapter implements discovery.DHTLookup over a routing.Table.
type dhtAdapter struct {
	table *routing.Table
}

func (d *dhtAdapter) Lookup(ctx context.Context, target meshtypes.NodeID) []meshtypes.DHTNode {
	return d.table.Lookup(ctx, target)
}

func (d *dhtAdapter) AddOrUpdate(ctx context.Context, node meshtypes.DHTNode) {
	d.table.AddOrUpdate(ctx, node)
}

// announcerAdapter implements discovery.Announcer over the Peer Manager.
type announcerAdapter struct {
	peers *peer.Manager
}

func (a *announcerAdapter) SendDiscovery(ctx context.Context, target meshtypes.NodeID, req discovery.DiscoveryRequest) (discovery.DiscoveryResponse, error) {
	payload, err := meshtypes.CanonicalEncode(req)
	if err != nil {
		return discovery.DiscoveryResponse{}, err
	}
	resp, err := a.peers.Request(ctx, target, meshtypes.Frame{Kind: meshtypes.FramePeerDiscovery, Payload: payload})
	if err != nil {
		return discovery.DiscoveryResponse{}, err
	}
	var out discovery.DiscoveryResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return discovery.DiscoveryResponse{}, err
	}
	return out, nil
}

func (a *announcerAdapter) Connect(ctx context.Context, target meshtypes.NodeID) error {
	info, ok := a.peers.PeerInfo(target)
	if !ok {
		return meshtypes.ErrTransportUnavailable
	}
	_ = info
	// Endpoint resolution (NodeId -> transport.Endpoint) is a deployment
	// concern owned by whatever advertised this peer; the Peer Manager's
	// Connect requires one explicitly, so discovery's bare-id Connect is
	// a no-op here until an endpoint-resolving collaborator is wired in
	// by the embedding application.
	return nil
}

// candidateAdapter implements dispatch.CandidateSource over the Peer
// Manager's connected-peer list.
type candidateAdapter struct {
	peers *peer.Manager
	rep   *verification.Service
}

func (c *candidateAdapter) Candidates(ctx context.Context) []dispatch.Candidate {
	connected := c.peers.ConnectedPeers()
	out := make([]dispatch.Candidate, 0, len(connected))
	for _, p := range connected {
		rep := p.Reputation
		if c.rep != nil {
			rep = c.rep.Reputation(p.NodeID).Score
		}
		out = append(out, dispatch.Candidate{
			PeerID:     p.NodeID,
			Capability: p.Capability,
			Reputation: rep,
			LatencyMS:  p.LatencyMS,
		})
	}
	return out
}

// notifierAdapter implements dispatch.Notifier over the Peer Manager.
type notifierAdapter struct {
	peers *peer.Manager
}

func (n *notifierAdapter) NotifyAssignment(ctx context.Context, peer meshtypes.NodeID, assignment meshtypes.TaskAssignment, req meshtypes.TaskRequest, isBackup bool) error {
	payload, err := meshtypes.CanonicalEncode(struct {
		Assignment meshtypes.TaskAssignment
		Request    meshtypes.TaskRequest
		IsBackup   bool
	}{assignment, req, isBackup})
	if err != nil {
		return err
	}
	_, err = n.peers.Send(ctx, peer, meshtypes.Frame{Kind: meshtypes.FrameTaskRequest, Payload: payload})
	return err
}

// verifierSourceAdapter implements verification.VerifierCandidateSource
// over the Peer Manager's connected-peer list (spec §4.5: "all
// connected peers except the executor").
type verifierSourceAdapter struct {
	peers *peer.Manager
}

func (v *verifierSourceAdapter) VerifierCandidates(ctx context.Context, exclude meshtypes.NodeID) []meshtypes.DHTNode {
	connected := v.peers.ConnectedPeers()
	out := make([]meshtypes.DHTNode, 0, len(connected))
	for _, p := range connected {
		if p.NodeID == exclude {
			continue
		}
		out = append(out, meshtypes.DHTNode{
			NodeID:     p.NodeID,
			LastSeen:   p.LastSeen,
			Capability: p.Capability,
			Reputation: p.Reputation,
			LatencyMS:  p.LatencyMS,
		})
	}
	return out
}

// verifyRequesterAdapter implements verification.VerifyRequester over
// the Peer Manager.
type verifyRequesterAdapter struct {
	peers *peer.Manager
}

func (v *verifyRequesterAdapter) RequestVerification(ctx context.Context, verifier meshtypes.NodeID, req meshtypes.VerificationRequest) error {
	payload, err := meshtypes.CanonicalEncode(req)
	if err != nil {
		return err
	}
	_, err = v.peers.Send(ctx, verifier, meshtypes.Frame{Kind: meshtypes.FrameVerificationRequest, Payload: payload})
	return err
}

// networkViewAdapter implements resilience.NetworkView over the Peer
// Manager and Routing table.
type networkViewAdapter struct {
	peers   *peer.Manager
	routing *routing.Table
}

func (n *networkViewAdapter) ConnectedCount() int { return len(n.peers.ConnectedPeers()) }

func (n *networkViewAdapter) KnownCount() int {
	known := n.routing.Size()
	if all := len(n.peers.AllPeers()); all > known {
		return all
	}
	return known
}

func (n *networkViewAdapter) AverageLatencyMS() float64 {
	connected := n.peers.ConnectedPeers()
	if len(connected) == 0 {
		return 0
	}
	var sum float64
	for _, p := range connected {
		sum += p.LatencyMS
	}
	return sum / float64(len(connected))
}

func (n *networkViewAdapter) RecentThroughputScore() float64 {
	// Throughput telemetry is owned by the transport layer (spec non-goal
	// for this package); report a neutral default until a concrete
	// transport-level counter is wired in.
	return 1.0
}

func (n *networkViewAdapter) RecentReliabilityScore() float64 {
	connected := n.peers.ConnectedPeers()
	if len(connected) == 0 {
		return 1.0
	}
	var sum float64
	for _, p := range connected {
		sum += p.Reputation
	}
	return sum / float64(len(connected))
}

// DisconnectedKnownPeers returns every peer known to Routing or the Peer
// Manager that is not currently connected — the affected set a detected
// partition must heal (spec §4.6).
func (n *networkViewAdapter) DisconnectedKnownPeers() []meshtypes.NodeID {
	connected := make(map[meshtypes.NodeID]bool)
	for _, p := range n.peers.ConnectedPeers() {
		connected[p.NodeID] = true
	}

	known := make(map[meshtypes.NodeID]bool)
	for _, id := range n.routing.Known() {
		known[id] = true
	}
	for _, p := range n.peers.AllPeers() {
		known[p.NodeID] = true
	}

	out := make([]meshtypes.NodeID, 0, len(known))
	for id := range known {
		if !connected[id] {
			out = append(out, id)
		}
	}
	return out
}
