// Package transport defines the bidirectional ordered message-stream
// primitive the Peer Manager builds on (spec §2 component 1, "external
// ... provided by an external transport"). Two concrete implementations
// are supplied: a libp2p-backed transport (package libp2ptransport) for
// native peers, and a WebRTC/WebSocket-backed transport (package
// webrtctransport) for browser-originated or heavily-NATed peers. Both
// satisfy this interface so the Peer Manager never depends on either
// concretely.
package transport

import (
	"context"
	"time"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// FrameHandler receives inbound frames as they arrive off any open
// stream. The libp2p and WebRTC transports call it synchronously on the
// receiving stream's read path, so a slow handler delays later frames
// on that stream.
type FrameHandler func(meshtypes.Frame)

// HandlerTimeout is a bound on FrameHandler delivery for transports that
// enforce one; neither bundled transport applies it.
const HandlerTimeout = 2 * time.Second

// Endpoint is an opaque, transport-specific address for a peer (a
// multiaddr for libp2p, a signaling URL for WebRTC).
type Endpoint string

// Transport is the primitive the Peer Manager depends on: open an
// ordered stream to a peer, send frames on it, and receive inbound
// frames via a registered handler. NAT traversal, encryption, and
// stream multiplexing are entirely the transport's concern (spec §1
// non-goal).
type Transport interface {
	// Start brings the transport up (listening, signaling, etc).
	Start(ctx context.Context) error
	// Stop tears the transport down, closing all open streams.
	Stop() error
	// LocalID returns this process's NodeId as seen by the transport.
	LocalID() meshtypes.NodeID
	// Dial opens (or reuses) an ordered stream to peer at endpoint.
	Dial(ctx context.Context, peer meshtypes.NodeID, endpoint Endpoint) error
	// Send writes a single frame on the peer's open stream. Returns an
	// error if no stream is open. The libp2p transport sets no write
	// deadline, so a stalled stream can block Send.
	Send(ctx context.Context, peer meshtypes.NodeID, frame meshtypes.Frame) error
	// CloseStream closes the open stream to peer, if any.
	CloseStream(peer meshtypes.NodeID) error
	// OnFrame registers the single handler invoked for every inbound
	// frame from any peer. Must be called before Start.
	OnFrame(handler FrameHandler)
}
