// Package libp2ptransport adapts a libp2p host into the mesh's
// transport.Transport primitive, grounded on the teacher's
// internal/network/mesh.go (StartNodeWithStreams/SendPacket). libp2p
// supplies peer identity, stream multiplexing, and NAT traversal as a
// black box, which is exactly the non-goal carve-out in spec §1
// ("implementing transport-level NAT traversal details ... treated as
// a connection primitive provided by an external transport").
package libp2ptransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/transport"
)

// ProtocolID is the libp2p stream protocol carrying mesh frames.
const ProtocolID = "/meshfabric/frame/1.0.0"

// maxFrameBytes bounds a single length-prefixed frame read.
const maxFrameBytes = 16 << 20

// Transport is a libp2p-backed transport.Transport.
type Transport struct {
	host    libp2phost.Host
	localID meshtypes.NodeID
	handler transport.FrameHandler
	logger  *slog.Logger

	mu       sync.RWMutex
	peerIDs  map[meshtypes.NodeID]libp2ppeer.ID
	streams  map[meshtypes.NodeID]network.Stream
	writeMus map[meshtypes.NodeID]*sync.Mutex
}

// New constructs a libp2p host and wraps it as a Transport. Passing a
// nil priv generates a fresh Ed25519 identity, mirroring the teacher's
// crypto.GenerateEd25519Key(nil) fallback when no persisted identity
// exists.
func New(priv crypto.PrivKey, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []libp2p.Option{}
	if priv != nil {
		opts = append(opts, libp2p.Identity(priv))
	}
	host, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	localID := meshtypes.NodeIDFromBytes([]byte(host.ID()))

	t := &Transport{
		host:     host,
		localID:  localID,
		logger:   logger.With("component", "libp2ptransport", "node_id", localID.String()[:8]),
		peerIDs:  make(map[meshtypes.NodeID]libp2ppeer.ID),
		streams:  make(map[meshtypes.NodeID]network.Stream),
		writeMus: make(map[meshtypes.NodeID]*sync.Mutex),
	}
	return t, nil
}

// Host exposes the underlying libp2p host for advanced callers (e.g.
// Peer Discovery's bootstrap connect, which needs host.Connect).
func (t *Transport) Host() libp2phost.Host { return t.host }

func (t *Transport) LocalID() meshtypes.NodeID { return t.localID }

func (t *Transport) OnFrame(h transport.FrameHandler) { t.handler = h }

// Start registers the stream handler and begins accepting inbound
// streams.
func (t *Transport) Start(ctx context.Context) error {
	t.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		t.acceptStream(s)
	})
	t.logger.Info("libp2p transport started", "addrs", t.host.Addrs())
	return nil
}

// Stop closes every open stream and the host itself.
func (t *Transport) Stop() error {
	t.mu.Lock()
	for id, s := range t.streams {
		_ = s.Close()
		delete(t.streams, id)
	}
	t.mu.Unlock()
	return t.host.Close()
}

// Dial parses endpoint as a libp2p multiaddr (including the /p2p/<id>
// suffix), connects, and opens the frame protocol stream.
func (t *Transport) Dial(ctx context.Context, peer meshtypes.NodeID, endpoint transport.Endpoint) error {
	maddr, err := ma.NewMultiaddr(string(endpoint))
	if err != nil {
		return fmt.Errorf("%w: parse multiaddr: %v", meshtypes.ErrTransportUnavailable, err)
	}
	info, err := libp2ppeer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("%w: addr info: %v", meshtypes.ErrTransportUnavailable, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("%w: connect: %v", meshtypes.ErrTransportUnavailable, err)
	}
	stream, err := t.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return fmt.Errorf("%w: new stream: %v", meshtypes.ErrTransportUnavailable, err)
	}

	t.mu.Lock()
	t.peerIDs[peer] = info.ID
	t.streams[peer] = stream
	t.writeMus[peer] = &sync.Mutex{}
	t.mu.Unlock()

	go t.readLoop(peer, stream)
	return nil
}

// Send writes a length-prefixed JSON-encoded frame on peer's stream.
func (t *Transport) Send(ctx context.Context, peer meshtypes.NodeID, frame meshtypes.Frame) error {
	t.mu.RLock()
	stream, ok := t.streams[peer]
	wmu := t.writeMus[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no open stream to peer", meshtypes.ErrTransportUnavailable)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	wmu.Lock()
	defer wmu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: %v", meshtypes.ErrTransportUnavailable, err)
	}
	if _, err := stream.Write(data); err != nil {
		return fmt.Errorf("%w: %v", meshtypes.ErrTransportUnavailable, err)
	}
	return nil
}

// CloseStream closes and forgets the stream to peer, if any.
func (t *Transport) CloseStream(peer meshtypes.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[peer]; ok {
		delete(t.streams, peer)
		delete(t.peerIDs, peer)
		delete(t.writeMus, peer)
		return s.Close()
	}
	return nil
}

func (t *Transport) acceptStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	nodeID := meshtypes.NodeIDFromBytes([]byte(remote))

	t.mu.Lock()
	t.peerIDs[nodeID] = remote
	t.streams[nodeID] = s
	if _, ok := t.writeMus[nodeID]; !ok {
		t.writeMus[nodeID] = &sync.Mutex{}
	}
	t.mu.Unlock()

	t.readLoop(nodeID, s)
}

func (t *Transport) readLoop(peer meshtypes.NodeID, s network.Stream) {
	r := bufio.NewReader(s)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			t.logger.Debug("stream closed", "peer", peer.String()[:8], "error", err)
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameBytes {
			t.logger.Warn("dropping oversized frame", "peer", peer.String()[:8], "bytes", n)
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		var frame meshtypes.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Parse errors on inbound frames are dropped, never propagated (spec §4.1).
			continue
		}
		if t.handler != nil {
			t.handler(frame)
		}
	}
}
