// Package webrtctransport is the fallback transport.Transport for
// peers a direct libp2p dial cannot reach (symmetric NATs, browser
// origins). It is grounded on the teacher's
// kernel/core/mesh/transport/transport_native.go WebRTCTransport: a
// pion/webrtc data channel per peer, with a WebSocket signaling
// fallback used to exchange the SDP offer and answer out of band.
package webrtctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/transport"
)

// Config mirrors the teacher's WebRTCTransport config fields.
type Config struct {
	ConnectionTimeout time.Duration
	MaxMessageSize    int
	ICEServers        []webrtc.ICEServer
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 10 * time.Second,
		MaxMessageSize:    1 << 20,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// SignalingClient exchanges SDP offers and answers with
// a remote peer via an external signaling server, reached over a
// WebSocket connection (the teacher's connectViaWebSocket fallback
// path). Endpoint resolution (peer id -> signaling URL) is supplied by
// the caller, since it is a deployment concern outside this system's
// scope.
type SignalingClient interface {
	Dial(ctx context.Context, endpoint transport.Endpoint) (*websocket.Conn, error)
}

// Transport is a pion/webrtc-backed transport.Transport.
type Transport struct {
	localID  meshtypes.NodeID
	config   Config
	signal   SignalingClient
	handler  transport.FrameHandler
	logger   *slog.Logger

	mu       sync.RWMutex
	peerConn map[meshtypes.NodeID]*webrtc.PeerConnection
	channel  map[meshtypes.NodeID]*webrtc.DataChannel
}

// New constructs a WebRTC transport for the given local id.
func New(localID meshtypes.NodeID, signal SignalingClient, config Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		localID:  localID,
		config:   config,
		signal:   signal,
		logger:   logger.With("component", "webrtctransport", "node_id", localID.String()[:8]),
		peerConn: make(map[meshtypes.NodeID]*webrtc.PeerConnection),
		channel:  make(map[meshtypes.NodeID]*webrtc.DataChannel),
	}
}

func (t *Transport) LocalID() meshtypes.NodeID { return t.localID }

func (t *Transport) OnFrame(h transport.FrameHandler) { t.handler = h }

// Start is a no-op for WebRTC: each peer connection is negotiated
// lazily on Dial.
func (t *Transport) Start(ctx context.Context) error {
	t.logger.Info("webrtc transport started")
	return nil
}

// Stop closes every open peer connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, pc := range t.peerConn {
		_ = pc.Close()
		delete(t.peerConn, id)
		delete(t.channel, id)
	}
	return nil
}

// Dial negotiates a WebRTC peer connection to the given peer, signaling
// the offer/answer exchange through endpoint's WebSocket server.
func (t *Transport) Dial(ctx context.Context, peer meshtypes.NodeID, endpoint transport.Endpoint) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.config.ICEServers})
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %v", meshtypes.ErrTransportUnavailable, err)
	}

	dc, err := pc.CreateDataChannel(fmt.Sprintf("mesh-%s", peer.String()[:8]), nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("%w: create data channel: %v", meshtypes.ErrTransportUnavailable, err)
	}

	ready := make(chan struct{})
	dc.OnOpen(func() { close(ready) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.handleMessage(msg.Data)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("%w: create offer: %v", meshtypes.ErrTransportUnavailable, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("%w: set local description: %v", meshtypes.ErrTransportUnavailable, err)
	}

	if err := t.exchangeSignaling(ctx, peer, endpoint, pc, offer); err != nil {
		_ = pc.Close()
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectionTimeout)
	defer cancel()
	select {
	case <-ready:
	case <-dialCtx.Done():
		_ = pc.Close()
		return fmt.Errorf("%w: data channel handshake timed out", meshtypes.ErrTransportUnavailable)
	}

	t.mu.Lock()
	t.peerConn[peer] = pc
	t.channel[peer] = dc
	t.mu.Unlock()
	return nil
}

// exchangeSignaling performs the offer/answer round trip (no separate
// ICE-candidate messages) over the signaling WebSocket, mirroring the teacher's
// connectViaWebSocket dial pattern.
func (t *Transport) exchangeSignaling(ctx context.Context, peer meshtypes.NodeID, endpoint transport.Endpoint, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) error {
	if t.signal == nil {
		return fmt.Errorf("%w: no signaling client configured", meshtypes.ErrTransportUnavailable)
	}
	conn, err := t.signal.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("%w: signaling dial: %v", meshtypes.ErrTransportUnavailable, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(signalMessage{Type: "offer", SDP: offer}); err != nil {
		return fmt.Errorf("%w: send offer: %v", meshtypes.ErrTransportUnavailable, err)
	}

	var answerMsg signalMessage
	if err := conn.ReadJSON(&answerMsg); err != nil {
		return fmt.Errorf("%w: read answer: %v", meshtypes.ErrTransportUnavailable, err)
	}
	if err := pc.SetRemoteDescription(answerMsg.SDP); err != nil {
		return fmt.Errorf("%w: set remote description: %v", meshtypes.ErrTransportUnavailable, err)
	}
	return nil
}

type signalMessage struct {
	Type string                     `json:"type"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// Send writes a frame on peer's data channel.
func (t *Transport) Send(ctx context.Context, peer meshtypes.NodeID, frame meshtypes.Frame) error {
	t.mu.RLock()
	dc, ok := t.channel[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no open data channel to peer", meshtypes.ErrTransportUnavailable)
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(frame); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := dc.Send(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", meshtypes.ErrTransportUnavailable, err)
	}
	return nil
}

// CloseStream closes peer's connection and data channel.
func (t *Transport) CloseStream(peer meshtypes.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.peerConn[peer]; ok {
		delete(t.peerConn, peer)
		delete(t.channel, peer)
		return pc.Close()
	}
	return nil
}

func (t *Transport) handleMessage(data []byte) {
	var frame meshtypes.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if t.handler != nil {
		t.handler(frame)
	}
}
