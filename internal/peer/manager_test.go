package peer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/transport"
)

type fakeTransport struct {
	localID meshtypes.NodeID
	handler transport.FrameHandler

	mu       sync.Mutex
	dialErr  error
	sent     []meshtypes.Frame
	sendErr  error
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop() error                     { return nil }
func (f *fakeTransport) LocalID() meshtypes.NodeID        { return f.localID }

func (f *fakeTransport) Dial(ctx context.Context, peer meshtypes.NodeID, endpoint transport.Endpoint) error {
	return f.dialErr
}

func (f *fakeTransport) Send(ctx context.Context, peer meshtypes.NodeID, frame meshtypes.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) CloseStream(peer meshtypes.NodeID) error { return nil }
func (f *fakeTransport) OnFrame(h transport.FrameHandler)        { f.handler = h }

func (f *fakeTransport) deliver(frame meshtypes.Frame) {
	f.handler(frame)
}

type stubTelemetry struct {
	snap meshtypes.CapabilitySnapshot
	err  error
}

func (s stubTelemetry) LocalCapabilities(ctx context.Context) (meshtypes.CapabilitySnapshot, error) {
	return s.snap, s.err
}

func mustID(t *testing.T) meshtypes.NodeID {
	t.Helper()
	id, err := meshtypes.NewNodeID()
	require.NoError(t, err)
	return id
}

func TestConnectSucceedsAndMarksConnected(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)

	require.NoError(t, m.Connect(context.Background(), peerID, "addr"))

	info, ok := m.PeerInfo(peerID)
	require.True(t, ok)
	assert.Equal(t, meshtypes.StatusConnected, info.Status)
}

func TestConnectExhaustsRetriesAfterThreeFailures(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local, dialErr: errors.New("unreachable")}
	m := New(tr, stubTelemetry{}, nil, nil)

	var lastErr error
	for i := 0; i < maxConnectAttempts; i++ {
		lastErr = m.Connect(context.Background(), peerID, "addr")
	}

	assert.ErrorIs(t, lastErr, meshtypes.ErrConnectAttemptsExhausted)
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)

	ok, err := m.Send(context.Background(), peerID, meshtypes.Frame{Kind: meshtypes.FramePing})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendSucceedsAfterConnect(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)
	require.NoError(t, m.Connect(context.Background(), peerID, "addr"))

	ok, err := m.Send(context.Background(), peerID, meshtypes.Frame{Kind: meshtypes.FrameTaskRequest})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, tr.sent, 1)
}

func TestHandleInboundPingRepliesWithPong(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)
	require.NoError(t, m.Connect(context.Background(), peerID, "addr"))

	tr.deliver(meshtypes.Frame{Kind: meshtypes.FramePing, From: peerID})

	require.Len(t, tr.sent, 1)
	assert.Equal(t, meshtypes.FramePong, tr.sent[0].Kind)
}

func TestRegisteredHandlerReceivesMatchingKind(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)

	var got meshtypes.Frame
	received := make(chan struct{}, 1)
	m.RegisterFrameHandler(meshtypes.FrameTaskRequest, func(f meshtypes.Frame) {
		got = f
		received <- struct{}{}
	})

	tr.deliver(meshtypes.Frame{Kind: meshtypes.FrameTaskRequest, From: peerID, FrameID: 42})

	<-received
	assert.Equal(t, meshtypes.FrameID(42), got.FrameID)
}

func TestRequestCorrelatesResponseByFrameID(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)
	require.NoError(t, m.Connect(context.Background(), peerID, "addr"))

	go func() {
		for {
			tr.mu.Lock()
			n := len(tr.sent)
			tr.mu.Unlock()
			if n > 0 {
				tr.mu.Lock()
				sentID := tr.sent[0].FrameID
				tr.mu.Unlock()
				tr.deliver(meshtypes.Frame{Kind: meshtypes.FrameFindNodeResponse, From: peerID, FrameID: sentID, Payload: []byte("null")})
				return
			}
		}
	}()

	resp, err := m.Request(context.Background(), peerID, meshtypes.Frame{Kind: meshtypes.FrameFindNode})
	require.NoError(t, err)
	assert.Equal(t, meshtypes.FrameFindNodeResponse, resp.Kind)
}

func TestRequestFailsWhenPeerUnknown(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)

	_, err := m.Request(context.Background(), peerID, meshtypes.Frame{Kind: meshtypes.FrameFindNode})
	assert.ErrorIs(t, err, meshtypes.ErrTransportUnavailable)
}

func TestLocalCapabilitiesWrapsTelemetryError(t *testing.T) {
	local := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{err: errors.New("sensor down")}, nil, nil)

	_, err := m.LocalCapabilities(context.Background())
	assert.ErrorIs(t, err, meshtypes.ErrTelemetryUnavailable)
}

func TestDisconnectMarksDisconnected(t *testing.T) {
	local := mustID(t)
	peerID := mustID(t)
	tr := &fakeTransport{localID: local}
	m := New(tr, stubTelemetry{}, nil, nil)
	require.NoError(t, m.Connect(context.Background(), peerID, "addr"))

	require.NoError(t, m.Disconnect(peerID))

	info, ok := m.PeerInfo(peerID)
	require.True(t, ok)
	assert.Equal(t, meshtypes.StatusDisconnected, info.Status)
}
