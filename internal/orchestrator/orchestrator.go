// Package orchestrator is the public façade (spec §4.7): it boots every
// subsystem in dependency order — Peer Manager, Routing, Discovery,
// Verification, Dispatch, Resilience — and guarantees graceful shutdown
// in reverse order. Built on go.uber.org/fx's Lifecycle hooks, which the
// teacher's go.mod already carries as a dependency graph; this is the
// first place in this repository that invokes it directly, replacing a
// hand-rolled boot-order bookkeeping struct with fx's standard
// dependency-ordered start/stop semantics (spec §9 Design Note on
// interval-handle timer/callback patterns applies equally to ad hoc
// boot sequencing: prefer a dedicated, well-understood primitive).
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/hadronlabs/meshfabric/internal/discovery"
	"github.com/hadronlabs/meshfabric/internal/dispatch"
	"github.com/hadronlabs/meshfabric/internal/events"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/peer"
	"github.com/hadronlabs/meshfabric/internal/resilience"
	"github.com/hadronlabs/meshfabric/internal/routing"
	"github.com/hadronlabs/meshfabric/internal/transport"
	"github.com/hadronlabs/meshfabric/internal/verification"
)

// AcceptDecider is consulted before the Orchestrator calls Accept on an
// inbound task assignment, letting the embedding application apply
// local policy (capacity, user consent, cost) without the Dispatch
// package depending on anything application-specific.
type AcceptDecider interface {
	ShouldAccept(ctx context.Context, req meshtypes.TaskRequest) bool
}

// Node wires every subsystem together behind a single façade.
type Node struct {
	Config meshtypes.Config
	Logger *slog.Logger
	Events *events.Bus

	Transport     transport.Transport
	Peers         *peer.Manager
	Routing       *routing.Table
	Discovery     *discovery.Service
	Dispatch      *dispatch.Dispatcher
	Verification  *verification.Service
	Resilience    *resilience.Monitor

	accept AcceptDecider

	healthTicker   *time.Ticker
	discoveryTicker *time.Ticker
	refreshTicker  *time.Ticker
	stop           chan struct{}
}

// Deps bundles the external collaborators the Orchestrator needs beyond
// what it constructs itself.
type Deps struct {
	Config    meshtypes.Config
	Logger    *slog.Logger
	Transport transport.Transport
	Telemetry peer.Telemetry
	Accept    AcceptDecider
}

// New constructs every subsystem in the order spec §4.7 specifies,
// wiring narrow collaborator interfaces between them instead of direct
// struct references.
func New(deps Deps) *Node {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	bus := events.NewBus()

	peers := peer.New(deps.Transport, deps.Telemetry, bus, deps.Logger)

	rt := routing.NewTable(deps.Transport.LocalID(), &routingQuerier{peers: peers}, &routingPinger{peers: peers}, deps.Logger)

	disc := discovery.New(deps.Transport.LocalID(), &dhtAdapter{table: rt}, &announcerAdapter{peers: peers}, bus, deps.Logger,
		discovery.WithBootstraps(deps.Config.BootstrapNodes))

	verif := verification.New(deps.Transport.LocalID(), &verifierSourceAdapter{peers: peers}, &verifyRequesterAdapter{peers: peers}, bus, deps.Logger)

	disp := dispatch.New(&dhtAdapter{table: rt}, &candidateAdapter{peers: peers, rep: verif}, &notifierAdapter{peers: peers}, bus, deps.Logger)

	res := resilience.New(&networkViewAdapter{peers: peers, routing: rt}, disc, bus, nil, deps.Logger)

	n := &Node{
		Config:       deps.Config,
		Logger:       deps.Logger,
		Events:       bus,
		Transport:    deps.Transport,
		Peers:        peers,
		Routing:      rt,
		Discovery:    disc,
		Dispatch:     disp,
		Verification: verif,
		Resilience:   res,
		accept:       deps.Accept,
		stop:         make(chan struct{}),
	}

	peers.RegisterFrameHandler(meshtypes.FrameTaskRequest, n.handleTaskRequest)
	peers.RegisterFrameHandler(meshtypes.FrameVerificationRequest, n.handleVerificationRequest)
	peers.RegisterFrameHandler(meshtypes.FrameVerificationResponse, n.handleVerificationResponse)

	return n
}

// FXModule returns the fx.Module boot/shutdown wiring for Node, invoked
// by an fx.App in cmd/meshnode. Lifecycle hooks fire in dependency
// order on OnStart and reverse order on OnStop, matching spec §4.7.
func FXModule(n *Node) fx.Option {
	return fx.Invoke(func(lc fx.Lifecycle) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return n.Start(ctx) },
			OnStop: func(ctx context.Context) error {
				n.Stop()
				return nil
			},
		})
	})
}

// Start brings up Peer Manager, then Discovery, in dependency order
// (Routing, Dispatch, and Verification are purely in-process and need
// no separate start step), and begins the maintenance timer loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Peers.Start(ctx); err != nil {
		return err
	}
	if err := n.Discovery.Start(ctx); err != nil {
		return err
	}

	n.healthTicker = time.NewTicker(n.Config.HealthInterval)
	n.discoveryTicker = time.NewTicker(n.Config.DiscoveryInterval)
	n.refreshTicker = time.NewTicker(routing.RefreshTickerInterval)

	go n.healthLoop(ctx)
	go n.discoveryLoop(ctx)
	go n.refreshLoop(ctx)

	n.Events.Emit(events.Event{Kind: events.Initialized, At: time.Now()})
	return nil
}

// Stop tears every subsystem down in reverse dependency order.
func (n *Node) Stop() {
	close(n.stop)
	if n.healthTicker != nil {
		n.healthTicker.Stop()
	}
	if n.discoveryTicker != nil {
		n.discoveryTicker.Stop()
	}
	if n.refreshTicker != nil {
		n.refreshTicker.Stop()
	}
	n.Discovery.Stop()
	_ = n.Peers.Stop()
	n.Events.Emit(events.Event{Kind: events.Shutdown, At: time.Now()})
}

// Submit funnels an outbound task into Dispatch.
func (n *Node) Submit(ctx context.Context, req meshtypes.TaskRequest) (meshtypes.TaskAssignment, error) {
	return n.Dispatch.Submit(ctx, req)
}

func (n *Node) healthLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-n.healthTicker.C:
			n.Resilience.ComputeHealth()
		}
	}
}

func (n *Node) discoveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-n.discoveryTicker.C:
			target := n.Transport.LocalID()
			n.Discovery.Discover(ctx, target)
		}
	}
}

func (n *Node) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-n.refreshTicker.C:
			n.Routing.Refresh(ctx)
		}
	}
}

// handleTaskRequest decodes an inbound task assignment frame and,
// subject to the embedding application's AcceptDecider, calls Accept.
func (n *Node) handleTaskRequest(frame meshtypes.Frame) {
	var payload struct {
		Assignment meshtypes.TaskAssignment
		Request    meshtypes.TaskRequest
		IsBackup   bool
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		n.Logger.Warn("failed to decode task request frame", "error", err)
		return
	}
	if n.accept == nil || !n.accept.ShouldAccept(context.Background(), payload.Request) {
		return
	}
	if err := n.Dispatch.Accept(payload.Assignment.TaskID, n.Transport.LocalID()); err != nil {
		n.Logger.Warn("failed to accept task assignment", "task_id", payload.Assignment.TaskID.String(), "error", err)
	}
}

// handleVerificationRequest decodes an inbound verification request,
// runs the local sub-checks via PerformVerification, and sends the
// signed response back to the submitter.
func (n *Node) handleVerificationRequest(frame meshtypes.Frame) {
	var req meshtypes.VerificationRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		n.Logger.Warn("failed to decode verification request frame", "error", err)
		return
	}
	expectedHash, _ := meshtypes.ResultHash(req.Result.Result)
	resp := verification.PerformVerification(req.Result, expectedHash, verification.MaxExecutionMS, n.Transport.LocalID(), req.VerificationID)

	payload, err := meshtypes.CanonicalEncode(resp)
	if err != nil {
		n.Logger.Warn("failed to encode verification response", "error", err)
		return
	}
	if _, err := n.Peers.Send(context.Background(), req.Submitter, meshtypes.Frame{Kind: meshtypes.FrameVerificationResponse, Payload: payload}); err != nil {
		n.Logger.Warn("failed to send verification response", "verification_id", req.VerificationID.String(), "error", err)
	}
}

// handleVerificationResponse decodes an inbound verifier attestation and
// feeds it into the local Verification service's consensus tracking.
func (n *Node) handleVerificationResponse(frame meshtypes.Frame) {
	var resp meshtypes.VerificationResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		n.Logger.Warn("failed to decode verification response frame", "error", err)
		return
	}
	n.Verification.RecordResponse(resp)
}
