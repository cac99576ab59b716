// Package events defines the external event surface as a closed, typed
// enumeration (spec §9 Design Note: "Event emitter with dynamically
// typed payloads ... Replace with a typed event enumeration. Each event
// is a tagged variant; subscribers match on the tag. No string-keyed
// dispatch.").
package events

import (
	"time"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// Kind is the closed set of events emitted at the external boundary
// (spec §6).
type Kind int

const (
	Initialized Kind = iota
	PeerConnected
	PeerDisconnected
	PeersDiscovered
	TaskSubmitted
	TaskReceived
	TaskAccepted
	TaskCompleted
	TaskFailed
	VerificationRequested
	VerificationFinalized
	HealthUpdated
	PartitionDetected
	PartitionHealed
	SecurityAlertReceived
	NetworkReset
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case Initialized:
		return "initialized"
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case PeersDiscovered:
		return "peers_discovered"
	case TaskSubmitted:
		return "task_submitted"
	case TaskReceived:
		return "task_received"
	case TaskAccepted:
		return "task_accepted"
	case TaskCompleted:
		return "task_completed"
	case TaskFailed:
		return "task_failed"
	case VerificationRequested:
		return "verification_requested"
	case VerificationFinalized:
		return "verification_finalized"
	case HealthUpdated:
		return "health_updated"
	case PartitionDetected:
		return "partition_detected"
	case PartitionHealed:
		return "partition_healed"
	case SecurityAlertReceived:
		return "security_alert_received"
	case NetworkReset:
		return "network_reset"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is the tagged variant delivered to subscribers. Exactly one of
// the typed payload fields is populated, selected by Kind; subscribers
// type-switch on Kind rather than inspecting an untyped map.
type Event struct {
	Kind      Kind
	At        time.Time
	Peer      *PeerEvent
	Peers     *PeersDiscoveredEvent
	Task      *TaskEvent
	Verify    *VerificationEvent
	Health    *HealthEvent
	Partition *PartitionEvent
	Security  *SecurityEvent
	Reason    string
}

// PeerEvent carries peer connect/disconnect details.
type PeerEvent struct {
	NodeID meshtypes.NodeID
	Reason string
}

// PeersDiscoveredEvent carries newly learned peers.
type PeersDiscoveredEvent struct {
	NodeIDs []meshtypes.NodeID
	Method  meshtypes.DiscoveryMethod
}

// TaskEvent carries task lifecycle details.
type TaskEvent struct {
	TaskID meshtypes.TaskID
	Peer   meshtypes.NodeID
	Reason string
}

// VerificationEvent carries verification lifecycle details.
type VerificationEvent struct {
	VerificationID meshtypes.VerificationID
	TaskID         meshtypes.TaskID
	Consensus      meshtypes.ConsensusState
}

// HealthEvent carries a health composite snapshot.
type HealthEvent struct {
	Score       float64
	Connectivity float64
	Latency     float64
	Throughput  float64
	Reliability float64
	Security    float64
}

// PartitionEvent carries a partition lifecycle update.
type PartitionEvent struct {
	Partition meshtypes.NetworkPartition
}

// SecurityEvent carries a security monitor finding.
type SecurityEvent struct {
	Peer     meshtypes.NodeID
	Severity string
	Reason   string
}

// Sink receives emitted events. The Orchestrator wires one Sink per
// external subscriber; subsystems never hold a reference to specific
// subscribers, only to this narrow interface.
type Sink interface {
	Emit(Event)
}

// Bus is a simple fan-out Sink implementation used by the Orchestrator
// to support multiple subscribers without subsystems needing to know
// about subscriber multiplicity.
type Bus struct {
	subscribers []Sink
}

// NewBus creates an empty event bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a Sink to receive all future events.
func (b *Bus) Subscribe(s Sink) { b.subscribers = append(b.subscribers, s) }

// Emit fans the event out to every subscriber.
func (b *Bus) Emit(e Event) {
	for _, s := range b.subscribers {
		s.Emit(e)
	}
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }
