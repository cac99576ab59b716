package meshtypes

import (
	"crypto/ed25519"
	"time"
)

// ComputeTier classifies a peer's advertised compute capacity.
type ComputeTier int

const (
	TierLow ComputeTier = iota
	TierMedium
	TierHigh
	TierPremium
)

func (t ComputeTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierPremium:
		return "premium"
	default:
		return "unknown"
	}
}

// ThermalState reports a peer's thermal headroom, as supplied by the
// external telemetry source.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

func (t ThermalState) String() string {
	switch t {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CapabilitySnapshot is an immutable compute-capability advertisement,
// refreshed on each re-advertisement. Supplied by the external telemetry
// source; never fabricated locally.
type CapabilitySnapshot struct {
	Tier              ComputeTier
	CPUCores          float64
	RAMGB             float64
	GPU               bool
	BandwidthEstimate float64 // Mbps
	BatteryPercent    *float64
	Thermal           ThermalState
}

// PeerStatus is the Peer Manager's connection state for a peer.
type PeerStatus int

const (
	StatusConnecting PeerStatus = iota
	StatusConnected
	StatusDisconnected
	StatusFailed
)

func (s PeerStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PeerRecord is the Peer Manager's owned record of a known peer. Status
// is mutated only by the Peer Manager.
type PeerRecord struct {
	NodeID       NodeID
	PublicKey    ed25519.PublicKey
	Capability   CapabilitySnapshot
	Reputation   float64
	LastSeen     time.Time
	LatencyMS    float64
	Status       PeerStatus
	ConnectFails int
}

// StaleAfter is the eviction threshold for a peer with no open channel.
const StaleAfter = 5 * time.Minute

// IsStale reports whether the record should be evicted given it has no
// open channel.
func (p PeerRecord) IsStale(now time.Time) bool {
	return now.Sub(p.LastSeen) > StaleAfter
}

// DHTNode is a routing-table entry: a peer as seen by the Routing layer.
type DHTNode struct {
	NodeID     NodeID
	LastSeen   time.Time
	Capability CapabilitySnapshot
	Reputation float64
	LatencyMS  float64
}

// TaskType enumerates the kinds of work the dispatch layer can route.
// The payload encoding for each type is out of scope (spec non-goal);
// only routing/scoring/state-machine behavior is specified here.
type TaskType int

const (
	TaskCompute TaskType = iota
	TaskStorage
	TaskNetwork
	TaskAIInference
)

func (t TaskType) String() string {
	switch t {
	case TaskCompute:
		return "compute"
	case TaskStorage:
		return "storage"
	case TaskNetwork:
		return "network"
	case TaskAIInference:
		return "ai_inference"
	default:
		return "unknown"
	}
}

// Priority ranks task urgency for scheduling purposes.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// TaskRequirements describes what a candidate peer must satisfy.
type TaskRequirements struct {
	CPUCores            float64
	MemoryGB            float64
	GPU                 bool
	EstimatedDurationMS int64
	Priority            Priority
}

// TaskRequest is created once by the submitter and never mutated after
// signing.
type TaskRequest struct {
	TaskID      TaskID
	Type        TaskType
	Payload     []byte
	Requirement TaskRequirements
	Reward      float64
	Deadline    time.Time
	Submitter   NodeID
	CreatedAt   time.Time
	Signature   []byte // optional
}

// TaskAssignment assigns a primary and ordered backups to a task. The
// only legal mutation is reassignment to a backup; Primary is never a
// member of Backups.
type TaskAssignment struct {
	TaskID             TaskID
	Primary            NodeID
	AssignedAt         time.Time
	ExpectedCompletion time.Time
	Backups            []NodeID
}

// ResourceUsage is the resource telemetry a result reports.
type ResourceUsage struct {
	CPUPercent      float64
	MemoryPercent   float64
	NetworkKBPerSec float64
}

// TaskResult is immutable once submitted.
type TaskResult struct {
	TaskID        TaskID
	Result        []byte
	CompletedBy   NodeID
	CompletedAt   time.Time
	ExecutionTime time.Duration
	Usage         ResourceUsage
	Signature     []byte // optional
}

// VerificationRequest asks peers to independently re-check a result.
type VerificationRequest struct {
	VerificationID  VerificationID
	TaskID          TaskID
	Result          TaskResult
	Submitter       NodeID
	CreatedAt       time.Time
	RequiredVerifer int
	Deadline        time.Time
	Signature       []byte
}

// SubChecks is the floor set of per-verifier checks (§4.5).
type SubChecks struct {
	ResultHash        bool
	ExecutionTimeOK   bool
	ResourceUsageOK   bool
	OutputValid       bool
}

// VerificationResponse is a single verifier's signed attestation.
type VerificationResponse struct {
	VerificationID VerificationID
	VerifierID     NodeID
	TaskID         TaskID
	IsValid        bool
	Confidence     float64
	SubChecks      SubChecks
	Timestamp      time.Time
	Signature      []byte
}

// ConsensusState is the finalization state of a VerificationOutcome.
// Transitions Pending -> Approved|Rejected exactly once and never
// reverts.
type ConsensusState int

const (
	ConsensusPending ConsensusState = iota
	ConsensusApproved
	ConsensusRejected
)

func (c ConsensusState) String() string {
	switch c {
	case ConsensusPending:
		return "pending"
	case ConsensusApproved:
		return "approved"
	case ConsensusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// VerificationOutcome aggregates responses into a consensus decision.
type VerificationOutcome struct {
	VerificationID  VerificationID
	TaskID          TaskID
	Consensus       ConsensusState
	VerifierCount   int
	Approvals       int
	Rejections      int
	AverageConfidence float64
	FinalizedAt     time.Time
	Responses       []VerificationResponse
}

// ReputationScore is a peer-local trust score in [0,1], seeded at 0.5
// and updated only during verification finalization.
type ReputationScore struct {
	Peer          NodeID
	Score         float64
	Total         uint64
	Correct       uint64
	FalsePositive uint64
	FalseNegative uint64
	LastUpdated   time.Time
}

// DefaultReputation is the initial score assigned to a never-seen peer.
const DefaultReputation = 0.5

// PartitionStatus is the lifecycle state of a detected network
// partition.
type PartitionStatus int

const (
	PartitionDetected PartitionStatus = iota
	PartitionHealing
	PartitionHealed
	PartitionPermanent
)

func (p PartitionStatus) String() string {
	switch p {
	case PartitionDetected:
		return "detected"
	case PartitionHealing:
		return "healing"
	case PartitionHealed:
		return "healed"
	case PartitionPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// NetworkPartition records a detected partition and its healing
// progress.
type NetworkPartition struct {
	ID              string
	DetectedAt      time.Time
	AffectedPeers   []NodeID
	BridgePeers     []NodeID
	HealingAttempts int
	Status          PartitionStatus
}

// RoutingPath is a scored multi-hop path to a destination.
type RoutingPath struct {
	Destination NodeID
	Hops        []NodeID // ordered, last element is Destination
	LatencyMS   float64
	Reliability float64
	LastUsed    time.Time
	UsageCount  uint64
}
