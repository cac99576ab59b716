// Package verification implements Verification and reputation tracking
// (spec §4.5): verifier selection, sub-checks, confidence scoring,
// consensus finalization, and the reputation update formula. Grounded
// on the teacher's kernel/core/mesh/routing/reputation.go structuring
// (ReputationManager, logger.With("component", ...)) but replaces its
// EMA-decay update with the spec's exact
// score = clamp(accuracy - 0.5*error_rate, 0, 1) formula.
package verification

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hadronlabs/meshfabric/internal/events"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// MinVerifiers is the minimum panel size consensus requires (spec §4.5:
// n>=3).
const MinVerifiers = 3

// VerifierPanelSize is the maximum number of verifiers requested per
// verification, selected by the ranking formula. Panels fall back to
// whatever smaller pool is available when fewer eligible candidates
// exist.
const VerifierPanelSize = 7

// ConsensusThreshold is the minimum approval fraction for Approved
// (spec §4.5: >=0.67).
const ConsensusThreshold = 0.67

// MinVerifierReputation excludes low-reputation peers from the verifier
// panel (spec §4.5).
const MinVerifierReputation = 0.3

// MaxExecutionMS/MinExecutionMS bound a valid measured execution time
// (spec §4.5: 100ms <= measured <= 5min).
const (
	MinExecutionMS = int64(100)
	MaxExecutionMS = int64(5 * time.Minute / time.Millisecond)
)

// VerifierCandidateSource supplies peers eligible to verify a result,
// the narrow collaborator substituting for a Peer Manager reference.
type VerifierCandidateSource interface {
	VerifierCandidates(ctx context.Context, exclude meshtypes.NodeID) []meshtypes.DHTNode
}

// VerifyRequester asks a remote peer to independently verify a result.
type VerifyRequester interface {
	RequestVerification(ctx context.Context, verifier meshtypes.NodeID, req meshtypes.VerificationRequest) error
}

type trackedVerification struct {
	mu       sync.Mutex
	request  meshtypes.VerificationRequest
	verifiers []meshtypes.NodeID
	responses map[meshtypes.NodeID]meshtypes.VerificationResponse
	outcome  *meshtypes.VerificationOutcome
	timer    *time.Timer
}

// Service runs Verification for one local node.
type Service struct {
	localID    meshtypes.NodeID
	candidates VerifierCandidateSource
	requester  VerifyRequester
	events     events.Sink
	logger     *slog.Logger

	mu       sync.Mutex
	tracked  map[meshtypes.VerificationID]*trackedVerification
	reputation map[meshtypes.NodeID]*meshtypes.ReputationScore
}

// New constructs a verification Service.
func New(localID meshtypes.NodeID, candidates VerifierCandidateSource, requester VerifyRequester, sink events.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		localID:    localID,
		candidates: candidates,
		requester:  requester,
		events:     sink,
		logger:     logger.With("component", "verification", "node_id", localID.String()[:8]),
		tracked:    make(map[meshtypes.VerificationID]*trackedVerification),
		reputation: make(map[meshtypes.NodeID]*meshtypes.ReputationScore),
	}
}

// rankVerifiers filters candidates to those with at least half of req's
// capacity, non-Critical thermal state, and reputation >= 0.3, excludes
// the submitter, ranks the rest by 0.7*reputation +
// 0.3*(200-latency_ms)/200 descending, and returns up to n selected
// verifiers (spec §4.5).
func rankVerifiers(candidates []meshtypes.DHTNode, submitter meshtypes.NodeID, req meshtypes.TaskRequirements, reps map[meshtypes.NodeID]*meshtypes.ReputationScore, n int) []meshtypes.NodeID {
	type scored struct {
		id    meshtypes.NodeID
		score float64
	}
	minCores := req.CPUCores * 0.5
	minRAM := req.MemoryGB * 0.5

	var pool []scored
	for _, c := range candidates {
		if c.NodeID == submitter {
			continue
		}
		if c.Capability.CPUCores < minCores || c.Capability.RAMGB < minRAM {
			continue
		}
		if c.Capability.Thermal == meshtypes.ThermalCritical {
			continue
		}
		reputation := meshtypes.DefaultReputation
		if r, ok := reps[c.NodeID]; ok {
			reputation = r.Score
		}
		if reputation < MinVerifierReputation {
			continue
		}
		latencyTerm := math.Max(0, 200-c.LatencyMS) / 200.0
		score := 0.7*reputation + 0.3*latencyTerm
		pool = append(pool, scored{id: c.NodeID, score: score})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
	if len(pool) > n {
		pool = pool[:n]
	}
	out := make([]meshtypes.NodeID, 0, len(pool))
	for _, p := range pool {
		out = append(out, p.id)
	}
	return out
}

// RequestVerification selects a panel of at least MinVerifiers peers
// (falling back to every available candidate if fewer exist) and asks
// each to independently re-check result. requirement is the originating
// task's resource requirement, used to filter eligible verifiers.
func (s *Service) RequestVerification(ctx context.Context, taskID meshtypes.TaskID, result meshtypes.TaskResult, submitter meshtypes.NodeID, requirement meshtypes.TaskRequirements, deadline time.Time) (meshtypes.VerificationID, error) {
	verID := meshtypes.NewVerificationID()

	var pool []meshtypes.DHTNode
	if s.candidates != nil {
		pool = s.candidates.VerifierCandidates(ctx, submitter)
	}
	s.mu.Lock()
	panel := rankVerifiers(pool, submitter, requirement, s.reputation, VerifierPanelSize)
	s.mu.Unlock()

	req := meshtypes.VerificationRequest{
		VerificationID:  verID,
		TaskID:          taskID,
		Result:          result,
		Submitter:       submitter,
		CreatedAt:       time.Now(),
		RequiredVerifer: MinVerifiers,
		Deadline:        deadline,
	}

	tv := &trackedVerification{
		request:   req,
		verifiers: panel,
		responses: make(map[meshtypes.NodeID]meshtypes.VerificationResponse),
	}
	s.mu.Lock()
	s.tracked[verID] = tv
	s.mu.Unlock()

	for _, v := range panel {
		if s.requester != nil {
			_ = s.requester.RequestVerification(ctx, v, req)
		}
	}

	tv.timer = time.AfterFunc(time.Until(deadline), func() { s.finalize(verID, true) })

	s.emitVerify(events.VerificationRequested, verID, taskID, meshtypes.ConsensusPending)
	return verID, nil
}

// badOutputSubstrings are the case-insensitive markers that fail the
// output_valid sub-check regardless of a non-empty payload (spec §4.5).
var badOutputSubstrings = []string{"error", "failed", "timeout"}

// PerformVerification runs the local sub-checks against result and
// returns this node's confidence-weighted response.
func PerformVerification(result meshtypes.TaskResult, expectedHash [32]byte, maxDurationMS int64, verifier meshtypes.NodeID, verID meshtypes.VerificationID) meshtypes.VerificationResponse {
	digest, hashOK := meshtypes.ResultHash(result.Result)
	execMS := result.ExecutionTime.Milliseconds()
	checks := meshtypes.SubChecks{
		ResultHash:      hashOK && digest == expectedHash,
		ExecutionTimeOK: execMS >= MinExecutionMS && execMS <= maxDurationMS,
		ResourceUsageOK: result.Usage.CPUPercent >= 0 && result.Usage.CPUPercent <= 100 &&
			result.Usage.MemoryPercent >= 0 && result.Usage.MemoryPercent <= 100 &&
			result.Usage.NetworkKBPerSec >= 0,
		OutputValid: outputValid(result.Result),
	}
	confidence := confidenceScore(checks)
	return meshtypes.VerificationResponse{
		VerificationID: verID,
		VerifierID:     verifier,
		TaskID:         result.TaskID,
		IsValid:        confidence >= 0.7 && checks.OutputValid,
		Confidence:     confidence,
		SubChecks:      checks,
		Timestamp:      time.Now(),
	}
}

// outputValid reports whether result is non-empty and its text does not
// contain "error", "failed", or "timeout" (case-insensitive).
func outputValid(result []byte) bool {
	if len(result) == 0 {
		return false
	}
	lower := strings.ToLower(string(result))
	for _, bad := range badOutputSubstrings {
		if strings.Contains(lower, bad) {
			return false
		}
	}
	return true
}

// confidenceScore implements the spec §4.5 weighted confidence formula:
// 0.4*output_valid + 0.2*exec_time_valid + 0.2*resource_usage_valid +
// 0.2*(result_hash != empty).
func confidenceScore(c meshtypes.SubChecks) float64 {
	score := 0.0
	if c.OutputValid {
		score += 0.4
	}
	if c.ExecutionTimeOK {
		score += 0.2
	}
	if c.ResourceUsageOK {
		score += 0.2
	}
	if c.ResultHash {
		score += 0.2
	}
	return score
}

// RecordResponse stores a verifier's response and finalizes consensus
// once every panel member has responded, or a tie-break deadline passes
// (handled separately by the deadline timer set in RequestVerification).
func (s *Service) RecordResponse(resp meshtypes.VerificationResponse) {
	s.mu.Lock()
	tv, ok := s.tracked[resp.VerificationID]
	s.mu.Unlock()
	if !ok {
		return
	}

	tv.mu.Lock()
	tv.responses[resp.VerifierID] = resp
	complete := len(tv.responses) >= len(tv.verifiers)
	tv.mu.Unlock()

	if complete {
		s.finalize(resp.VerificationID, false)
	}
}

// finalize computes the consensus outcome. With deadlineTieBreak, a
// quorum that reaches neither threshold finalizes by the greater ratio,
// a tie going to Rejected; without it such a split finalizes Rejected.
func (s *Service) finalize(verID meshtypes.VerificationID, deadlineTieBreak bool) {
	s.mu.Lock()
	tv, ok := s.tracked[verID]
	s.mu.Unlock()
	if !ok {
		return
	}

	tv.mu.Lock()
	if tv.outcome != nil {
		tv.mu.Unlock()
		return
	}
	if tv.timer != nil {
		tv.timer.Stop()
	}

	var approvals, rejections int
	var confidenceSum float64
	responses := make([]meshtypes.VerificationResponse, 0, len(tv.responses))
	for _, r := range tv.responses {
		responses = append(responses, r)
		confidenceSum += r.Confidence
		if r.IsValid {
			approvals++
		} else {
			rejections++
		}
	}
	total := len(responses)

	// Approval requires both a quorum (n>=MinVerifiers) and an approval
	// fraction at or above ConsensusThreshold; Rejected symmetrically
	// requires a rejection fraction at or above ConsensusThreshold. At
	// deadline (deadlineTieBreak), a quorum finalizes by whichever ratio
	// is greater, ties going to Rejected, even below ConsensusThreshold;
	// without quorum the deadline finalizes Rejected (spec §4.5).
	consensus := meshtypes.ConsensusRejected
	if total >= MinVerifiers {
		approvalFraction := float64(approvals) / float64(total)
		rejectionFraction := float64(rejections) / float64(total)
		switch {
		case approvalFraction >= ConsensusThreshold:
			consensus = meshtypes.ConsensusApproved
		case rejectionFraction >= ConsensusThreshold:
			consensus = meshtypes.ConsensusRejected
		case deadlineTieBreak:
			if approvalFraction > rejectionFraction {
				consensus = meshtypes.ConsensusApproved
			}
		}
	} else if deadlineTieBreak {
		s.logger.Warn("verification deadline reached without quorum", "verification_id", verID.String(), "responses", total)
	}

	avgConfidence := 0.0
	if total > 0 {
		avgConfidence = confidenceSum / float64(total)
	}

	outcome := meshtypes.VerificationOutcome{
		VerificationID:    verID,
		TaskID:            tv.request.TaskID,
		Consensus:         consensus,
		VerifierCount:     total,
		Approvals:         approvals,
		Rejections:        rejections,
		AverageConfidence: avgConfidence,
		FinalizedAt:       time.Now(),
		Responses:         responses,
	}
	tv.outcome = &outcome
	tv.mu.Unlock()

	s.applyReputationUpdates(outcome)
	s.emitVerify(events.VerificationFinalized, verID, tv.request.TaskID, consensus)
}

// applyReputationUpdates updates every responding verifier's reputation
// using the spec's exact formula:
// score = clamp(accuracy - 0.5*error_rate, 0, 1), where accuracy is the
// fraction of a verifier's lifetime responses that agreed with the
// eventual consensus and error_rate is the complementary fraction.
func (s *Service) applyReputationUpdates(outcome meshtypes.VerificationOutcome) {
	agreed := outcome.Consensus == meshtypes.ConsensusApproved

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range outcome.Responses {
		rep, ok := s.reputation[r.VerifierID]
		if !ok {
			rep = &meshtypes.ReputationScore{Peer: r.VerifierID, Score: meshtypes.DefaultReputation}
			s.reputation[r.VerifierID] = rep
		}
		rep.Total++
		if r.IsValid == agreed {
			rep.Correct++
		} else if r.IsValid && !agreed {
			rep.FalsePositive++
		} else {
			rep.FalseNegative++
		}
		accuracy := float64(rep.Correct) / float64(rep.Total)
		errorRate := 1.0 - accuracy
		rep.Score = clamp(accuracy-0.5*errorRate, 0, 1)
		rep.LastUpdated = time.Now()
	}
}

// Reputation returns the current reputation score for peer, or the
// default 0.5 if never scored.
func (s *Service) Reputation(peer meshtypes.NodeID) meshtypes.ReputationScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reputation[peer]; ok {
		return *r
	}
	return meshtypes.ReputationScore{Peer: peer, Score: meshtypes.DefaultReputation}
}

// Outcome returns the finalized outcome for a verification, if any.
func (s *Service) Outcome(verID meshtypes.VerificationID) (meshtypes.VerificationOutcome, bool) {
	s.mu.Lock()
	tv, ok := s.tracked[verID]
	s.mu.Unlock()
	if !ok {
		return meshtypes.VerificationOutcome{}, false
	}
	tv.mu.Lock()
	defer tv.mu.Unlock()
	if tv.outcome == nil {
		return meshtypes.VerificationOutcome{}, false
	}
	return *tv.outcome, true
}

func (s *Service) emitVerify(kind events.Kind, verID meshtypes.VerificationID, taskID meshtypes.TaskID, consensus meshtypes.ConsensusState) {
	if s.events == nil {
		return
	}
	s.events.Emit(events.Event{
		Kind: kind,
		At:   time.Now(),
		Verify: &events.VerificationEvent{
			VerificationID: verID,
			TaskID:         taskID,
			Consensus:      consensus,
		},
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
