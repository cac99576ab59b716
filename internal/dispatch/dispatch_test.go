package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

type stubCandidates struct {
	pool []Candidate
}

func (s *stubCandidates) Candidates(ctx context.Context) []Candidate { return s.pool }

type stubLookup struct {
	nodes []meshtypes.DHTNode
}

func (s *stubLookup) Lookup(ctx context.Context, target meshtypes.NodeID) []meshtypes.DHTNode {
	return s.nodes
}

type notifyCall struct {
	peer       meshtypes.NodeID
	assignment meshtypes.TaskAssignment
	isBackup   bool
}

type stubNotifier struct {
	notified []notifyCall
}

func (n *stubNotifier) NotifyAssignment(ctx context.Context, peer meshtypes.NodeID, a meshtypes.TaskAssignment, req meshtypes.TaskRequest, isBackup bool) error {
	n.notified = append(n.notified, notifyCall{peer: peer, assignment: a, isBackup: isBackup})
	return nil
}

func mustID(t *testing.T) meshtypes.NodeID {
	t.Helper()
	id, err := meshtypes.NewNodeID()
	require.NoError(t, err)
	return id
}

func basicRequest(t *testing.T) meshtypes.TaskRequest {
	return meshtypes.TaskRequest{
		Requirement: meshtypes.TaskRequirements{CPUCores: 2, MemoryGB: 4},
	}
}

func TestSubmitPicksHighestScoringPrimary(t *testing.T) {
	strong := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 8, RAMGB: 16}, Reputation: 0.9}
	weak := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.6}
	src := &stubCandidates{pool: []Candidate{weak, strong}}
	notifier := &stubNotifier{}
	d := New(nil, src, notifier, nil, nil)

	assignment, err := d.Submit(context.Background(), basicRequest(t))
	require.NoError(t, err)
	assert.Equal(t, strong.PeerID, assignment.Primary)
	assert.Contains(t, assignment.Backups, weak.PeerID)

	require.Len(t, notifier.notified, 2)
	assert.Equal(t, strong.PeerID, notifier.notified[0].peer)
	assert.False(t, notifier.notified[0].isBackup)
	assert.Equal(t, weak.PeerID, notifier.notified[1].peer)
	assert.True(t, notifier.notified[1].isBackup)
}

func TestSubmitGeneratesItsOwnTaskID(t *testing.T) {
	primary := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.8}
	src := &stubCandidates{pool: []Candidate{primary}}
	d := New(nil, src, nil, nil, nil)

	req := basicRequest(t)
	req.TaskID = meshtypes.NewTaskID() // caller-set id must be overwritten, not trusted
	original := req.TaskID

	assignment, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, original, assignment.TaskID)
}

func TestSubmitQueriesDHTLookupTowardRequirementHash(t *testing.T) {
	node := meshtypes.DHTNode{
		NodeID:     mustID(t),
		Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8},
		Reputation: 0.8,
	}
	lookup := &stubLookup{nodes: []meshtypes.DHTNode{node}}
	d := New(lookup, nil, nil, nil, nil)

	assignment, err := d.Submit(context.Background(), basicRequest(t))
	require.NoError(t, err)
	assert.Equal(t, node.NodeID, assignment.Primary)
}

func TestSubmitFiltersInsufficientCapacity(t *testing.T) {
	insufficient := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 1, RAMGB: 1}, Reputation: 0.9}
	src := &stubCandidates{pool: []Candidate{insufficient}}
	d := New(nil, src, nil, nil, nil)

	_, err := d.Submit(context.Background(), basicRequest(t))
	assert.ErrorIs(t, err, meshtypes.ErrNoSuitableCandidates)
}

func TestSubmitFiltersLowReputation(t *testing.T) {
	unreputable := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 8, RAMGB: 16}, Reputation: 0.4}
	src := &stubCandidates{pool: []Candidate{unreputable}}
	d := New(nil, src, nil, nil, nil)

	_, err := d.Submit(context.Background(), basicRequest(t))
	assert.ErrorIs(t, err, meshtypes.ErrNoSuitableCandidates)
}

func TestSubmitFiltersCriticalThermal(t *testing.T) {
	overheated := Candidate{
		PeerID:     mustID(t),
		Capability: meshtypes.CapabilitySnapshot{CPUCores: 8, RAMGB: 16, Thermal: meshtypes.ThermalCritical},
		Reputation: 0.9,
	}
	src := &stubCandidates{pool: []Candidate{overheated}}
	d := New(nil, src, nil, nil, nil)

	_, err := d.Submit(context.Background(), basicRequest(t))
	assert.ErrorIs(t, err, meshtypes.ErrNoSuitableCandidates)
}

func TestScoreCandidateMatchesDocumentedFormula(t *testing.T) {
	req := meshtypes.TaskRequirements{CPUCores: 2, MemoryGB: 4}
	c := Candidate{
		Capability: meshtypes.CapabilitySnapshot{CPUCores: 8, RAMGB: 16, Thermal: meshtypes.ThermalNominal},
		Reputation: 0.9,
		LatencyMS:  50,
	}
	// min(8/2,2)*30 + min(16/4,2)*25 + 0.9*20 + 15 (latency<100) + 10 (nominal)
	want := 2.0*30 + 2.0*25 + 0.9*20 + 15 + 10
	assert.InDelta(t, want, scoreCandidate(req, c), 0.0001)
}

func TestAcceptRejectsNonPrimary(t *testing.T) {
	primary := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.8}
	src := &stubCandidates{pool: []Candidate{primary}}
	d := New(nil, src, nil, nil, nil)

	req := basicRequest(t)
	assignment, err := d.Submit(context.Background(), req)
	require.NoError(t, err)

	err = d.Accept(assignment.TaskID, mustID(t))
	assert.Error(t, err)

	err = d.Accept(assignment.TaskID, assignment.Primary)
	assert.NoError(t, err)

	status, ok := d.Status(assignment.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
}

func TestSubmitResultCompletesTask(t *testing.T) {
	primary := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.8}
	src := &stubCandidates{pool: []Candidate{primary}}
	d := New(nil, src, nil, nil, nil)

	req := basicRequest(t)
	assignment, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, d.Accept(assignment.TaskID, assignment.Primary))

	err = d.SubmitResult(assignment.TaskID, meshtypes.TaskResult{TaskID: assignment.TaskID, CompletedBy: assignment.Primary})
	require.NoError(t, err)

	status, _ := d.Status(assignment.TaskID)
	assert.Equal(t, StatusCompleted, status)

	_, ok := d.Result(assignment.TaskID)
	assert.True(t, ok)
}

func TestReportFailurePromotesBackup(t *testing.T) {
	primary := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.9}
	backup := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.5}
	src := &stubCandidates{pool: []Candidate{primary, backup}}
	notifier := &stubNotifier{}
	d := New(nil, src, notifier, nil, nil)

	req := basicRequest(t)
	assignment, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, d.Accept(assignment.TaskID, assignment.Primary))

	newAssignment, err := d.ReportFailure(context.Background(), assignment.TaskID, "crashed")
	require.NoError(t, err)
	assert.Equal(t, backup.PeerID, newAssignment.Primary)

	status, _ := d.Status(assignment.TaskID)
	assert.Equal(t, StatusPending, status)
}

func TestReportFailureExhaustsToFailed(t *testing.T) {
	primary := Candidate{PeerID: mustID(t), Capability: meshtypes.CapabilitySnapshot{CPUCores: 4, RAMGB: 8}, Reputation: 0.9}
	src := &stubCandidates{pool: []Candidate{primary}}
	d := New(nil, src, nil, nil, nil)

	req := basicRequest(t)
	assignment, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, d.Accept(assignment.TaskID, assignment.Primary))

	_, err = d.ReportFailure(context.Background(), assignment.TaskID, "crashed")
	assert.ErrorIs(t, err, meshtypes.ErrNoSuitableCandidates)

	status, _ := d.Status(assignment.TaskID)
	assert.Equal(t, StatusFailed, status)
}
