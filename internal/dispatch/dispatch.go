// Package dispatch implements Task Dispatch (spec §4.4): the task state
// machine, candidate scoring/filtering, submission, acceptance, result
// and failure reporting, with backup promotion on timeout or failure.
// Grounded on the teacher's mesh_coordinator.go peer-cache and
// circuit-breaker bookkeeping idiom, reworked against the closed task
// state machine and scoring formula spec.md specifies exactly.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hadronlabs/meshfabric/internal/events"
	"github.com/hadronlabs/meshfabric/internal/meshtypes"
)

// CompletionTimeout is the default time a Pending->Active task may run
// before its primary is considered failed and a backup is promoted.
const CompletionTimeout = 5 * time.Minute

// MaxBackups is the number of backups assigned alongside the primary.
const MaxBackups = 3

// TaskStatus is the dispatch-owned task lifecycle state.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusActive
	StatusCompleted
	StatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Candidate is a peer considered for a task assignment.
type Candidate struct {
	PeerID     meshtypes.NodeID
	Capability meshtypes.CapabilitySnapshot
	Reputation float64
	LatencyMS  float64
}

// DHTLookup resolves the set of nodes known near a target id, used to
// seed candidate selection toward a task's requirement hash (spec
// §4.4: "perform a lookup toward that hash").
type DHTLookup interface {
	Lookup(ctx context.Context, target meshtypes.NodeID) []meshtypes.DHTNode
}

// CandidateSource supplies the pool of connected peers eligible for
// assignment. Narrow collaborator substituting for a direct Peer
// Manager reference.
type CandidateSource interface {
	Candidates(ctx context.Context) []Candidate
}

// Notifier delivers a task assignment to a remote peer, tagged with
// whether that peer is the primary or a backup (spec §4.4: "broadcast
// the assignment to primary (with isBackup=false) and to each backup
// (isBackup=true)").
type Notifier interface {
	NotifyAssignment(ctx context.Context, peer meshtypes.NodeID, assignment meshtypes.TaskAssignment, req meshtypes.TaskRequest, isBackup bool) error
}

type trackedTask struct {
	mu         sync.Mutex
	request    meshtypes.TaskRequest
	assignment meshtypes.TaskAssignment
	status     TaskStatus
	result     *meshtypes.TaskResult
	timer      *time.Timer
}

// Dispatcher owns the task table and drives the state machine.
type Dispatcher struct {
	lookup     DHTLookup
	candidates CandidateSource
	notifier   Notifier
	events     events.Sink
	logger     *slog.Logger

	mu    sync.Mutex
	tasks map[meshtypes.TaskID]*trackedTask
}

// New constructs a Dispatcher. lookup may be nil to rely solely on
// candidates (e.g. in tests); candidates may be nil to rely solely on
// the DHT lookup result.
func New(lookup DHTLookup, candidates CandidateSource, notifier Notifier, sink events.Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		lookup:     lookup,
		candidates: candidates,
		notifier:   notifier,
		events:     sink,
		logger:     logger.With("component", "dispatch"),
		tasks:      make(map[meshtypes.TaskID]*trackedTask),
	}
}

// candidatePool merges the DHT lookup result toward hash with the live
// connected-candidate pool, keyed by peer so a peer known to both
// contributes its most current (connected) record.
func (d *Dispatcher) candidatePool(ctx context.Context, hash meshtypes.NodeID) []Candidate {
	byPeer := make(map[meshtypes.NodeID]Candidate)
	if d.lookup != nil {
		for _, n := range d.lookup.Lookup(ctx, hash) {
			byPeer[n.NodeID] = Candidate{
				PeerID:     n.NodeID,
				Capability: n.Capability,
				Reputation: n.Reputation,
			}
		}
	}
	if d.candidates != nil {
		for _, c := range d.candidates.Candidates(ctx) {
			byPeer[c.PeerID] = c
		}
	}
	pool := make([]Candidate, 0, len(byPeer))
	for _, c := range byPeer {
		pool = append(pool, c)
	}
	return pool
}

// filterCandidates keeps only peers that satisfy the task's hard
// requirements (spec §4.4 candidate filter): sufficient CPU/RAM, GPU
// when required, thermal not Critical, and reputation >= 0.5.
func filterCandidates(req meshtypes.TaskRequirements, pool []Candidate) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if c.Capability.CPUCores < req.CPUCores {
			continue
		}
		if c.Capability.RAMGB < req.MemoryGB {
			continue
		}
		if req.GPU && !c.Capability.GPU {
			continue
		}
		if c.Capability.Thermal == meshtypes.ThermalCritical {
			continue
		}
		if c.Reputation < 0.5 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// scoreCandidate ranks a filtered candidate using the spec §4.4 point
// formula verbatim: capacity-ratio terms capped at 2x, a reputation
// term, a latency tier bonus, and a thermal bonus.
func scoreCandidate(req meshtypes.TaskRequirements, c Candidate) float64 {
	score := minF(capacityRatio(c.Capability.CPUCores, req.CPUCores), 2) * 30
	score += minF(capacityRatio(c.Capability.RAMGB, req.MemoryGB), 2) * 25
	score += c.Reputation * 20

	switch {
	case c.LatencyMS < 100:
		score += 15
	case c.LatencyMS < 200:
		score += 10
	default:
		score += 5
	}

	switch c.Capability.Thermal {
	case meshtypes.ThermalNominal:
		score += 10
	case meshtypes.ThermalFair:
		score += 5
	case meshtypes.ThermalSerious:
		score -= 5
	case meshtypes.ThermalCritical:
		score -= 20
	}

	return score
}

// capacityRatio divides have/required, treating a zero/negative
// requirement as trivially satisfied at the formula's 2x cap.
func capacityRatio(have, required float64) float64 {
	if required <= 0 {
		return 2
	}
	return have / required
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Submit registers a new task: generates its id, derives the
// requirement hash, performs a DHT lookup toward that hash, filters
// and scores the combined candidate pool, and assigns a primary plus
// up to three backups. The task starts Pending and moves to Active
// once the primary accepts.
func (d *Dispatcher) Submit(ctx context.Context, req meshtypes.TaskRequest) (meshtypes.TaskAssignment, error) {
	req.TaskID = meshtypes.NewTaskID()

	hash, err := meshtypes.RequirementHash(req.Requirement)
	if err != nil {
		return meshtypes.TaskAssignment{}, fmt.Errorf("requirement hash: %w", err)
	}

	pool := filterCandidates(req.Requirement, d.candidatePool(ctx, hash))
	if len(pool) == 0 {
		return meshtypes.TaskAssignment{}, meshtypes.ErrNoSuitableCandidates
	}

	sort.Slice(pool, func(i, j int) bool {
		return scoreCandidate(req.Requirement, pool[i]) > scoreCandidate(req.Requirement, pool[j])
	})

	primary := pool[0]
	var backups []meshtypes.NodeID
	for _, c := range pool[1:] {
		if len(backups) >= MaxBackups {
			break
		}
		backups = append(backups, c.PeerID)
	}

	assignment := meshtypes.TaskAssignment{
		TaskID:             req.TaskID,
		Primary:            primary.PeerID,
		AssignedAt:         time.Now(),
		ExpectedCompletion: time.Now().Add(CompletionTimeout),
		Backups:            backups,
	}

	tt := &trackedTask{request: req, assignment: assignment, status: StatusPending}
	d.mu.Lock()
	d.tasks[req.TaskID] = tt
	d.mu.Unlock()

	d.broadcastAssignment(ctx, assignment, req)

	d.emit(events.TaskSubmitted, req.TaskID, primary.PeerID, "")
	return assignment, nil
}

// broadcastAssignment notifies the primary (isBackup=false) and every
// backup (isBackup=true) of the current assignment.
func (d *Dispatcher) broadcastAssignment(ctx context.Context, assignment meshtypes.TaskAssignment, req meshtypes.TaskRequest) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.NotifyAssignment(ctx, assignment.Primary, assignment, req, false); err != nil {
		d.logger.Warn("notify primary failed", "task", req.TaskID.String(), "error", err)
	}
	for _, b := range assignment.Backups {
		if err := d.notifier.NotifyAssignment(ctx, b, assignment, req, true); err != nil {
			d.logger.Warn("notify backup failed", "task", req.TaskID.String(), "error", err)
		}
	}
}

// Accept transitions a task from Pending to Active once the assigned
// peer confirms it will perform the work, and starts the completion
// timer that triggers backup promotion on timeout.
func (d *Dispatcher) Accept(taskID meshtypes.TaskID, by meshtypes.NodeID) error {
	tt := d.get(taskID)
	if tt == nil {
		return fmt.Errorf("unknown task %s", taskID.String())
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.status != StatusPending {
		return fmt.Errorf("task %s not pending", taskID.String())
	}
	if by != tt.assignment.Primary {
		return fmt.Errorf("accept from non-primary peer")
	}
	tt.status = StatusActive
	tt.timer = time.AfterFunc(CompletionTimeout, func() { d.onTimeout(taskID) })
	d.emit(events.TaskAccepted, taskID, by, "")
	return nil
}

// SubmitResult records the primary's result and finalizes the task as
// Completed. A call for a task that is not Active (including a second
// call for an already-Completed task) returns an error.
func (d *Dispatcher) SubmitResult(taskID meshtypes.TaskID, result meshtypes.TaskResult) error {
	tt := d.get(taskID)
	if tt == nil {
		return fmt.Errorf("unknown task %s", taskID.String())
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.status != StatusActive {
		return fmt.Errorf("task %s not active", taskID.String())
	}
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.status = StatusCompleted
	tt.result = &result
	d.emit(events.TaskCompleted, taskID, result.CompletedBy, "")
	return nil
}

// ReportFailure marks the current assignee's attempt failed and, if a
// backup remains, promotes the next backup to primary, re-broadcasts
// the assignment, and returns the new assignment. Exhausting all
// backups moves the task to Failed.
func (d *Dispatcher) ReportFailure(ctx context.Context, taskID meshtypes.TaskID, reason string) (meshtypes.TaskAssignment, error) {
	tt := d.get(taskID)
	if tt == nil {
		return meshtypes.TaskAssignment{}, fmt.Errorf("unknown task %s", taskID.String())
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.timer != nil {
		tt.timer.Stop()
	}

	if len(tt.assignment.Backups) == 0 {
		tt.status = StatusFailed
		d.emit(events.TaskFailed, taskID, tt.assignment.Primary, reason)
		return meshtypes.TaskAssignment{}, meshtypes.ErrNoSuitableCandidates
	}

	nextPrimary := tt.assignment.Backups[0]
	tt.assignment.Primary = nextPrimary
	tt.assignment.Backups = tt.assignment.Backups[1:]
	tt.assignment.AssignedAt = time.Now()
	tt.assignment.ExpectedCompletion = time.Now().Add(CompletionTimeout)
	tt.status = StatusPending

	d.broadcastAssignment(ctx, tt.assignment, tt.request)
	d.emit(events.TaskFailed, taskID, nextPrimary, reason)
	return tt.assignment, nil
}

// Status returns a task's current lifecycle state.
func (d *Dispatcher) Status(taskID meshtypes.TaskID) (TaskStatus, bool) {
	tt := d.get(taskID)
	if tt == nil {
		return 0, false
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.status, true
}

// Result returns the recorded result for a Completed task.
func (d *Dispatcher) Result(taskID meshtypes.TaskID) (meshtypes.TaskResult, bool) {
	tt := d.get(taskID)
	if tt == nil {
		return meshtypes.TaskResult{}, false
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.result == nil {
		return meshtypes.TaskResult{}, false
	}
	return *tt.result, true
}

func (d *Dispatcher) get(taskID meshtypes.TaskID) *trackedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks[taskID]
}

// onTimeout fires when an Active task exceeds CompletionTimeout without
// a result, treated as an implicit failure of the current primary.
func (d *Dispatcher) onTimeout(taskID meshtypes.TaskID) {
	tt := d.get(taskID)
	if tt == nil {
		return
	}
	tt.mu.Lock()
	if tt.status != StatusActive {
		tt.mu.Unlock()
		return
	}
	tt.mu.Unlock()
	_, _ = d.ReportFailure(context.Background(), taskID, "completion timeout")
}

func (d *Dispatcher) emit(kind events.Kind, taskID meshtypes.TaskID, peer meshtypes.NodeID, reason string) {
	if d.events == nil {
		return
	}
	d.events.Emit(events.Event{
		Kind: kind,
		At:   time.Now(),
		Task: &events.TaskEvent{TaskID: taskID, Peer: peer, Reason: reason},
	})
}
