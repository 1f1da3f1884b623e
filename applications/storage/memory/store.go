// Package memory provides an in-memory Store: plain maps guarded by a
// mutex, plus ErrorOnNextCall fault injection for exercising the engine's
// error paths without a live database. It backs tests and local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anneschuth/pinchwork/applications/storage"
	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/ledger"
	"github.com/anneschuth/pinchwork/domain/task"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
)

var _ storage.Store = (*Store)(nil)

type txMarker struct{}

func withTxMarker(ctx context.Context) context.Context {
	return context.WithValue(ctx, txMarker{}, true)
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txMarker{}).(bool)
	return v
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	agents  map[string]*agent.Agent
	tasks   map[string]*task.Task
	matches map[string][]task.Match // keyed by task_id
	ledger  map[string][]ledger.Entry
	seq     map[string]int64

	// ErrorOnNextCall, when set, is returned (and cleared) by the next
	// store call, for exercising engine error-handling paths.
	ErrorOnNextCall error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		agents:  make(map[string]*agent.Agent),
		tasks:   make(map[string]*task.Task),
		matches: make(map[string][]task.Match),
		ledger:  make(map[string][]ledger.Entry),
		seq:     make(map[string]int64),
	}
}

// Reset clears all data.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = make(map[string]*agent.Agent)
	s.tasks = make(map[string]*task.Task)
	s.matches = make(map[string][]task.Match)
	s.ledger = make(map[string][]ledger.Entry)
	s.seq = make(map[string]int64)
	s.ErrorOnNextCall = nil
}

func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) checkError() error {
	if s.ErrorOnNextCall != nil {
		err := s.ErrorOnNextCall
		s.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// WithTx runs fn holding the store's single mutex for its whole duration,
// the in-process analogue of the postgres store's database transaction:
// every store call fn makes is serialized against every other caller.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(withTxMarker(ctx))
}

// --- Agents ------------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return agent.Agent{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := a
	s.agents[a.ID] = &cp
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return agent.Agent{}, err
	}
	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, apperrors.NotFound("agent", id)
	}
	return *a, nil
}

func (s *Store) ListAgents(ctx context.Context, filter agent.Filter) ([]agent.Agent, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []agent.Agent
	for _, a := range s.agents {
		if filter.AcceptsSystemWork != nil && a.AcceptsSystemWork != *filter.AcceptsSystemWork {
			continue
		}
		if filter.Suspended != nil && a.Suspended != *filter.Suspended {
			continue
		}
		if len(filter.Tags) > 0 && !a.SatisfiesTags(filter.Tags) {
			continue
		}
		if filter.Text != "" && !strings.Contains(strings.ToLower(a.Capabilities), strings.ToLower(filter.Text)) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateAgentProfile(ctx context.Context, id string, patch agent.Patch) (agent.Agent, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return agent.Agent{}, err
	}
	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, apperrors.NotFound("agent", id)
	}
	if patch.DisplayName != nil {
		a.DisplayName = *patch.DisplayName
	}
	if patch.Capabilities != nil {
		a.Capabilities = *patch.Capabilities
	}
	a.UpdatedAt = time.Now().UTC()
	return *a, nil
}

func (s *Store) SetSuspended(ctx context.Context, id string, suspended bool, reason string) error {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	a, ok := s.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	a.Suspended = suspended
	a.SuspendReason = reason
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) IncrementAbandonCount(ctx context.Context, id string) error {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	a, ok := s.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	a.AbandonCount++
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) AtomicHold(ctx context.Context, id string, amount int64) (bool, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return false, err
	}
	a, ok := s.agents[id]
	if !ok {
		return false, apperrors.NotFound("agent", id)
	}
	if !a.IsPlatform() && a.Balance < amount {
		return false, nil
	}
	a.Balance -= amount
	a.Escrowed += amount
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) AtomicReleaseToBalance(ctx context.Context, id string, amount int64) (bool, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return false, err
	}
	a, ok := s.agents[id]
	if !ok {
		return false, apperrors.NotFound("agent", id)
	}
	if a.Escrowed < amount {
		return false, nil
	}
	a.Escrowed -= amount
	a.Balance += amount
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) AtomicReleaseFromEscrow(ctx context.Context, id string, amount int64) (bool, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return false, err
	}
	a, ok := s.agents[id]
	if !ok {
		return false, apperrors.NotFound("agent", id)
	}
	if a.Escrowed < amount {
		return false, nil
	}
	a.Escrowed -= amount
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) AtomicCredit(ctx context.Context, id string, delta int64) (bool, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return false, err
	}
	a, ok := s.agents[id]
	if !ok {
		return false, apperrors.NotFound("agent", id)
	}
	newBal := a.Balance + delta
	if !a.IsPlatform() && newBal < 0 {
		return false, nil
	}
	a.Balance = newBal
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// --- Tasks ---------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return task.Task{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := t
	s.tasks[t.ID] = &cp
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return task.Task{}, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, apperrors.NotFound("task", id)
	}
	return *t, nil
}

func (s *Store) ListByParent(ctx context.Context, parentTaskID string) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.ParentTaskID == parentTaskID {
			out = append(out, *t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) ListPickupCandidates(ctx context.Context, excludePoster string, now time.Time) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPosted || t.System || t.PosterID == excludePoster {
			continue
		}
		eligible := t.MatchStatus == task.MatchBroadcast || t.MatchStatus == task.MatchNone ||
			(t.MatchStatus == task.MatchPending && !t.MatchDeadline.IsZero() && now.After(t.MatchDeadline))
		if !eligible {
			continue
		}
		out = append(out, *t)
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) ListSystemPickupCandidates(ctx context.Context, excludePoster string) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPosted || !t.System {
			continue
		}
		parent, ok := s.tasks[t.ParentTaskID]
		if !ok || parent.PosterID == excludePoster {
			continue
		}
		out = append(out, *t)
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) CompareAndTransition(ctx context.Context, id string, expectFrom task.Status, mutate func(t *task.Task)) (task.Task, bool, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return task.Task{}, false, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, false, apperrors.NotFound("task", id)
	}
	if t.Status != expectFrom {
		return task.Task{}, false, nil
	}
	cp := *t
	mutate(&cp)
	cp.UpdatedAt = time.Now().UTC()
	s.tasks[id] = &cp
	return cp, true, nil
}

func (s *Store) ListClaimedPastDeliveryDeadline(ctx context.Context, now time.Time) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status == task.StatusClaimed && !t.DeliveryDeadline.IsZero() && now.After(t.DeliveryDeadline) {
			out = append(out, *t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) ListDeliveredPastReviewDeadline(ctx context.Context, now time.Time, systemOnly bool) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusDelivered || t.System != systemOnly {
			continue
		}
		if !t.ReviewDeadline.IsZero() && now.After(t.ReviewDeadline) {
			out = append(out, *t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) ListPendingMatchPastDeadline(ctx context.Context, now time.Time) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.MatchStatus == task.MatchPending && !t.MatchDeadline.IsZero() && now.After(t.MatchDeadline) {
			out = append(out, *t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) ListPostedPastClaimDeadline(ctx context.Context, now time.Time) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status == task.StatusPosted && !t.ClaimDeadline.IsZero() && now.After(t.ClaimDeadline) {
			out = append(out, *t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) ListApprovedForAgent(ctx context.Context, agentID string, role string) ([]task.Task, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusApproved {
			continue
		}
		switch role {
		case "poster":
			if t.PosterID == agentID {
				out = append(out, *t)
			}
		case "worker":
			if t.WorkerID == agentID {
				out = append(out, *t)
			}
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func sortByCreatedAt(tasks []task.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}

// --- Matches ---------------------------------------------------------------

func (s *Store) CreateMatches(ctx context.Context, matches []task.Match) error {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	for _, m := range matches {
		s.matches[m.TaskID] = append(s.matches[m.TaskID], m)
	}
	return nil
}

func (s *Store) ListMatchesForTask(ctx context.Context, taskID string) ([]task.Match, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	out := make([]task.Match, len(s.matches[taskID]))
	copy(out, s.matches[taskID])
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *Store) ListMatchesForAgent(ctx context.Context, agentID string) ([]task.Match, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	type ranked struct {
		m         task.Match
		createdAt time.Time
	}
	var out []ranked
	for taskID, ms := range s.matches {
		t, ok := s.tasks[taskID]
		if !ok {
			continue
		}
		for _, m := range ms {
			if m.AgentID == agentID {
				out = append(out, ranked{m: m, createdAt: t.CreatedAt})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].m.Rank != out[j].m.Rank {
			return out[i].m.Rank < out[j].m.Rank
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	result := make([]task.Match, len(out))
	for i, r := range out {
		result[i] = r.m
	}
	return result, nil
}

func (s *Store) ClearMatchesForTask(ctx context.Context, taskID string) error {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	delete(s.matches, taskID)
	return nil
}

// --- Ledger ---------------------------------------------------------------

func (s *Store) AppendLedgerEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return ledger.Entry{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	s.seq[e.AgentID]++
	e.Seq = s.seq[e.AgentID]
	s.ledger[e.AgentID] = append(s.ledger[e.AgentID], e)
	return e, nil
}

func (s *Store) ListLedgerForAgent(ctx context.Context, agentID string, limit int) ([]ledger.Entry, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	entries := s.ledger[agentID]
	out := make([]ledger.Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FoldLedger(ctx context.Context, agentID string) (int64, error) {
	unlock := s.lock(ctx)
	defer unlock()
	if err := s.checkError(); err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range s.ledger[agentID] {
		sum += e.Amount
	}
	return sum, nil
}
