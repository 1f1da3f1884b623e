// Package storage defines the persistence contract the engine depends
// on: per-row conditional update with returning, a monotonic per-agent
// ledger sequence, and ordered range queries over task creation time and
// match rank. Concrete implementations live in the postgres and memory
// sub-packages; the engine is written against this interface only.
package storage

import (
	"context"
	"time"

	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/ledger"
	"github.com/anneschuth/pinchwork/domain/task"
)

// Store is the full persistence surface the engine requires.
type Store interface {
	Agents
	Tasks
	Matches
	Ledger

	// WithTx runs fn within a single transaction. fn must perform its
	// store calls using the ctx it is handed so they share the
	// transaction; a panic or returned error rolls the whole thing back,
	// so a transition is never partially applied.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Agents is the identity and balance store contract.
type Agents interface {
	CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	ListAgents(ctx context.Context, filter agent.Filter) ([]agent.Agent, error)
	UpdateAgentProfile(ctx context.Context, id string, patch agent.Patch) (agent.Agent, error)
	SetSuspended(ctx context.Context, id string, suspended bool, reason string) error
	IncrementAbandonCount(ctx context.Context, id string) error

	// AtomicHold moves amount from balance to escrowed iff balance >=
	// amount (or the agent is the platform agent, which is exempt).
	// Returns ok=false, err=nil when the precondition fails.
	AtomicHold(ctx context.Context, id string, amount int64) (ok bool, err error)

	// AtomicReleaseToBalance moves amount from escrowed back to balance
	// iff escrowed >= amount: a refund leg.
	AtomicReleaseToBalance(ctx context.Context, id string, amount int64) (ok bool, err error)

	// AtomicReleaseFromEscrow removes amount from escrowed without
	// crediting this agent's balance iff escrowed >= amount: the
	// "paid out to someone else" leg of a settlement.
	AtomicReleaseFromEscrow(ctx context.Context, id string, amount int64) (ok bool, err error)

	// AtomicCredit adds delta (may be negative) to balance iff the
	// resulting balance would be >= 0; the platform agent bypasses the
	// non-negative check, carrying effectively unbounded credits.
	AtomicCredit(ctx context.Context, id string, delta int64) (ok bool, err error)
}

// Tasks is the task store contract backing the lifecycle state machine.
type Tasks interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListByParent(ctx context.Context, parentTaskID string) ([]task.Task, error)

	// ListPickupCandidates returns posted, non-system tasks eligible for
	// Phase 2/3 arbitration (match_status broadcast|none, or pending past
	// deadline), oldest first, excluding tasks posted by excludePoster.
	ListPickupCandidates(ctx context.Context, excludePoster string, now time.Time) ([]task.Task, error)

	// ListSystemPickupCandidates returns unclaimed system tasks whose
	// parent was not posted by excludePoster (Phase 0), oldest first.
	ListSystemPickupCandidates(ctx context.Context, excludePoster string) ([]task.Task, error)

	// CompareAndTransition reads the task, applies mutate only if its
	// current status equals expectFrom, and writes the result back in one
	// guarded step. ok=false, err=nil on a lost race.
	CompareAndTransition(ctx context.Context, id string, expectFrom task.Status, mutate func(t *task.Task)) (updated task.Task, ok bool, err error)

	ListClaimedPastDeliveryDeadline(ctx context.Context, now time.Time) ([]task.Task, error)
	ListDeliveredPastReviewDeadline(ctx context.Context, now time.Time, systemOnly bool) ([]task.Task, error)
	ListPendingMatchPastDeadline(ctx context.Context, now time.Time) ([]task.Task, error)
	ListPostedPastClaimDeadline(ctx context.Context, now time.Time) ([]task.Task, error)

	// ListApprovedForAgent returns approved tasks where agentID held role
	// ("poster" or "worker"), for the rating-average derived read.
	ListApprovedForAgent(ctx context.Context, agentID string, role string) ([]task.Task, error)
}

// Matches is the task match contract.
type Matches interface {
	CreateMatches(ctx context.Context, matches []task.Match) error
	ListMatchesForTask(ctx context.Context, taskID string) ([]task.Match, error)
	// ListMatchesForAgent returns this agent's TaskMatch rows ordered by
	// rank ascending, then the parent task's created_at ascending
	// (Phase 1 of pickup arbitration).
	ListMatchesForAgent(ctx context.Context, agentID string) ([]task.Match, error)
	ClearMatchesForTask(ctx context.Context, taskID string) error
}

// Ledger is the append-only credit ledger contract.
type Ledger interface {
	// AppendLedgerEntry assigns the entry its ID, CreatedAt and the next
	// monotonic Seq for its agent, then writes it. Entries are never
	// edited or deleted afterward.
	AppendLedgerEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	ListLedgerForAgent(ctx context.Context, agentID string, limit int) ([]ledger.Entry, error)
	// FoldLedger sums every entry for agentID; used by the self-check.
	FoldLedger(ctx context.Context, agentID string) (sum int64, err error)
}
