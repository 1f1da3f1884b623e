// Package postgres implements applications/storage.Store over
// database/sql with github.com/lib/pq: raw SQL, $N placeholders, no ORM,
// and context-scoped transactions via a context key.
//
// Schema (not created here; migrations are an operational concern):
//
//	agents(id text pk, display_name text, capabilities text,
//	  accepts_system_work bool, balance bigint, escrowed bigint,
//	  suspended bool, suspend_reason text, abandon_count int,
//	  created_at timestamptz, updated_at timestamptz)
//	tasks(id text pk, poster_id text, worker_id text, need text,
//	  context text, result text, max_credits bigint, credits_charged bigint,
//	  tags jsonb, status text, rejection_count int,
//	  review_window_ns bigint, claim_window_ns bigint, deliver_window_ns bigint,
//	  verify_window_ns bigint, max_rejections int, system bool,
//	  parent_task_id text, system_task_type text, match_status text,
//	  match_deadline timestamptz, verification_status text,
//	  poster_rating int, worker_rating int,
//	  created_at timestamptz, claimed_at timestamptz, delivered_at timestamptz,
//	  approved_at timestamptz, claim_deadline timestamptz,
//	  delivery_deadline timestamptz, review_deadline timestamptz,
//	  updated_at timestamptz)
//	task_matches(task_id text, agent_id text, rank int)
//	ledger_entries(id text pk, agent_id text, amount bigint, reason text,
//	  task_id text, seq bigint, created_at timestamptz)
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/anneschuth/pinchwork/applications/storage"
	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/ledger"
	"github.com/anneschuth/pinchwork/domain/task"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
)

var _ storage.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres-backed implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// Open opens a connection pool against dsn and verifies connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperrors.Internal("open postgres connection", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperrors.Internal("ping postgres", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already-open *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

type txKey struct{}

func txFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single database transaction, so cross-entity
// operations commit or roll back together.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx) // already inside a transaction; reuse it
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin transaction", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("commit transaction", err)
	}
	return nil
}

// --- Agents ------------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO agents (id, display_name, capabilities, accepts_system_work, balance, escrowed,
			suspended, suspend_reason, abandon_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.DisplayName, a.Capabilities, a.AcceptsSystemWork, a.Balance, a.Escrowed,
		a.Suspended, a.SuspendReason, a.AbandonCount, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, apperrors.Internal("create agent", err)
	}
	return a, nil
}

const agentColumns = `id, display_name, capabilities, accepts_system_work, balance, escrowed,
	suspended, suspend_reason, abandon_count, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (agent.Agent, error) {
	var a agent.Agent
	err := row.Scan(&a.ID, &a.DisplayName, &a.Capabilities, &a.AcceptsSystemWork, &a.Balance, &a.Escrowed,
		&a.Suspended, &a.SuspendReason, &a.AbandonCount, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return agent.Agent{}, apperrors.NotFound("agent", "")
	}
	if err != nil {
		return agent.Agent{}, apperrors.Internal("scan agent", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if ae, ok := apperrors.As(err); ok && ae.Kind == apperrors.KindNotFound {
			return agent.Agent{}, apperrors.NotFound("agent", id)
		}
		return agent.Agent{}, err
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, filter agent.Filter) ([]agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	idx := 1
	if filter.AcceptsSystemWork != nil {
		query += fmt.Sprintf(" AND accepts_system_work = $%d", idx)
		args = append(args, *filter.AcceptsSystemWork)
		idx++
	}
	if filter.Suspended != nil {
		query += fmt.Sprintf(" AND suspended = $%d", idx)
		args = append(args, *filter.Suspended)
		idx++
	}
	if filter.Text != "" {
		query += fmt.Sprintf(" AND capabilities ILIKE $%d", idx)
		args = append(args, "%"+filter.Text+"%")
		idx++
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("list agents", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.Tags) > 0 && !a.SatisfiesTags(filter.Tags) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgentProfile(ctx context.Context, id string, patch agent.Patch) (agent.Agent, error) {
	existing, err := s.GetAgent(ctx, id)
	if err != nil {
		return agent.Agent{}, err
	}
	if patch.DisplayName != nil {
		existing.DisplayName = *patch.DisplayName
	}
	if patch.Capabilities != nil {
		existing.Capabilities = *patch.Capabilities
	}
	existing.UpdatedAt = time.Now().UTC()
	_, err = s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET display_name = $2, capabilities = $3, updated_at = $4 WHERE id = $1
	`, existing.ID, existing.DisplayName, existing.Capabilities, existing.UpdatedAt)
	if err != nil {
		return agent.Agent{}, apperrors.Internal("update agent profile", err)
	}
	return existing, nil
}

func (s *Store) SetSuspended(ctx context.Context, id string, suspended bool, reason string) error {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET suspended = $2, suspend_reason = $3, updated_at = $4 WHERE id = $1
	`, id, suspended, reason, time.Now().UTC())
	if err != nil {
		return apperrors.Internal("set suspended", err)
	}
	return requireRow(result, "agent", id)
}

func (s *Store) IncrementAbandonCount(ctx context.Context, id string) error {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET abandon_count = abandon_count + 1, updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return apperrors.Internal("increment abandon count", err)
	}
	return requireRow(result, "agent", id)
}

// AtomicHold is a single-statement conditional write: the precondition
// (sufficient balance, or platform exemption) and the write happen in one
// statement.
func (s *Store) AtomicHold(ctx context.Context, id string, amount int64) (bool, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET balance = balance - $2, escrowed = escrowed + $2, updated_at = $3
		WHERE id = $1 AND (id = 'platform' OR balance >= $2)
	`, id, amount, time.Now().UTC())
	return execOK(result, err)
}

func (s *Store) AtomicReleaseToBalance(ctx context.Context, id string, amount int64) (bool, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET escrowed = escrowed - $2, balance = balance + $2, updated_at = $3
		WHERE id = $1 AND escrowed >= $2
	`, id, amount, time.Now().UTC())
	return execOK(result, err)
}

func (s *Store) AtomicReleaseFromEscrow(ctx context.Context, id string, amount int64) (bool, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET escrowed = escrowed - $2, updated_at = $3
		WHERE id = $1 AND escrowed >= $2
	`, id, amount, time.Now().UTC())
	return execOK(result, err)
}

func (s *Store) AtomicCredit(ctx context.Context, id string, delta int64) (bool, error) {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE agents SET balance = balance + $2, updated_at = $3
		WHERE id = $1 AND (id = 'platform' OR balance + $2 >= 0)
	`, id, delta, time.Now().UTC())
	return execOK(result, err)
}

func execOK(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, apperrors.Internal("conditional update", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.Internal("rows affected", err)
	}
	return rows > 0, nil
}

func requireRow(result sql.Result, resource, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return apperrors.Internal("rows affected", err)
	}
	if rows == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}

// --- Tasks ---------------------------------------------------------------

const taskColumns = `id, poster_id, worker_id, need, context, result, max_credits, credits_charged,
	tags, status, rejection_count, review_window_ns, claim_window_ns, deliver_window_ns, verify_window_ns,
	max_rejections, system, parent_task_id, system_task_type, match_status, match_deadline,
	verification_status, poster_rating, worker_rating, created_at, claimed_at, delivered_at,
	approved_at, claim_deadline, delivery_deadline, review_deadline, updated_at`

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return task.Task{}, apperrors.Internal("marshal tags", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
	`,
		t.ID, t.PosterID, nullableString(t.WorkerID), t.Need, t.Context, t.Result, t.MaxCredits, t.CreditsCharged,
		tagsJSON, string(t.Status), t.RejectionCount,
		t.Timeouts.ReviewWindow, t.Timeouts.ClaimWindow, t.Timeouts.DeliverWindow, t.Timeouts.VerifyWindow,
		t.Timeouts.MaxRejections, t.System, nullableString(t.ParentTaskID), string(t.SystemTaskType),
		string(t.MatchStatus), nullableTime(t.MatchDeadline), string(t.VerificationStatus),
		t.PosterRating, t.WorkerRating, t.CreatedAt, nullableTime(t.ClaimedAt), nullableTime(t.DeliveredAt),
		nullableTime(t.ApprovedAt), nullableTime(t.ClaimDeadline), nullableTime(t.DeliveryDeadline),
		nullableTime(t.ReviewDeadline), t.UpdatedAt,
	)
	if err != nil {
		return task.Task{}, apperrors.Internal("create task", err)
	}
	return t, nil
}

func scanTask(row interface{ Scan(...any) error }) (task.Task, error) {
	var t task.Task
	var workerID, parentID sql.NullString
	var status, systemTaskType, matchStatus, verificationStatus string
	var tagsJSON []byte
	var matchDeadline, claimedAt, deliveredAt, approvedAt, claimDeadline, deliveryDeadline, reviewDeadline sql.NullTime

	err := row.Scan(&t.ID, &t.PosterID, &workerID, &t.Need, &t.Context, &t.Result, &t.MaxCredits, &t.CreditsCharged,
		&tagsJSON, &status, &t.RejectionCount,
		&t.Timeouts.ReviewWindow, &t.Timeouts.ClaimWindow, &t.Timeouts.DeliverWindow, &t.Timeouts.VerifyWindow,
		&t.Timeouts.MaxRejections, &t.System, &parentID, &systemTaskType,
		&matchStatus, &matchDeadline, &verificationStatus,
		&t.PosterRating, &t.WorkerRating, &t.CreatedAt, &claimedAt, &deliveredAt,
		&approvedAt, &claimDeadline, &deliveryDeadline, &reviewDeadline, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return task.Task{}, apperrors.NotFound("task", "")
	}
	if err != nil {
		return task.Task{}, apperrors.Internal("scan task", err)
	}

	t.WorkerID = workerID.String
	t.ParentTaskID = parentID.String
	t.Status = task.Status(status)
	t.SystemTaskType = task.SystemTaskType(systemTaskType)
	t.MatchStatus = task.MatchStatus(matchStatus)
	t.VerificationStatus = task.VerificationStatus(verificationStatus)
	t.MatchDeadline = matchDeadline.Time
	t.ClaimedAt = claimedAt.Time
	t.DeliveredAt = deliveredAt.Time
	t.ApprovedAt = approvedAt.Time
	t.ClaimDeadline = claimDeadline.Time
	t.DeliveryDeadline = deliveryDeadline.Time
	t.ReviewDeadline = reviewDeadline.Time
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
			return task.Task{}, apperrors.Internal("unmarshal tags", err)
		}
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if ae, ok := apperrors.As(err); ok && ae.Kind == apperrors.KindNotFound {
			return task.Task{}, apperrors.NotFound("task", id)
		}
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("query tasks", err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListByParent(ctx context.Context, parentTaskID string) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1 ORDER BY created_at ASC`, parentTaskID)
}

func (s *Store) ListPickupCandidates(ctx context.Context, excludePoster string, now time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'posted' AND system = false AND poster_id != $1
		  AND (match_status IN ('broadcast', 'none') OR (match_status = 'pending' AND match_deadline < $2))
		ORDER BY created_at ASC
	`, excludePoster, now)
}

func (s *Store) ListSystemPickupCandidates(ctx context.Context, excludePoster string) ([]task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'posted' AND t.system = true
		  AND EXISTS (SELECT 1 FROM tasks p WHERE p.id = t.parent_task_id AND p.poster_id != $1)
		ORDER BY t.created_at ASC
	`, excludePoster)
}

func (s *Store) CompareAndTransition(ctx context.Context, id string, expectFrom task.Status, mutate func(t *task.Task)) (task.Task, bool, error) {
	var updated task.Task
	var ok bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		row := s.q(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
		current, err := scanTask(row)
		if err != nil {
			if ae, ok := apperrors.As(err); ok && ae.Kind == apperrors.KindNotFound {
				return apperrors.NotFound("task", id)
			}
			return err
		}
		if current.Status != expectFrom {
			return nil // conflict: ok stays false
		}
		mutate(&current)
		current.UpdatedAt = time.Now().UTC()
		if err := s.updateTask(ctx, current); err != nil {
			return err
		}
		updated, ok = current, true
		return nil
	})
	if err != nil {
		return task.Task{}, false, err
	}
	return updated, ok, nil
}

func (s *Store) updateTask(ctx context.Context, t task.Task) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return apperrors.Internal("marshal tags", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET worker_id=$2, need=$3, context=$4, result=$5, max_credits=$6, credits_charged=$7,
			tags=$8, status=$9, rejection_count=$10, review_window_ns=$11, claim_window_ns=$12,
			deliver_window_ns=$13, verify_window_ns=$14, max_rejections=$15, match_status=$16,
			match_deadline=$17, verification_status=$18, poster_rating=$19, worker_rating=$20,
			claimed_at=$21, delivered_at=$22, approved_at=$23, claim_deadline=$24, delivery_deadline=$25,
			review_deadline=$26, updated_at=$27
		WHERE id=$1
	`, t.ID, nullableString(t.WorkerID), t.Need, t.Context, t.Result, t.MaxCredits, t.CreditsCharged,
		tagsJSON, string(t.Status), t.RejectionCount, t.Timeouts.ReviewWindow, t.Timeouts.ClaimWindow,
		t.Timeouts.DeliverWindow, t.Timeouts.VerifyWindow, t.Timeouts.MaxRejections, string(t.MatchStatus),
		nullableTime(t.MatchDeadline), string(t.VerificationStatus), t.PosterRating, t.WorkerRating,
		nullableTime(t.ClaimedAt), nullableTime(t.DeliveredAt), nullableTime(t.ApprovedAt),
		nullableTime(t.ClaimDeadline), nullableTime(t.DeliveryDeadline), nullableTime(t.ReviewDeadline), t.UpdatedAt)
	if err != nil {
		return apperrors.Internal("update task", err)
	}
	return nil
}

func (s *Store) ListClaimedPastDeliveryDeadline(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'claimed' AND delivery_deadline < $1 ORDER BY created_at ASC`, now)
}

func (s *Store) ListDeliveredPastReviewDeadline(ctx context.Context, now time.Time, systemOnly bool) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'delivered' AND system = $2 AND review_deadline < $1 ORDER BY created_at ASC`, now, systemOnly)
}

func (s *Store) ListPendingMatchPastDeadline(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE match_status = 'pending' AND match_deadline < $1 ORDER BY created_at ASC`, now)
}

func (s *Store) ListPostedPastClaimDeadline(ctx context.Context, now time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'posted' AND claim_deadline < $1 ORDER BY created_at ASC`, now)
}

func (s *Store) ListApprovedForAgent(ctx context.Context, agentID string, role string) ([]task.Task, error) {
	column := "poster_id"
	if role == "worker" {
		column = "worker_id"
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'approved' AND `+column+` = $1 ORDER BY created_at ASC`, agentID)
}

// --- Matches ---------------------------------------------------------------

func (s *Store) CreateMatches(ctx context.Context, matches []task.Match) error {
	for _, m := range matches {
		_, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO task_matches (task_id, agent_id, rank) VALUES ($1, $2, $3)
		`, m.TaskID, m.AgentID, m.Rank)
		if err != nil {
			return apperrors.Internal("create task match", err)
		}
	}
	return nil
}

func (s *Store) ListMatchesForTask(ctx context.Context, taskID string) ([]task.Match, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT task_id, agent_id, rank FROM task_matches WHERE task_id = $1 ORDER BY rank ASC
	`, taskID)
	if err != nil {
		return nil, apperrors.Internal("list matches for task", err)
	}
	defer rows.Close()
	var out []task.Match
	for rows.Next() {
		var m task.Match
		if err := rows.Scan(&m.TaskID, &m.AgentID, &m.Rank); err != nil {
			return nil, apperrors.Internal("scan match", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMatchesForAgent(ctx context.Context, agentID string) ([]task.Match, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT m.task_id, m.agent_id, m.rank
		FROM task_matches m JOIN tasks t ON t.id = m.task_id
		WHERE m.agent_id = $1
		ORDER BY m.rank ASC, t.created_at ASC
	`, agentID)
	if err != nil {
		return nil, apperrors.Internal("list matches for agent", err)
	}
	defer rows.Close()
	var out []task.Match
	for rows.Next() {
		var m task.Match
		if err := rows.Scan(&m.TaskID, &m.AgentID, &m.Rank); err != nil {
			return nil, apperrors.Internal("scan match", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ClearMatchesForTask(ctx context.Context, taskID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM task_matches WHERE task_id = $1`, taskID)
	if err != nil {
		return apperrors.Internal("clear matches for task", err)
	}
	return nil
}

// --- Ledger ---------------------------------------------------------------

func (s *Store) AppendLedgerEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	row := s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, agent_id, amount, reason, task_id, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE((SELECT MAX(seq) FROM ledger_entries WHERE agent_id = $2), 0) + 1, $6)
		RETURNING seq
	`, e.ID, e.AgentID, e.Amount, string(e.Reason), nullableString(e.TaskID), e.CreatedAt)
	if err := row.Scan(&e.Seq); err != nil {
		return ledger.Entry{}, apperrors.Internal("append ledger entry", err)
	}
	return e, nil
}

func (s *Store) ListLedgerForAgent(ctx context.Context, agentID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, agent_id, amount, reason, task_id, seq, created_at
		FROM ledger_entries WHERE agent_id = $1 ORDER BY seq DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, apperrors.Internal("list ledger for agent", err)
	}
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var taskID sql.NullString
		var reason string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Amount, &reason, &taskID, &e.Seq, &e.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan ledger entry", err)
		}
		e.Reason = ledger.ReasonCode(reason)
		e.TaskID = taskID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) FoldLedger(ctx context.Context, agentID string) (int64, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE agent_id = $1`, agentID)
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, apperrors.Internal("fold ledger", err)
	}
	return sum, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
