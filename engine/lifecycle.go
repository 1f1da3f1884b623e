package engine

import (
	"context"
	"time"

	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/ledger"
	"github.com/anneschuth/pinchwork/domain/task"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
)

func boolPtr(b bool) *bool { return &b }

// statusEvent builds a notification payload: the task id plus the
// before/after status fields relevant to the transition.
func statusEvent(kind EventKind, taskID string, from, to task.Status) Event {
	return Event{
		Kind:   kind,
		TaskID: taskID,
		Before: map[string]any{"status": string(from)},
		After:  map[string]any{"status": string(to)},
	}
}

func (s *Service) fillDefaultTimeouts(t task.Timeouts) task.Timeouts {
	if t.ReviewWindow <= 0 {
		t.ReviewWindow = s.cfg.Windows.ReviewWindow
	}
	if t.ClaimWindow <= 0 {
		t.ClaimWindow = s.cfg.Windows.ClaimWindow
	}
	if t.DeliverWindow <= 0 {
		t.DeliverWindow = s.cfg.Windows.DeliverWindow
	}
	if t.VerifyWindow <= 0 {
		t.VerifyWindow = s.cfg.Windows.SystemWindow
	}
	if t.MaxRejections <= 0 {
		t.MaxRejections = s.cfg.Windows.MaxRejections
	}
	return t
}

// Register creates a new agent and credits the initial grant.
func (s *Service) Register(ctx context.Context, displayName, capabilities string, acceptsSystemWork bool) (agent.Agent, error) {
	if err := validateDisplayName(s.cfg.Limits, displayName); err != nil {
		return agent.Agent{}, err
	}
	if err := validateLen("capabilities", capabilities, s.cfg.Limits.MaxCapabilitiesChars); err != nil {
		return agent.Agent{}, err
	}

	var created agent.Agent
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateAgent(ctx, agent.Agent{
			DisplayName:       displayName,
			Capabilities:      capabilities,
			AcceptsSystemWork: acceptsSystemWork,
		})
		if err != nil {
			return err
		}
		return s.grant(ctx, created.ID, "", s.cfg.InitialGrant, ledger.ReasonGrant)
	})
	if err != nil {
		return agent.Agent{}, err
	}
	return s.store.GetAgent(ctx, created.ID)
}

// Create posts a new task, holding its escrow and spawning matching.
func (s *Service) Create(ctx context.Context, posterID, need, taskCtx string, maxCredits int64, tags []string, timeouts task.Timeouts) (task.Task, error) {
	if err := s.checkRateLimit(posterID, "create_task"); err != nil {
		return task.Task{}, err
	}
	poster, err := s.store.GetAgent(ctx, posterID)
	if err != nil {
		return task.Task{}, err
	}
	if poster.Suspended {
		return task.Task{}, apperrors.Suspended(posterID)
	}
	if err := validateLen("need", need, s.cfg.Limits.MaxNeedChars); err != nil {
		return task.Task{}, err
	}
	if err := validateLen("context", taskCtx, s.cfg.Limits.MaxContextChars); err != nil {
		return task.Task{}, err
	}
	if err := validateMaxCredits(s.cfg.Limits, maxCredits); err != nil {
		return task.Task{}, err
	}
	if err := validateTags(s.cfg.Limits, tags); err != nil {
		return task.Task{}, err
	}

	timeouts = s.fillDefaultTimeouts(timeouts)
	now := s.now()

	var created task.Task
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		t := task.Task{
			PosterID:      posterID,
			Need:          need,
			Context:       taskCtx,
			MaxCredits:    maxCredits,
			Tags:          tags,
			Status:        task.StatusPosted,
			Timeouts:      timeouts,
			MatchStatus:   task.MatchNone,
			CreatedAt:     now,
			ClaimDeadline: now.Add(timeouts.ClaimWindow),
		}
		var err error
		created, err = s.store.CreateTask(ctx, t)
		if err != nil {
			return err
		}
		return s.holdEscrow(ctx, posterID, created.ID, maxCredits)
	})
	if err != nil {
		return task.Task{}, err
	}

	s.metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusPosted), "create").Inc()
	s.logger.LogTransition(ctx, created.ID, "", string(task.StatusPosted), "create")

	// Matching spawn is fire-and-forget: a failure here never unwinds
	// the task that was already committed above.
	if err := s.spawnMatch(ctx, created); err != nil {
		s.logger.LogError(ctx, "spawn match task failed", err)
	}

	return s.store.GetTask(ctx, created.ID)
}

// GetTask returns the task, optionally blocking up to waitSeconds for it
// to reach a terminal status.
func (s *Service) GetTask(ctx context.Context, taskID string, waitSeconds int) (task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if waitSeconds <= 0 || t.Status.Terminal() {
		return t, nil
	}

	timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
	defer timer.Stop()
	stream := s.events.Stream(t.PosterID)
	for {
		select {
		case <-ctx.Done():
			return t, nil
		case <-timer.C:
			return t, nil
		case <-stream.Wait():
			t, err = s.store.GetTask(ctx, taskID)
			if err != nil {
				return task.Task{}, err
			}
			if t.Status.Terminal() {
				return t, nil
			}
		}
	}
}

// Deliver records a worker's result and spawns verification.
func (s *Service) Deliver(ctx context.Context, workerID, taskID, result string, creditsClaimed *int64) (task.Task, error) {
	if err := s.checkRateLimit(workerID, "deliver_task"); err != nil {
		return task.Task{}, err
	}
	if err := validateLen("result", result, s.cfg.Limits.MaxResultChars); err != nil {
		return task.Task{}, err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.WorkerID != workerID {
		return task.Task{}, apperrors.Unauthorized("only the current worker may deliver this task")
	}

	charged := t.MaxCredits
	if creditsClaimed != nil {
		charged = *creditsClaimed
	}
	if charged > t.MaxCredits {
		charged = t.MaxCredits
	}
	if charged < 0 {
		charged = 0
	}
	now := s.now()

	var updated task.Task
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		var ok bool
		var err error
		updated, ok, err = s.store.CompareAndTransition(ctx, taskID, task.StatusClaimed, func(tk *task.Task) {
			tk.Status = task.StatusDelivered
			tk.Result = result
			tk.CreditsCharged = charged
			tk.DeliveredAt = now
			tk.ReviewDeadline = now.Add(tk.Timeouts.ReviewWindow)
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflict("task is not in claimed status")
		}
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}

	s.metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusDelivered), "deliver").Inc()
	s.logger.LogTransition(ctx, updated.ID, string(task.StatusClaimed), string(task.StatusDelivered), "deliver")
	s.events.Publish(statusEvent(EventTaskDelivered, updated.ID, task.StatusClaimed, task.StatusDelivered), updated.PosterID)

	if updated.System {
		switch updated.SystemTaskType {
		case task.SystemTaskMatch:
			if err := s.applyMatchResult(ctx, updated); err != nil {
				s.logger.LogError(ctx, "apply match result failed", err)
			}
		case task.SystemTaskVerify:
			if err := s.applyVerifyResult(ctx, updated); err != nil {
				s.logger.LogError(ctx, "apply verify result failed", err)
			}
		}
	} else if err := s.spawnVerify(ctx, updated); err != nil {
		s.logger.LogError(ctx, "spawn verify task failed", err)
	} else if fresh, err := s.store.GetTask(ctx, updated.ID); err == nil {
		// spawnVerify may have set verification_status; return the task as stored.
		updated = fresh
	}

	return updated, nil
}

// Approve accepts a delivered task and settles its escrow.
func (s *Service) Approve(ctx context.Context, posterID, taskID string, rating *int) (task.Task, error) {
	if err := s.checkRateLimit(posterID, "approve_task"); err != nil {
		return task.Task{}, err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.PosterID != posterID {
		return task.Task{}, apperrors.Unauthorized("only the poster may approve this task")
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		return task.Task{}, apperrors.InvalidInput("rating", "must be 1-5")
	}
	return s.approve(ctx, taskID, rating)
}

// approve is the internal, unauthenticated core of Approve: used both by
// the public Approve (after the poster check) and by advisory
// auto-approval (verify pass, Reaper review-window sweep).
func (s *Service) approve(ctx context.Context, taskID string, rating *int) (task.Task, error) {
	now := s.now()
	var updated task.Task
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var ok bool
		var err error
		updated, ok, err = s.store.CompareAndTransition(ctx, taskID, task.StatusDelivered, func(t *task.Task) {
			t.Status = task.StatusApproved
			t.ApprovedAt = now
			if rating != nil {
				t.PosterRating = *rating
			}
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflict("task is not in delivered status")
		}
		if !updated.System {
			return s.settleApprove(ctx, updated.PosterID, updated.WorkerID, updated.ID, updated.MaxCredits, updated.CreditsCharged)
		}
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}

	s.metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusApproved), "approve").Inc()
	s.logger.LogTransition(ctx, updated.ID, string(task.StatusDelivered), string(task.StatusApproved), "approve")
	s.events.Publish(statusEvent(EventTaskApproved, updated.ID, task.StatusDelivered, task.StatusApproved), updated.PosterID, updated.WorkerID)
	return updated, nil
}

// Reject declines a delivered task, looping back to claimed until
// max_rejections is hit.
func (s *Service) Reject(ctx context.Context, posterID, taskID, reason string, feedback *string) (task.Task, error) {
	if err := s.checkRateLimit(posterID, "reject_task"); err != nil {
		return task.Task{}, err
	}
	if err := validateLen("reason", reason, s.cfg.Limits.MaxFeedbackChars); err != nil {
		return task.Task{}, err
	}
	if feedback != nil {
		if err := validateLen("feedback", *feedback, s.cfg.Limits.MaxFeedbackChars); err != nil {
			return task.Task{}, err
		}
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.PosterID != posterID {
		return task.Task{}, apperrors.Unauthorized("only the poster may reject this task")
	}
	rejectedWorker := t.WorkerID

	var updated task.Task
	var terminal bool
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		newCount := current.RejectionCount + 1
		terminal = newCount >= current.Timeouts.MaxRejections

		var ok bool
		updated, ok, err = s.store.CompareAndTransition(ctx, taskID, task.StatusDelivered, func(t *task.Task) {
			t.RejectionCount = newCount
			if terminal {
				t.Status = task.StatusRejected
				t.WorkerID = ""
			} else {
				t.Status = task.StatusClaimed
				t.DeliveryDeadline = s.now().Add(t.Timeouts.DeliverWindow)
			}
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflict("task is not in delivered status")
		}
		if terminal {
			return s.refundEscrow(ctx, updated.PosterID, updated.ID, updated.MaxCredits)
		}
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}

	event, to := "reject_retry", task.StatusClaimed
	if terminal {
		event, to = "reject_terminal", task.StatusRejected
	}
	s.metrics.TaskTransitionsTotal.WithLabelValues(string(to), event).Inc()
	s.logger.LogTransition(ctx, updated.ID, string(task.StatusDelivered), string(to), event)
	s.events.Publish(statusEvent(EventTaskRejected, updated.ID, task.StatusDelivered, to), rejectedWorker)
	return updated, nil
}

// Cancel withdraws an unclaimed task and refunds escrow in full.
func (s *Service) Cancel(ctx context.Context, posterID, taskID string) (task.Task, error) {
	if err := s.checkRateLimit(posterID, "cancel_task"); err != nil {
		return task.Task{}, err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.PosterID != posterID {
		return task.Task{}, apperrors.Unauthorized("only the poster may cancel this task")
	}

	var updated task.Task
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		var ok bool
		var err error
		updated, ok, err = s.store.CompareAndTransition(ctx, taskID, task.StatusPosted, func(t *task.Task) {
			t.Status = task.StatusCancelled
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflict("task is not in posted status")
		}
		if !updated.System {
			return s.refundEscrow(ctx, updated.PosterID, updated.ID, updated.MaxCredits)
		}
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}

	s.metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusCancelled), "cancel").Inc()
	s.logger.LogTransition(ctx, updated.ID, string(task.StatusPosted), string(task.StatusCancelled), "cancel")
	s.events.Publish(statusEvent(EventTaskCancelled, updated.ID, task.StatusPosted, task.StatusCancelled), updated.WorkerID)
	return updated, nil
}

// Abandon releases a claimed task back to posted.
func (s *Service) Abandon(ctx context.Context, workerID, taskID string) (task.Task, error) {
	if err := s.checkRateLimit(workerID, "abandon_task"); err != nil {
		return task.Task{}, err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.WorkerID != workerID {
		return task.Task{}, apperrors.Unauthorized("only the current worker may abandon this task")
	}

	var updated task.Task
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		var ok bool
		var err error
		updated, ok, err = s.store.CompareAndTransition(ctx, taskID, task.StatusClaimed, func(t *task.Task) {
			t.Status = task.StatusPosted
			t.WorkerID = ""
			t.ClaimDeadline = s.now().Add(t.Timeouts.ClaimWindow)
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflict("task is not in claimed status")
		}
		return s.store.IncrementAbandonCount(ctx, workerID)
	})
	if err != nil {
		return task.Task{}, err
	}

	if s.cooldowns.recordAbandon(workerID, s.now()) {
		s.metrics.ActiveCooldowns.Inc()
	}
	s.metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusPosted), "abandon").Inc()
	s.logger.LogTransition(ctx, updated.ID, string(task.StatusClaimed), string(task.StatusPosted), "abandon")
	return updated, nil
}

// RateTask records the worker's one-shot rating of the poster, symmetric
// to the poster's rating at approve time.
func (s *Service) RateTask(ctx context.Context, workerID, taskID string, rating int) (task.Task, error) {
	if rating < 1 || rating > 5 {
		return task.Task{}, apperrors.InvalidInput("rating", "must be 1-5")
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.WorkerID != workerID {
		return task.Task{}, apperrors.Unauthorized("only the worker may rate this task")
	}
	if t.Status != task.StatusApproved {
		return task.Task{}, apperrors.Conflict("task is not approved")
	}
	if t.WorkerRating != 0 {
		return task.Task{}, apperrors.Conflict("rating already recorded")
	}
	updated, ok, err := s.store.CompareAndTransition(ctx, taskID, task.StatusApproved, func(t *task.Task) {
		t.WorkerRating = rating
	})
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		return task.Task{}, apperrors.Conflict("task is not approved")
	}
	return updated, nil
}

// GetCredits returns an agent's balance, escrow, and recent ledger.
func (s *Service) GetCredits(ctx context.Context, agentID string) (agent.Agent, []ledger.Entry, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return agent.Agent{}, nil, err
	}
	entries, err := s.store.ListLedgerForAgent(ctx, agentID, 50)
	if err != nil {
		return agent.Agent{}, nil, err
	}
	return a, entries, nil
}

// GrantCredits credits an agent's balance by administrative action.
func (s *Service) GrantCredits(ctx context.Context, agentID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, apperrors.InvalidInput("amount", "must be positive")
	}
	if err := validateLen("reason", reason, s.cfg.Limits.MaxFeedbackChars); err != nil {
		return 0, err
	}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		return s.grant(ctx, agentID, "", amount, ledger.ReasonAdjustment)
	})
	if err != nil {
		return 0, err
	}
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Suspend toggles an agent's suspension flag.
func (s *Service) Suspend(ctx context.Context, agentID string, suspended bool, reason string) error {
	return s.store.SetSuspended(ctx, agentID, suspended, reason)
}

// ListAgents exposes agent search for the surrounding HTTP layer.
func (s *Service) ListAgents(ctx context.Context, filter agent.Filter) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx, filter)
}

// UpdateProfile applies a profile patch.
func (s *Service) UpdateProfile(ctx context.Context, agentID string, patch agent.Patch) (agent.Agent, error) {
	if patch.DisplayName != nil {
		if err := validateDisplayName(s.cfg.Limits, *patch.DisplayName); err != nil {
			return agent.Agent{}, err
		}
	}
	if patch.Capabilities != nil {
		if err := validateLen("capabilities", *patch.Capabilities, s.cfg.Limits.MaxCapabilitiesChars); err != nil {
			return agent.Agent{}, err
		}
	}
	return s.store.UpdateAgentProfile(ctx, agentID, patch)
}
