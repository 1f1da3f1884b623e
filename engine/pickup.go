package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/task"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
	"github.com/anneschuth/pinchwork/infrastructure/resilience"
)

// PickupFilter narrows the candidates PickupNext considers. A candidate
// task must carry every tag in Tags and, when Text is set, contain it
// (case-insensitive) in its need.
type PickupFilter struct {
	Tags []string
	Text string
}

func (f PickupFilter) matches(t task.Task) bool {
	for _, want := range f.Tags {
		found := false
		for _, got := range t.Tags {
			if strings.EqualFold(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(t.Need), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

// familyWorkers returns the set of agents currently recorded as the worker
// of a task in t's family (its root parent plus every sibling sub-task).
// A system-task performer stays recorded on the sub-task it delivered, so
// it is disqualified from claiming the parent or any of its other
// sub-tasks; a worker whose claim was cleared (abandon, expiry, terminal
// reject) is no longer in the set.
func (s *Service) familyWorkers(ctx context.Context, t task.Task) (map[string]bool, error) {
	root := t.ParentTaskID
	if root == "" {
		root = t.ID
	}
	workers := map[string]bool{}
	rootTask, err := s.store.GetTask(ctx, root)
	if err != nil {
		return nil, err
	}
	if rootTask.WorkerID != "" {
		workers[rootTask.WorkerID] = true
	}
	children, err := s.store.ListByParent(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.WorkerID != "" {
			workers[c.WorkerID] = true
		}
	}
	return workers, nil
}

// eligible applies the eligibility rules common to every pickup phase.
func (s *Service) eligible(ctx context.Context, a agent.Agent, t task.Task, filter PickupFilter) (bool, error) {
	if t.PosterID == a.ID {
		return false, nil
	}
	if a.Suspended || s.cooldowns.inCooldown(a.ID) {
		return false, nil
	}
	if !t.System && !a.SatisfiesTags(t.Tags) {
		return false, nil
	}
	if !filter.matches(t) {
		return false, nil
	}
	family, err := s.familyWorkers(ctx, t)
	if err != nil {
		return false, err
	}
	if family[a.ID] {
		return false, nil
	}
	return true, nil
}

// claim performs the atomic claim write common to every phase: a
// conditional transition guarded by status=posted, recording the worker
// and a fresh delivery deadline, and clearing any prior match rows.
func (s *Service) claim(ctx context.Context, agentID string, t task.Task) (task.Task, bool, error) {
	now := s.now()
	updated, ok, err := s.store.CompareAndTransition(ctx, t.ID, task.StatusPosted, func(tk *task.Task) {
		tk.Status = task.StatusClaimed
		tk.WorkerID = agentID
		tk.ClaimedAt = now
		tk.DeliveryDeadline = now.Add(tk.Timeouts.DeliverWindow)
	})
	if err != nil {
		return task.Task{}, false, err
	}
	if !ok {
		return task.Task{}, false, nil
	}
	if err := s.store.ClearMatchesForTask(ctx, t.ID); err != nil {
		return task.Task{}, false, err
	}
	return updated, true, nil
}

// errPickupContended signals that an arbitration pass lost every race it
// entered; resilience.Retry backs off and re-runs the pass against the
// store's then-current candidates.
var errPickupContended = errors.New("pickup arbitration contended")

// PickupNext runs the four-phase arbitration for agentID and claims the
// first eligible candidate it finds. It returns ok=false, err=nil when
// nothing is currently available. A pass that only lost conditional-write
// races is retried with backoff before giving up.
func (s *Service) PickupNext(ctx context.Context, agentID string, filter PickupFilter) (task.Task, bool, error) {
	if err := s.checkRateLimit(agentID, "pickup_next"); err != nil {
		return task.Task{}, false, err
	}
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return task.Task{}, false, err
	}
	if a.Suspended {
		return task.Task{}, false, apperrors.Suspended(agentID)
	}
	if s.cooldowns.inCooldown(agentID) {
		return task.Task{}, false, apperrors.Cooldown(agentID)
	}

	var claimed task.Task
	var won bool
	var opErr error
	_ = resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		var contended bool
		claimed, won, contended, opErr = s.pickupOnce(ctx, a, filter)
		if opErr != nil || won || !contended {
			return nil
		}
		return errPickupContended
	})
	if opErr != nil {
		return task.Task{}, false, opErr
	}
	return claimed, won, nil
}

// pickupOnce is a single arbitration pass over the four phases. contended
// reports whether at least one claim attempt lost its conditional write.
func (s *Service) pickupOnce(ctx context.Context, a agent.Agent, filter PickupFilter) (_ task.Task, won, contended bool, _ error) {
	phases := []struct {
		name  string
		candi func() ([]task.Task, error)
	}{
		{"system", func() ([]task.Task, error) {
			if !a.AcceptsSystemWork {
				return nil, nil
			}
			return s.store.ListSystemPickupCandidates(ctx, a.ID)
		}},
		{"matched", func() ([]task.Task, error) {
			matches, err := s.store.ListMatchesForAgent(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			out := make([]task.Task, 0, len(matches))
			for _, m := range matches {
				t, err := s.store.GetTask(ctx, m.TaskID)
				if err != nil {
					continue
				}
				if t.Status == task.StatusPosted {
					out = append(out, t)
				}
			}
			return out, nil
		}},
		{"broadcast", func() ([]task.Task, error) {
			return s.store.ListPickupCandidates(ctx, a.ID, s.now())
		}},
		{"legacy_pending", func() ([]task.Task, error) {
			pending, err := s.store.ListPendingMatchPastDeadline(ctx, s.now())
			if err != nil {
				return nil, err
			}
			out := pending[:0]
			for _, t := range pending {
				if t.Status == task.StatusPosted {
					out = append(out, t)
				}
			}
			return out, nil
		}},
	}

	for _, phase := range phases {
		candidates, err := phase.candi()
		if err != nil {
			return task.Task{}, false, contended, err
		}
		for _, c := range candidates {
			ok, err := s.eligible(ctx, a, c, filter)
			if err != nil {
				return task.Task{}, false, contended, err
			}
			if !ok {
				continue
			}

			// A lost claim is not retried against the same candidate:
			// contention is resolved by moving on to the next candidate
			// in this phase's ordering.
			claimed, won, err := s.claim(ctx, a.ID, c)
			if err != nil {
				return task.Task{}, false, contended, err
			}
			if !won {
				contended = true
				s.metrics.PickupContentionTotal.Inc()
				s.metrics.PickupAttemptsTotal.WithLabelValues(phase.name, "lost").Inc()
				continue
			}
			s.metrics.PickupAttemptsTotal.WithLabelValues(phase.name, "claimed").Inc()
			s.logger.LogTransition(ctx, claimed.ID, string(task.StatusPosted), string(task.StatusClaimed), "claim")
			s.events.Publish(statusEvent(EventTaskClaimed, claimed.ID, task.StatusPosted, task.StatusClaimed), claimed.PosterID)
			return claimed, true, contended, nil
		}
	}
	return task.Task{}, false, contended, nil
}

// PickupSpecific claims a named task, enforcing the same eligibility
// rules as PickupNext but without phase search.
func (s *Service) PickupSpecific(ctx context.Context, agentID, taskID string) (task.Task, error) {
	if err := s.checkRateLimit(agentID, "pickup_specific"); err != nil {
		return task.Task{}, err
	}
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return task.Task{}, err
	}
	if a.Suspended {
		return task.Task{}, apperrors.Suspended(agentID)
	}
	if s.cooldowns.inCooldown(agentID) {
		return task.Task{}, apperrors.Cooldown(agentID)
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status != task.StatusPosted {
		return task.Task{}, apperrors.Conflict("task is not in posted status")
	}
	ok, err := s.eligible(ctx, a, t, PickupFilter{})
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		return task.Task{}, apperrors.Conflict("agent is not eligible for this task")
	}

	claimed, won, err := s.claim(ctx, agentID, t)
	if err != nil {
		return task.Task{}, err
	}
	if !won {
		s.metrics.PickupContentionTotal.Inc()
		return task.Task{}, apperrors.Conflict("task is not in posted status")
	}
	s.metrics.PickupAttemptsTotal.WithLabelValues("specific", "claimed").Inc()
	s.logger.LogTransition(ctx, claimed.ID, string(task.StatusPosted), string(task.StatusClaimed), "claim")
	s.events.Publish(statusEvent(EventTaskClaimed, claimed.ID, task.StatusPosted, task.StatusClaimed), claimed.PosterID)
	return claimed, nil
}
