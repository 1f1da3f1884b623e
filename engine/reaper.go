package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anneschuth/pinchwork/domain/task"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
	"github.com/anneschuth/pinchwork/infrastructure/resilience"
)

// Reaper drives every time-based transition in the marketplace on a
// robfig/cron schedule: claim expiry, review-window auto-approval,
// match-deadline broadcast, system-task auto-approval, and
// unclaimed-task expiry.
type Reaper struct {
	svc     *Service
	cron    *cron.Cron
	breaker *resilience.CircuitBreaker
	entryID cron.EntryID
}

// NewReaper builds a Reaper for svc, ticking at the given interval
// (default 10 seconds).
func NewReaper(svc *Service, tick time.Duration) *Reaper {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	c := cron.New(cron.WithSeconds())
	r := &Reaper{
		svc:     svc,
		cron:    c,
		breaker: resilience.New(resilience.ForStoreCalls(svc.logger)),
	}
	schedule := fmt.Sprintf("@every %s", tick)
	id, err := c.AddFunc(schedule, r.runOnce)
	if err != nil {
		// Only reachable with a malformed duration string, which @every
		// never produces for a valid time.Duration; keep the zero EntryID
		// rather than panicking from a background component.
		svc.logger.LogError(context.Background(), "reaper schedule rejected", err)
		return r
	}
	r.entryID = id
	return r
}

// Start begins the cron schedule. Stop (or cron.Cron.Stop via Reaper.Stop)
// must be called to release the background goroutine.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() { <-r.cron.Stop().Done() }

// runOnce performs all five sweeps in a fixed order. Each sweep is
// independent: one sweep's error does not prevent the next from running.
func (r *Reaper) runOnce() {
	ctx := context.Background()
	r.sweep(ctx, "claim_deadline", r.svc.sweepClaimDeadlines)
	r.sweep(ctx, "review_window", r.svc.sweepReviewWindow)
	r.sweep(ctx, "match_deadline", r.svc.sweepMatchDeadlines)
	r.sweep(ctx, "system_auto_approval", r.svc.sweepSystemAutoApproval)
	r.sweep(ctx, "unclaimed_expiry", r.svc.sweepUnclaimedExpiry)
}

func (r *Reaper) sweep(ctx context.Context, name string, fn func(ctx context.Context) (examined, transitioned, skipped int, err error)) {
	start := time.Now()
	var examined, transitioned, skipped int
	err := r.breaker.Execute(ctx, func() error {
		var err error
		examined, transitioned, skipped, err = fn(ctx)
		return err
	})
	dur := time.Since(start)
	r.svc.metrics.ReaperSweepDuration.WithLabelValues(name).Observe(dur.Seconds())
	if err != nil {
		r.svc.metrics.ReaperSweepErrors.WithLabelValues(name).Inc()
		r.svc.logger.LogError(ctx, "reaper sweep "+name+" failed", err)
		return
	}
	r.svc.logger.LogReaperSweep(ctx, name, examined, transitioned, skipped, dur)
}

// sweepClaimDeadlines returns claimed tasks past their delivery deadline
// to posted, or expires them if max_rejections has already been reached.
func (s *Service) sweepClaimDeadlines(ctx context.Context) (examined, transitioned, skipped int, err error) {
	now := s.now()
	candidates, err := s.store.ListClaimedPastDeliveryDeadline(ctx, now)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, t := range candidates {
		examined++
		workerID := t.WorkerID
		terminal := t.RejectionCount >= t.Timeouts.MaxRejections

		var ev task.Event = task.EventReaperClaimRetry
		if terminal {
			ev = task.EventReaperClaimMax
		}
		to, allowed := task.Allowed(task.StatusClaimed, ev)
		if !allowed {
			skipped++
			continue
		}

		updated, ok, txErr := s.store.CompareAndTransition(ctx, t.ID, task.StatusClaimed, func(tk *task.Task) {
			tk.Status = to
			tk.WorkerID = ""
			if !terminal {
				tk.ClaimDeadline = now.Add(tk.Timeouts.ClaimWindow)
			}
		})
		if txErr != nil {
			if !apperrors.Is(txErr, apperrors.KindConflict) {
				return examined, transitioned, skipped, txErr
			}
			skipped++
			continue
		}
		if !ok {
			skipped++
			continue
		}

		if terminal && !updated.System {
			if err := s.refundEscrow(ctx, updated.PosterID, updated.ID, updated.MaxCredits); err != nil {
				return examined, transitioned, skipped, err
			}
		}
		if workerID != "" {
			if err := s.store.IncrementAbandonCount(ctx, workerID); err != nil {
				return examined, transitioned, skipped, err
			}
			if s.cooldowns.recordAbandon(workerID, now) {
				s.metrics.ActiveCooldowns.Inc()
			}
		}
		transitioned++
		s.metrics.TaskTransitionsTotal.WithLabelValues(string(to), string(ev)).Inc()
		s.logger.LogTransition(ctx, updated.ID, string(task.StatusClaimed), string(to), string(ev))
	}
	return examined, transitioned, skipped, nil
}

// sweepReviewWindow approves delivered non-system tasks past their
// review deadline on the poster's behalf.
func (s *Service) sweepReviewWindow(ctx context.Context) (examined, transitioned, skipped int, err error) {
	candidates, err := s.store.ListDeliveredPastReviewDeadline(ctx, s.now(), false)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, t := range candidates {
		examined++
		if _, approveErr := s.approve(ctx, t.ID, nil); approveErr != nil {
			if apperrors.Is(approveErr, apperrors.KindConflict) {
				skipped++
				continue
			}
			return examined, transitioned, skipped, approveErr
		}
		transitioned++
	}
	return examined, transitioned, skipped, nil
}

// sweepMatchDeadlines falls tasks still pending a match past their match
// deadline back to broadcast.
func (s *Service) sweepMatchDeadlines(ctx context.Context) (examined, transitioned, skipped int, err error) {
	candidates, err := s.store.ListPendingMatchPastDeadline(ctx, s.now())
	if err != nil {
		return 0, 0, 0, err
	}
	for _, t := range candidates {
		examined++
		_, ok, txErr := s.store.CompareAndTransition(ctx, t.ID, t.Status, func(tk *task.Task) {
			tk.MatchStatus = task.MatchBroadcast
		})
		if txErr != nil {
			return examined, transitioned, skipped, txErr
		}
		if !ok {
			skipped++
			continue
		}
		transitioned++
	}
	return examined, transitioned, skipped, nil
}

// sweepSystemAutoApproval approves delivered system tasks past their
// (shorter) review window automatically.
func (s *Service) sweepSystemAutoApproval(ctx context.Context) (examined, transitioned, skipped int, err error) {
	candidates, err := s.store.ListDeliveredPastReviewDeadline(ctx, s.now(), true)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, t := range candidates {
		examined++
		if _, approveErr := s.approve(ctx, t.ID, nil); approveErr != nil {
			if apperrors.Is(approveErr, apperrors.KindConflict) {
				skipped++
				continue
			}
			return examined, transitioned, skipped, approveErr
		}
		transitioned++
	}
	return examined, transitioned, skipped, nil
}

// sweepUnclaimedExpiry expires tasks that sat in posted past their own
// claim_deadline without ever being claimed; sweepClaimDeadlines never
// touches these (it only examines claimed tasks). A never-claimed task
// expires and its escrow refunds in full, mirroring cancel's refund path.
func (s *Service) sweepUnclaimedExpiry(ctx context.Context) (examined, transitioned, skipped int, err error) {
	candidates, err := s.store.ListPostedPastClaimDeadline(ctx, s.now())
	if err != nil {
		return 0, 0, 0, err
	}
	for _, t := range candidates {
		examined++
		updated, ok, txErr := s.store.CompareAndTransition(ctx, t.ID, task.StatusPosted, func(tk *task.Task) {
			tk.Status = task.StatusExpired
		})
		if txErr != nil {
			return examined, transitioned, skipped, txErr
		}
		if !ok {
			skipped++
			continue
		}
		if !updated.System {
			if err := s.refundEscrow(ctx, updated.PosterID, updated.ID, updated.MaxCredits); err != nil {
				return examined, transitioned, skipped, err
			}
		}
		transitioned++
		s.metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusExpired), string(task.EventReaperUnclaimed)).Inc()
		s.logger.LogTransition(ctx, updated.ID, string(task.StatusPosted), string(task.StatusExpired), string(task.EventReaperUnclaimed))
		s.events.Publish(statusEvent(EventTaskExpired, updated.ID, task.StatusPosted, task.StatusExpired), updated.PosterID)
	}
	return examined, transitioned, skipped, nil
}
