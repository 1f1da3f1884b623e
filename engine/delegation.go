package engine

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/domain/task"
)

// infraAgentsExist reports whether any non-suspended agent currently
// accepts system work.
func (s *Service) infraAgentsExist(ctx context.Context) (bool, error) {
	infra, err := s.store.ListAgents(ctx, agent.Filter{AcceptsSystemWork: boolPtr(true), Suspended: boolPtr(false)})
	if err != nil {
		return false, err
	}
	return len(infra) > 0, nil
}

// spawnMatch creates the matching sub-task for a freshly posted parent, or
// falls back to an immediate broadcast when no infra agent could perform
// the match.
func (s *Service) spawnMatch(ctx context.Context, parent task.Task) error {
	haveInfra, err := s.infraAgentsExist(ctx)
	if err != nil {
		return err
	}
	if !haveInfra {
		_, _, err := s.store.CompareAndTransition(ctx, parent.ID, parent.Status, func(t *task.Task) {
			t.MatchStatus = task.MatchBroadcast
		})
		return err
	}

	window := s.cfg.Windows.SystemWindow
	now := s.now()
	child := task.Task{
		PosterID:       agent.PlatformID,
		Need:           fmt.Sprintf("rank candidate workers for task %s", parent.ID),
		Context:        fmt.Sprintf("need: %s\ntags: %v", parent.Need, parent.Tags),
		System:         true,
		ParentTaskID:   parent.ID,
		SystemTaskType: task.SystemTaskMatch,
		Status:         task.StatusPosted,
		Timeouts: task.Timeouts{
			ReviewWindow:  window,
			ClaimWindow:   window,
			DeliverWindow: window,
			MaxRejections: 1,
		},
		CreatedAt:     now,
		ClaimDeadline: now.Add(window),
	}
	if _, err := s.store.CreateTask(ctx, child); err != nil {
		return err
	}
	s.metrics.SystemTasksSpawned.WithLabelValues("match").Inc()

	_, _, err = s.store.CompareAndTransition(ctx, parent.ID, parent.Status, func(t *task.Task) {
		t.MatchStatus = task.MatchPending
		t.MatchDeadline = now.Add(window)
	})
	return err
}

// parseMatchResult decodes a match system task's delivered result, which
// is expected to be a JSON array of {"agent_id": "...", "rank": N}
// objects. A malformed or non-array result yields a nil slice, which the
// caller treats as "fall back to broadcast."
func parseMatchResult(result string) []task.Match {
	parsed := gjson.Parse(result)
	if !parsed.IsArray() {
		return nil
	}
	var out []task.Match
	parsed.ForEach(func(_, value gjson.Result) bool {
		agentID := value.Get("agent_id").String()
		if agentID == "" {
			return true
		}
		out = append(out, task.Match{AgentID: agentID, Rank: int(value.Get("rank").Int())})
		return true
	})
	return out
}

// applyMatchResult is invoked when a match system task is delivered
// (engine/lifecycle.go Deliver): it parses the ranked candidate list, drops
// ineligible candidates, writes the surviving TaskMatch rows, and updates
// the parent's match_status.
func (s *Service) applyMatchResult(ctx context.Context, matchTask task.Task) error {
	parent, err := s.store.GetTask(ctx, matchTask.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.Status != task.StatusPosted {
		return nil // parent already claimed or withdrawn; the match is moot
	}

	candidates := parseMatchResult(matchTask.Result)
	eligible := make([]task.Match, 0, len(candidates))
	for _, m := range candidates {
		if m.AgentID == parent.PosterID || m.AgentID == matchTask.WorkerID {
			continue
		}
		a, err := s.store.GetAgent(ctx, m.AgentID)
		if err != nil || a.Suspended {
			continue
		}
		eligible = append(eligible, task.Match{TaskID: parent.ID, AgentID: m.AgentID, Rank: m.Rank})
	}

	if len(eligible) == 0 {
		_, _, err := s.store.CompareAndTransition(ctx, parent.ID, task.StatusPosted, func(t *task.Task) {
			t.MatchStatus = task.MatchBroadcast
		})
		return err
	}

	if err := s.store.CreateMatches(ctx, eligible); err != nil {
		return err
	}
	_, _, err = s.store.CompareAndTransition(ctx, parent.ID, task.StatusPosted, func(t *task.Task) {
		t.MatchStatus = task.MatchMatched
	})
	if err != nil {
		return err
	}
	for _, m := range eligible {
		s.events.Publish(Event{Kind: EventTaskPosted, TaskID: parent.ID}, m.AgentID)
	}
	return nil
}

// spawnVerify creates the verification sub-task for a freshly delivered
// parent, when an infra agent exists to perform it. When none does, the
// parent simply waits on the poster's own review.
func (s *Service) spawnVerify(ctx context.Context, parent task.Task) error {
	haveInfra, err := s.infraAgentsExist(ctx)
	if err != nil {
		return err
	}
	if !haveInfra {
		return nil
	}

	window := s.cfg.Windows.SystemWindow
	if parent.Timeouts.VerifyWindow > 0 {
		window = parent.Timeouts.VerifyWindow
	}
	now := s.now()
	child := task.Task{
		PosterID:       agent.PlatformID,
		Need:           fmt.Sprintf("verify the delivered result for task %s meets its requirements", parent.ID),
		Context:        fmt.Sprintf("need: %s\n\ndelivered result: %s", parent.Need, parent.Result),
		System:         true,
		ParentTaskID:   parent.ID,
		SystemTaskType: task.SystemTaskVerify,
		Status:         task.StatusPosted,
		Timeouts: task.Timeouts{
			ReviewWindow:  window,
			ClaimWindow:   window,
			DeliverWindow: window,
			MaxRejections: 1,
		},
		CreatedAt:     now,
		ClaimDeadline: now.Add(window),
	}
	if _, err := s.store.CreateTask(ctx, child); err != nil {
		return err
	}
	s.metrics.SystemTasksSpawned.WithLabelValues("verify").Inc()

	_, _, err = s.store.CompareAndTransition(ctx, parent.ID, task.StatusDelivered, func(t *task.Task) {
		t.VerificationStatus = task.VerificationPending
	})
	return err
}

// verifyVerdict is the structured result a verify system task delivers.
type verifyVerdict struct {
	MeetsRequirements bool
	Explanation       string
}

func parseVerifyVerdict(result string) (verifyVerdict, bool) {
	parsed := gjson.Parse(result)
	if !parsed.IsObject() {
		return verifyVerdict{}, false
	}
	mr := parsed.Get("meets_requirements")
	if !mr.Exists() {
		return verifyVerdict{}, false
	}
	return verifyVerdict{
		MeetsRequirements: mr.Bool(),
		Explanation:       parsed.Get("explanation").String(),
	}, true
}

// applyVerifyResult is invoked when a verify system task is delivered: on
// a passing verdict it approves the parent on the poster's behalf; a
// failing or unparseable verdict is purely advisory and leaves the parent
// for the poster's own review window to resolve.
func (s *Service) applyVerifyResult(ctx context.Context, verifyTask task.Task) error {
	parent, err := s.store.GetTask(ctx, verifyTask.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.Status != task.StatusDelivered {
		return nil
	}

	verdict, ok := parseVerifyVerdict(verifyTask.Result)
	if !ok {
		return nil
	}
	if !verdict.MeetsRequirements {
		_, _, err := s.store.CompareAndTransition(ctx, parent.ID, task.StatusDelivered, func(t *task.Task) {
			t.VerificationStatus = task.VerificationFailed
		})
		return err
	}

	_, _, err = s.store.CompareAndTransition(ctx, parent.ID, task.StatusDelivered, func(t *task.Task) {
		t.VerificationStatus = task.VerificationPassed
	})
	if err != nil {
		return err
	}
	if _, err := s.approve(ctx, parent.ID, nil); err != nil {
		return err
	}
	return nil
}
