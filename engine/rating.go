package engine

import "context"

// RatingSummary is an agent's average ratings, exposed as a derived read
// rather than stored as a mutable scalar that could drift from its
// source rows.
type RatingSummary struct {
	AsWorkerAverage float64
	AsWorkerCount   int
	AsPosterAverage float64
	AsPosterCount   int
}

// RatingStats computes agentID's rating averages by folding over its
// approved tasks: the average PosterRating it received while working
// (poster rating worker), and the average WorkerRating it received while
// posting (worker rating poster). Arithmetic mean.
func (s *Service) RatingStats(ctx context.Context, agentID string) (RatingSummary, error) {
	var summary RatingSummary

	asWorker, err := s.store.ListApprovedForAgent(ctx, agentID, "worker")
	if err != nil {
		return RatingSummary{}, err
	}
	var workerSum int
	for _, t := range asWorker {
		if t.PosterRating != 0 {
			workerSum += t.PosterRating
			summary.AsWorkerCount++
		}
	}
	if summary.AsWorkerCount > 0 {
		summary.AsWorkerAverage = float64(workerSum) / float64(summary.AsWorkerCount)
	}

	asPoster, err := s.store.ListApprovedForAgent(ctx, agentID, "poster")
	if err != nil {
		return RatingSummary{}, err
	}
	var posterSum int
	for _, t := range asPoster {
		if t.WorkerRating != 0 {
			posterSum += t.WorkerRating
			summary.AsPosterCount++
		}
	}
	if summary.AsPosterCount > 0 {
		summary.AsPosterAverage = float64(posterSum) / float64(summary.AsPosterCount)
	}

	return summary, nil
}
