// Package engine implements the Pinchwork core: balance and escrow
// mutation primitives, the credit ledger fold, the task lifecycle
// operations, the four-phase pickup arbitration, the recursive
// match/verify delegation, and the background reaper.
package engine

import (
	"context"
	"time"

	"github.com/anneschuth/pinchwork/applications/storage"
	"github.com/anneschuth/pinchwork/domain/agent"
	"github.com/anneschuth/pinchwork/infrastructure/cache"
	"github.com/anneschuth/pinchwork/infrastructure/config"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
	"github.com/anneschuth/pinchwork/infrastructure/logging"
	"github.com/anneschuth/pinchwork/infrastructure/metrics"
)

// RateLimiter is the admission-control hook the surrounding layer may
// configure. Allow reports whether the operation identified by key
// (conventionally "<agent_id>:<operation>") may proceed now.
type RateLimiter interface {
	Allow(key string) bool
}

// Clock abstracts time.Now so tests can control deadline arithmetic
// without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Subscriber receives Event values for a single agent's stream. It is
// satisfied by *AgentStream from events.go.
type Subscriber interface {
	Publish(evt Event)
}

// Service is the Pinchwork core: every marketplace operation is a method
// on Service, backed by a storage.Store and the ambient infrastructure.
type Service struct {
	store   storage.Store
	cfg     config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	clock   Clock

	rateLimiter RateLimiter
	cooldowns   *cooldownTracker
	events      *EventBus
}

// Options configures optional collaborators; zero-value Options is valid
// and builds permissive, self-contained defaults.
type Options struct {
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Clock       Clock
	RateLimiter RateLimiter
	Cache       *cache.Cache
}

// New constructs a Service. It also ensures the platform agent exists.
func New(ctx context.Context, store storage.Store, cfg config.Config, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewFromEnv("engine")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.Config{DefaultTTL: cfg.AbandonCooldown, CleanupInterval: time.Minute})
	}

	svc := &Service{
		store:       store,
		cfg:         cfg,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		rateLimiter: opts.RateLimiter,
		cooldowns:   newCooldownTracker(opts.Cache, cfg.AbandonThreshold, cfg.AbandonWindow, cfg.AbandonCooldown),
		events:      NewEventBus(256),
	}

	if err := svc.ensurePlatformAgent(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) ensurePlatformAgent(ctx context.Context) error {
	if _, err := s.store.GetAgent(ctx, agent.PlatformID); err == nil {
		return nil
	}
	_, err := s.store.CreateAgent(ctx, agent.Agent{
		ID:                agent.PlatformID,
		DisplayName:       "platform",
		AcceptsSystemWork: false,
		Balance:           0,
		Escrowed:          0,
	})
	return err
}

// Events returns the event bus, letting callers (the HTTP/streaming
// projecting layer) subscribe per agent.
func (s *Service) Events() *EventBus { return s.events }

func (s *Service) now() time.Time { return s.clock.Now() }

func (s *Service) checkRateLimit(agentID, operation string) error {
	if s.rateLimiter == nil {
		return nil
	}
	if !s.rateLimiter.Allow(agentID + ":" + operation) {
		return apperrors.RateLimited(operation)
	}
	return nil
}
