package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"offramp/internal/deadletter"
	"offramp/internal/idempotency"
	"offramp/internal/logging"
	"offramp/internal/metrics"
	"offramp/internal/settlement"
)

// Scheduler runs the background housekeeping of the saga: the deposit
// expiry sweep, retries of confirmations left pending by an unavailable
// escrow, and refresh of the quarantine and DLQ gauges.
type Scheduler struct {
	scheduler *gocron.Scheduler
	saga      *settlement.Saga
	query     *settlement.Query
	dlq       *deadletter.Queue
	metrics   *metrics.Registry
	interval  time.Duration
	timeout   time.Duration
	now       func() time.Time
	idem      idempotency.Purger
	logger    *zap.Logger
}

type Config struct {
	Interval time.Duration
	Now      func() time.Time
	// Idempotency, when set, has its expired keys purged on every pass.
	Idempotency idempotency.Purger
}

func New(saga *settlement.Saga, query *settlement.Query, dlq *deadletter.Queue, m *metrics.Registry, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger = logging.OrNop(logger)
	svc := gocron.NewScheduler(time.UTC)
	svc.SingletonModeAll()
	return &Scheduler{
		scheduler: svc,
		saga:      saga,
		query:     query,
		dlq:       dlq,
		metrics:   m,
		interval:  cfg.Interval,
		timeout:   cfg.Interval,
		now:       cfg.Now,
		idem:      cfg.Idempotency,
		logger:    logger.Named("scheduler"),
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(s.interval).Do(s.tick); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce performs a single housekeeping pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	expired, err := s.saga.Expire(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
	}
	if expired > 0 {
		s.logger.Info("expired settlements", zap.Int("count", expired))
	}

	resolved, err := s.saga.ResumePending(ctx)
	if err != nil {
		s.logger.Error("resume pending confirmations failed", zap.Error(err))
	}
	if resolved > 0 {
		s.logger.Info("resumed settlements", zap.Int("count", resolved))
	}

	quarantined, err := s.query.ListQuarantined(ctx)
	if err != nil {
		s.logger.Error("list quarantined failed", zap.Error(err))
	} else {
		s.metrics.SetQuarantineDepth(len(quarantined))
		if len(quarantined) > 0 {
			s.logger.Warn("settlements awaiting operator intervention",
				zap.Bool("alert", true),
				zap.Int("count", len(quarantined)),
			)
		}
	}

	if depth, err := s.dlq.Depth(); err == nil {
		s.metrics.SetDLQDepth(depth)
	}

	if s.idem != nil {
		purged, err := s.idem.Purge(ctx, s.now().UTC())
		if err != nil {
			s.logger.Warn("idempotency purge failed", zap.Error(err))
		} else if purged > 0 {
			s.logger.Debug("purged idempotency keys", zap.Int("count", purged))
		}
	}
}
