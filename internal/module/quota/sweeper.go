package quota

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically refreshes annual quota rows whose monthly boundary
// has passed, so organizations that stop making requests still get fresh
// allowances. It is an external trigger around the engine: the conditional
// writes inside CheckAndRefreshAnnualQuota keep it safe to run alongside
// request-driven refreshes on any instance.
type Sweeper struct {
	service   *Service
	repo      Repository
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	stop      chan struct{}
}

// NewSweeper creates a refresh sweeper. interval <= 0 disables it.
func NewSweeper(service *Service, repo Repository, logger *zap.Logger, interval time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		service:   service,
		repo:      repo,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	go s.loop()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stop)
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepOnce(context.Background())
		}
	}
}

// SweepOnce refreshes every organization with a due annual row, one batch.
// It returns the number of refreshes performed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now, err := s.repo.ReferenceTime(ctx)
	if err != nil {
		s.logger.Warn("sweep skipped, reference clock unavailable", zap.Error(err))
		return 0
	}

	orgIDs, err := s.repo.ListDueOrganizations(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("sweep skipped, due-row listing failed", zap.Error(err))
		return 0
	}

	refreshed := 0
	for _, orgID := range orgIDs {
		ok, err := s.service.CheckAndRefreshAnnualQuota(ctx, orgID)
		if err != nil {
			s.logger.Warn("sweep refresh failed",
				zap.String("organization_id", orgID.String()), zap.Error(err))
			continue
		}
		if ok {
			refreshed++
		}
	}

	if refreshed > 0 {
		s.logger.Info("quota sweep completed",
			zap.Int("candidates", len(orgIDs)),
			zap.Int("refreshed", refreshed),
		)
	}
	return refreshed
}
