package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"leadpipe/internal/status"
	"leadpipe/internal/store"
)

const sweepTimeout = 30 * time.Second

// Sweeper periodically repairs stuck status records (counters complete,
// status never flipped because a finalize died) and reclaims expired ones.
type Sweeper struct {
	store  store.Store
	status *status.Service
	cron   *cron.Cron
	logger *zap.Logger
}

func New(st store.Store, statusSvc *status.Service, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:  st,
		status: statusSvc,
		cron:   cron.New(),
		logger: logger,
	}
}

func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	stuck, err := s.store.ListStuck(ctx)
	if err != nil {
		s.logger.Error("stuck-record scan failed", zap.Error(err))
	}
	for _, uploadID := range stuck {
		record, err := s.status.ForceCompletionIfStuck(ctx, uploadID)
		if err != nil {
			s.logger.Error("stuck-record repair failed",
				zap.String("upload_id", uploadID),
				zap.Error(err),
			)
			continue
		}
		if record.Metadata.ForcedCompletion {
			s.logger.Warn("repaired stuck upload",
				zap.String("upload_id", uploadID),
				zap.Int("total_batches", record.Progress.TotalBatches),
			)
		}
	}

	deleted, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("expired-record cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("expired status records removed", zap.Int64("count", deleted))
	}
}
