// Package jobs holds scheduled maintenance work.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mapserver/internal/store"
)

// SweeperConfig controls the idle-session sweep.
type SweeperConfig struct {
	Schedule string        // cron spec, e.g. "@hourly"
	MaxIdle  time.Duration // sessions untouched for longer get evicted
}

// Sweeper periodically evicts sessions whose last mutation is older
// than MaxIdle, on backends that support it.
type Sweeper struct {
	store  store.IdleSweeper
	config SweeperConfig
	log    *zap.Logger
	cron   *cron.Cron
}

func NewSweeper(st store.IdleSweeper, config SweeperConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{store: st, config: config, log: log, cron: cron.New()}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, s.runOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("session sweeper started",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("max_idle", s.config.MaxIdle))
	return nil
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.store.SweepIdle(ctx, s.config.MaxIdle)
	if err != nil {
		s.log.Error("session sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Info("evicted idle sessions", zap.Int("count", removed))
	}
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
