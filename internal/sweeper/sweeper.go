// Package sweeper runs the periodic maintenance the relay depends on:
// command expiry, resending stuck commands and device liveness.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleet-relay-backend/config"
	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/store"
)

// CommandPublisher re-announces a command so the dispatcher retries it.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd *model.Command) error
}

// Report counts what one sweep changed.
type Report struct {
	Expired        int64
	Resent         int
	DevicesOffline int64
	UnitsOffline   int64
}

// Service runs sweeps on an interval.
type Service struct {
	cfg   *config.SweeperConfig
	store store.Store
	pub   CommandPublisher
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a new sweeper.
func NewService(cfg *config.SweeperConfig, s store.Store, pub CommandPublisher, log *zap.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: s,
		pub:   pub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("sweeper is disabled; not starting")
		return
	}
	s.log.Info("starting sweeper", zap.Duration("interval", s.cfg.Interval))

	s.SweepOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper shutting down")
			return
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// SweepOnce performs a single round. Each step runs even if an earlier one
// failed; failures are logged.
func (s *Service) SweepOnce(ctx context.Context) Report {
	var r Report
	now := s.now()

	expired, err := s.store.ExpireCommands(ctx, now)
	if err != nil {
		s.log.Error("failed to expire commands", zap.Error(err))
	}
	r.Expired = expired

	r.Resent = s.resendStale(ctx, now)

	cutoff := now.Add(-s.cfg.LivenessTimeout)
	if r.DevicesOffline, err = s.store.MarkStaleDevicesOffline(ctx, cutoff); err != nil {
		s.log.Error("failed to mark devices offline", zap.Error(err))
	}
	if r.UnitsOffline, err = s.store.MarkStaleUnitsOffline(ctx, cutoff); err != nil {
		s.log.Error("failed to mark units offline", zap.Error(err))
	}

	if r != (Report{}) {
		s.log.Info("sweep finished",
			zap.Int64("expired", r.Expired),
			zap.Int("resent", r.Resent),
			zap.Int64("devices_offline", r.DevicesOffline),
			zap.Int64("units_offline", r.UnitsOffline))
	}
	return r
}

func (s *Service) resendStale(ctx context.Context, now time.Time) int {
	cmds, err := s.store.ListStalePendingCommands(ctx, now.Add(-s.cfg.ResendAfter), s.cfg.MaxDispatchAttempts, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("failed to list stale pending commands", zap.Error(err))
		return 0
	}

	resent := 0
	for i := range cmds {
		if err := s.pub.PublishCommand(ctx, &cmds[i]); err != nil {
			s.log.Warn("failed to republish command", zap.String("command_id", cmds[i].ID), zap.Error(err))
			continue
		}
		resent++
	}
	return resent
}
