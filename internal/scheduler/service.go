package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"inboxflow/internal/dedup"
	"inboxflow/internal/queue"
)

// Service runs periodic maintenance: idle tenant queues are reclaimed and
// expired duplicate records are pruned.
type Service struct {
	registry *queue.Registry
	dedup    *dedup.Detector
	cron     *cron.Cron
	interval time.Duration
}

func NewService(registry *queue.Registry, detector *dedup.Detector, interval time.Duration) *Service {
	return &Service{
		registry: registry,
		dedup:    detector,
		cron:     cron.New(),
		interval: interval,
	}
}

func (s *Service) Start() error {
	spec := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("schedule maintenance %q: %w", spec, err)
	}
	s.cron.Start()
	log.Info().Dur("interval", s.interval).Msg("maintenance scheduler started")
	return nil
}

// Stop halts the cron and waits for a running pass to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("maintenance scheduler stopped")
}

// RunOnce performs one maintenance pass and reports what it removed.
func (s *Service) RunOnce() (reaped []string, pruned int) {
	reaped = s.registry.Sweep()
	for _, id := range reaped {
		log.Debug().Str("tenant_id", id).Msg("idle queue reclaimed")
	}
	pruned = s.dedup.Prune(s.dedup.Now())
	if len(reaped) > 0 || pruned > 0 {
		log.Info().Int("queues_reaped", len(reaped)).Int("dedup_pruned", pruned).Int("queues_live", s.registry.Len()).Msg("maintenance pass")
	}
	return reaped, pruned
}
