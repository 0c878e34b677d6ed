// Package maintenance runs periodic background checks on the document registry.
package maintenance

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

// MissingLister reports registry entries whose artifact is gone.
type MissingLister interface {
	Missing() []*models.StoredDocument
}

// Scheduler periodically scans the registry for missing artifacts. The scan
// only reports; removing entries is left to an explicit repair.
type Scheduler struct {
	store MissingLister
	cron  *cron.Cron
	log   *zap.Logger
}

// NewScheduler creates a registry scan scheduler
func NewScheduler(store MissingLister, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store: store,
		cron:  cron.New(),
		log:   log.With(zap.String("component", "maintenance")),
	}
}

// Start schedules the scan. schedule uses standard cron syntax or
// descriptors such as "@every 1h".
func (s *Scheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.Scan() }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("registry scan scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop stops the scheduler and waits for a running scan to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("registry scan stopped")
}

// Scan logs every registry entry whose artifact is missing and returns how
// many were found.
func (s *Scheduler) Scan() int {
	missing := s.store.Missing()
	if len(missing) == 0 {
		s.log.Debug("registry scan clean")
		return 0
	}
	for _, doc := range missing {
		s.log.Warn("registry entry has no artifact",
			zap.String("document", doc.ID),
			zap.String("name", doc.OriginalName),
			zap.String("path", doc.StoragePath))
	}
	s.log.Warn("registry scan found missing artifacts; run repair to remove them", zap.Int("missing", len(missing)))
	return len(missing)
}
