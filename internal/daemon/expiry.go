package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hostlane/hostlane/internal/db"
	"github.com/hostlane/hostlane/internal/models"
)

const (
	defaultExpirySweepInterval = 5 * time.Minute
	expirySweepBatch           = 500
)

// ExpirySweeper moves ACTIVE and STOPPED servers whose paid term ended to
// EXPIRED. The provider resource is left as it is.
type ExpirySweeper struct {
	store    *db.Store
	audit    *AuditWriter
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time
	interval time.Duration
}

// NewExpirySweeper builds a sweeper with defaults.
func NewExpirySweeper(store *db.Store, logger *log.Logger) *ExpirySweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &ExpirySweeper{
		store:    store,
		logger:   logger,
		now:      time.Now,
		interval: defaultExpirySweepInterval,
	}
}

func (s *ExpirySweeper) WithAuditWriter(audit *AuditWriter) *ExpirySweeper {
	if s == nil {
		return s
	}
	s.audit = audit
	return s
}

func (s *ExpirySweeper) WithMetrics(metrics *Metrics) *ExpirySweeper {
	if s == nil {
		return s
	}
	s.metrics = metrics
	return s
}

func (s *ExpirySweeper) WithInterval(interval time.Duration) *ExpirySweeper {
	if s == nil {
		return s
	}
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Start sweeps immediately and then on the interval until ctx is done.
func (s *ExpirySweeper) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	s.runSweep(ctx)
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runSweep(ctx)
			}
		}
	}()
}

func (s *ExpirySweeper) runSweep(ctx context.Context) {
	expired, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Printf("expiry sweep: %v", err)
		return
	}
	if expired > 0 {
		s.logger.Printf("expiry sweep: expired=%d", expired)
	}
}

// Sweep expires every due server and returns how many were moved.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, errors.New("expiry sweeper not configured")
	}
	now := s.now().UTC()
	due, err := s.store.ListExpiring(ctx, now, expirySweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, server := range due {
		if s.expire(ctx, now, server) {
			expired++
		}
	}
	return expired, nil
}

// expire moves one listed server to EXPIRED. The registry re-checks the
// term, so a server extended since it was listed is left alone.
func (s *ExpirySweeper) expire(ctx context.Context, now time.Time, server models.Server) bool {
	ok, err := s.store.ExpireIfDue(ctx, server.ID, server.Status, now)
	if err != nil {
		s.logger.Printf("expire server=%s: %v", server.ID, err)
		return false
	}
	if !ok {
		return false
	}
	s.metrics.IncExpired()
	s.audit.Record(models.ActivityLogEntry{
		ServerID:  server.ID,
		ActorID:   models.SystemActor.ID,
		Action:    models.ActionExpire,
		Timestamp: now,
		Details:   fmt.Sprintf("%s -> %s expires_at=%s", server.Status, models.ServerExpired, server.ExpiresAt.Format(time.RFC3339)),
	})
	return true
}
