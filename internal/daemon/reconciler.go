package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/hostlane/hostlane/internal/db"
	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcileInterval    = time.Minute
	defaultReconcileBatch       = 200
	defaultReconcileConcurrency = 8
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Checked int
	Drifted int
	Failed  int
}

// Reconciler merges provider-reported state into the registry.
//
// Provider ACTIVE, STOPPED and ERROR are authoritative for local ACTIVE,
// STOPPED and ERROR. A resource the provider no longer knows becomes ERROR;
// the local record is never removed. Status writes use the same
// compare-and-set as the controller, so a server claimed by an in-flight
// action is skipped until the next pass.
type Reconciler struct {
	store       *db.Store
	gateways    *gateway.Set
	audit       *AuditWriter
	metrics     *Metrics
	logger      *log.Logger
	now         func() time.Time
	interval    time.Duration
	batch       int
	concurrency int
}

// NewReconciler builds a reconciler with defaults.
func NewReconciler(store *db.Store, gateways *gateway.Set, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		store:       store,
		gateways:    gateways,
		logger:      logger,
		now:         time.Now,
		interval:    defaultReconcileInterval,
		batch:       defaultReconcileBatch,
		concurrency: defaultReconcileConcurrency,
	}
}

// WithAuditWriter records drift corrections.
func (r *Reconciler) WithAuditWriter(audit *AuditWriter) *Reconciler {
	if r == nil {
		return r
	}
	r.audit = audit
	return r
}

// WithMetrics wires optional Prometheus metrics.
func (r *Reconciler) WithMetrics(metrics *Metrics) *Reconciler {
	if r == nil {
		return r
	}
	r.metrics = metrics
	return r
}

// WithSchedule sets the pass interval, batch size and fan-out limit.
// Non-positive values keep the defaults.
func (r *Reconciler) WithSchedule(interval time.Duration, batch, concurrency int) *Reconciler {
	if r == nil {
		return r
	}
	if interval > 0 {
		r.interval = interval
	}
	if batch > 0 {
		r.batch = batch
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	return r
}

// Start runs a pass immediately and then on the interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	if r == nil || r.store == nil || r.interval <= 0 {
		return
	}
	r.runPass(ctx)
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runPass(ctx)
			}
		}
	}()
}

func (r *Reconciler) runPass(ctx context.Context) {
	result, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Printf("reconcile pass: %v", err)
		return
	}
	if result.Drifted > 0 || result.Failed > 0 {
		r.logger.Printf("reconcile pass: checked=%d drifted=%d failed=%d", result.Checked, result.Drifted, result.Failed)
	}
}

// RunOnce reconciles one batch of servers, least recently reconciled first.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	if r == nil || r.store == nil {
		return ReconcileResult{}, errors.New("reconciler not configured")
	}
	servers, err := r.store.ListReconcilable(ctx, r.batch)
	if err != nil {
		r.metrics.IncReconcilePass("error")
		return ReconcileResult{}, err
	}
	var drifted, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, server := range servers {
		g.Go(func() error {
			changed, err := r.ReconcileServer(ctx, server)
			if err != nil {
				failed.Add(1)
				r.logger.Printf("reconcile server=%s: %v", server.ID, err)
				return nil
			}
			if changed {
				drifted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	result := ReconcileResult{Checked: len(servers), Drifted: int(drifted.Load()), Failed: int(failed.Load())}
	if result.Failed > 0 {
		r.metrics.IncReconcilePass("partial")
	} else {
		r.metrics.IncReconcilePass("ok")
	}
	return result, nil
}

// ReconcileServer fetches provider state for one server and applies it.
// It reports whether the local status changed.
func (r *Reconciler) ReconcileServer(ctx context.Context, server models.Server) (bool, error) {
	if r == nil || r.store == nil || r.gateways == nil {
		return false, errors.New("reconciler not configured")
	}
	if !reconcilable(server) {
		return false, nil
	}
	gw, err := r.gateways.For(server.Type)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	status, err := gw.GetStatus(ctx, server.ExternalID)
	next := server.Status
	switch {
	case gateway.IsNotFound(err):
		next = models.ServerError
	case err != nil:
		return false, fmt.Errorf("status %s: %w", server.ExternalID, err)
	default:
		next = desiredStatus(server.Status, status.State)
	}

	// A user action may have run while the provider was queried, even one
	// that ended in the status read before. Its result wins.
	current, getErr := r.store.GetServer(ctx, server.ID)
	if getErr != nil {
		return false, getErr
	}
	if current.Status != server.Status || !current.UpdatedAt.Equal(server.UpdatedAt) {
		return false, nil
	}

	changed := false
	if next != server.Status {
		ok, casErr := r.store.CompareAndSetStatusIfUnchanged(ctx, server.ID, server.Status, next, server.UpdatedAt)
		if casErr != nil {
			return false, casErr
		}
		if !ok {
			return false, nil
		}
		changed = true
		reason := "provider state " + string(status.State)
		if err != nil {
			reason = "provider resource not found"
		}
		r.metrics.IncReconcileDrift(server.Status, next)
		r.audit.Record(models.ActivityLogEntry{
			ServerID:  server.ID,
			ActorID:   models.SystemActor.ID,
			Action:    models.ActionReconcile,
			Timestamp: r.now().UTC(),
			Details:   fmt.Sprintf("%s -> %s (%s)", server.Status, next, reason),
		})
	}
	if err == nil && status.IPAddress != "" && status.IPAddress != server.IPAddress {
		ip := status.IPAddress
		if patchErr := r.store.UpdateServer(ctx, server.ID, db.ServerPatch{IPAddress: &ip}); patchErr != nil && !errors.Is(patchErr, db.ErrServerDeleted) {
			r.logger.Printf("reconcile server=%s: record address: %v", server.ID, patchErr)
		}
	}
	if markErr := r.store.MarkReconciled(ctx, server.ID, r.now().UTC()); markErr != nil {
		r.logger.Printf("reconcile server=%s: %v", server.ID, markErr)
	}
	return changed, nil
}

func reconcilable(server models.Server) bool {
	if server.ExternalID == "" {
		return false
	}
	if server.Status == models.ServerDeleted || server.Status == models.ServerRequested {
		return false
	}
	return !server.Status.Transitional()
}

// desiredStatus maps a provider observation onto a local status. EXPIRED is
// a billing state and only yields to a provider-side error.
func desiredStatus(local models.ServerStatus, observed gateway.State) models.ServerStatus {
	if local == models.ServerExpired {
		if observed == gateway.StateError {
			return models.ServerError
		}
		return local
	}
	switch observed {
	case gateway.StateActive:
		return models.ServerActive
	case gateway.StateStopped:
		return models.ServerStopped
	case gateway.StateError:
		return models.ServerError
	default:
		return local
	}
}
