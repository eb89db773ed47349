package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostlane/hostlane/internal/db"
	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
)

const (
	defaultActionTimeout     = 15 * time.Minute
	defaultInitialTermMonths = 1
	defaultListLimit         = 100
	maxListLimit             = 1000

	// termMonth is the fixed month length used for terms and extensions.
	termMonth = 30 * 24 * time.Hour
)

const (
	resultOK       = "ok"
	resultFailed   = "failed"
	resultCanceled = "canceled"
	resultConflict = "conflict"
)

// Controller runs lifecycle actions against the registry and the provider
// gateways. Every action claims the server with a compare-and-set into a
// transitional status, calls the gateway, then releases the claim into the
// target status, the prior status or ERROR.
type Controller struct {
	store             *db.Store
	gateways          *gateway.Set
	audit             *AuditWriter
	reconciler        *Reconciler
	metrics           *Metrics
	logger            *log.Logger
	validator         *requestValidator
	pricing           PriceTable
	actionTimeout     time.Duration
	initialTermMonths int
	now               func() time.Time
	newID             func() string
}

// NewController builds a controller with defaults.
func NewController(store *db.Store, gateways *gateway.Set, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		store:             store,
		gateways:          gateways,
		logger:            logger,
		validator:         newRequestValidator(),
		pricing:           PriceTable{},
		actionTimeout:     defaultActionTimeout,
		initialTermMonths: defaultInitialTermMonths,
		now:               time.Now,
		newID:             uuid.NewString,
	}
}

// WithAuditWriter sets where activity entries go.
func (c *Controller) WithAuditWriter(audit *AuditWriter) *Controller {
	if c == nil {
		return c
	}
	c.audit = audit
	return c
}

// WithReconciler enables the on-demand reconcile in GetStatus.
func (c *Controller) WithReconciler(reconciler *Reconciler) *Controller {
	if c == nil {
		return c
	}
	c.reconciler = reconciler
	return c
}

// WithMetrics wires optional Prometheus metrics.
func (c *Controller) WithMetrics(metrics *Metrics) *Controller {
	if c == nil {
		return c
	}
	c.metrics = metrics
	return c
}

// WithPricing sets the monthly price table.
func (c *Controller) WithPricing(pricing PriceTable) *Controller {
	if c == nil {
		return c
	}
	if pricing == nil {
		pricing = PriceTable{}
	}
	c.pricing = pricing
	return c
}

// WithActionTimeout bounds each gateway call sequence, retries included.
func (c *Controller) WithActionTimeout(timeout time.Duration) *Controller {
	if c == nil {
		return c
	}
	if timeout > 0 {
		c.actionTimeout = timeout
	}
	return c
}

// WithInitialTerm sets the paid term granted at provisioning.
func (c *Controller) WithInitialTerm(months int) *Controller {
	if c == nil {
		return c
	}
	if months >= 0 {
		c.initialTermMonths = months
	}
	return c
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	if c == nil || now == nil {
		return c
	}
	c.now = now
	return c
}

// RequestProvision records a new server and provisions it. The record is
// kept in ERROR when the provider call fails.
func (c *Controller) RequestProvision(ctx context.Context, actor models.Actor, req ProvisionRequest) (models.Server, error) {
	if err := c.ready(); err != nil {
		return models.Server{}, err
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Name = strings.TrimSpace(req.Name)
	if err := c.validator.Struct(req); err != nil {
		return models.Server{}, err
	}
	if err := authorize(actor, CapProvision, req.OwnerID, ""); err != nil {
		return models.Server{}, err
	}
	gw, err := c.gatewayFor(req.Type)
	if err != nil {
		return models.Server{}, &ValidationError{Field: "type", Message: err.Error()}
	}
	price, err := c.pricing.Monthly(req.Type, req.Spec)
	if err != nil {
		return models.Server{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Server{}, err
	}

	now := c.now().UTC()
	server := models.Server{
		ID:           c.newID(),
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		Type:         req.Type,
		Status:       models.ServerRequested,
		Spec:         req.Spec,
		PriceMonthly: price,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.initialTermMonths > 0 {
		server.ExpiresAt = now.Add(time.Duration(c.initialTermMonths) * termMonth)
	}
	// From here on the record exists, so the action runs to completion.
	bg := context.WithoutCancel(ctx)
	if err := c.store.CreateServer(bg, server); err != nil {
		return models.Server{}, fmt.Errorf("record server: %w", err)
	}
	return c.provision(bg, actor, server, gw, models.ActionProvision)
}

// Reprovision retries provisioning of a server in ERROR. A server that
// already has a provider id adopts the provider's current state.
func (c *Controller) Reprovision(ctx context.Context, actor models.Actor, id string) (models.Server, error) {
	if err := c.ready(); err != nil {
		return models.Server{}, err
	}
	server, err := c.loadServer(ctx, actor, id, CapReprovision)
	if err != nil {
		return models.Server{}, err
	}
	gw, err := c.gatewayFor(server.Type)
	if err != nil {
		return models.Server{}, err
	}
	return c.provision(ctx, actor, server, gw, models.ActionReprovision)
}

func (c *Controller) provision(ctx context.Context, actor models.Actor, server models.Server, gw gateway.Gateway, action models.ActivityAction) (models.Server, error) {
	started := c.now()
	e, err := c.claim(ctx, server, action)
	if err != nil {
		c.observe(action, resultConflict, 0)
		return models.Server{}, err
	}
	bg := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		c.release(bg, server.ID, e.claim, server.Status)
		c.observe(action, resultCanceled, c.now().Sub(started))
		return models.Server{}, err
	}

	callCtx, cancel := c.gatewayContext(ctx)
	defer cancel()

	fail := func(err error) (models.Server, error) {
		c.logger.Printf("%s server=%s provider=%s: %v", action, server.ID, gw.Provider(), err)
		c.release(bg, server.ID, e.claim, models.ServerError)
		c.recordActivity(actor, server.ID, action, fmt.Sprintf("failed: %v", err))
		c.observe(action, resultFailed, c.now().Sub(started))
		return models.Server{}, fmt.Errorf("%s server %s: %w", action, server.ID, err)
	}

	externalID := server.ExternalID
	adopted := externalID != ""
	if !adopted {
		externalID, err = gw.Create(callCtx, gateway.CreateRequest{
			ServerID: server.ID,
			Name:     server.Name,
			OwnerID:  server.OwnerID,
			Type:     server.Type,
			Spec:     server.Spec,
		})
		if err != nil {
			return fail(err)
		}
		if err := c.store.UpdateServer(bg, server.ID, db.ServerPatch{ExternalID: &externalID}); err != nil {
			return fail(err)
		}
	}

	target := e.target
	status, statusErr := gw.GetStatus(callCtx, externalID)
	switch {
	case statusErr != nil && adopted:
		return fail(statusErr)
	case statusErr != nil:
		// The resource exists; the reconciler fills in the address later.
		c.logger.Printf("%s server=%s external=%s: status after create: %v", action, server.ID, externalID, statusErr)
	case adopted && status.State == gateway.StateStopped:
		target = models.ServerStopped
	case adopted && status.State == gateway.StateError:
		return fail(fmt.Errorf("provider reports %s in error state", externalID))
	}
	if statusErr == nil && status.IPAddress != "" {
		ip := status.IPAddress
		if err := c.store.UpdateServer(bg, server.ID, db.ServerPatch{IPAddress: &ip}); err != nil {
			c.logger.Printf("%s server=%s: record address: %v", action, server.ID, err)
		}
	}

	c.release(bg, server.ID, e.claim, target)
	details := fmt.Sprintf("external_id=%s provider=%s status=%s", externalID, gw.Provider(), target)
	if adopted {
		details = "adopted " + details
	}
	c.recordActivity(actor, server.ID, action, details)
	c.observe(action, resultOK, c.now().Sub(started))
	return c.reload(bg, server.ID)
}

// Start powers on a STOPPED server.
func (c *Controller) Start(ctx context.Context, actor models.Actor, id string) (models.Server, error) {
	return c.powerAction(ctx, actor, id, models.ActionStart)
}

// Stop powers off an ACTIVE server.
func (c *Controller) Stop(ctx context.Context, actor models.Actor, id string) (models.Server, error) {
	return c.powerAction(ctx, actor, id, models.ActionStop)
}

// Restart reboots an ACTIVE or STOPPED server; it ends ACTIVE.
func (c *Controller) Restart(ctx context.Context, actor models.Actor, id string) (models.Server, error) {
	return c.powerAction(ctx, actor, id, models.ActionRestart)
}

func (c *Controller) powerAction(ctx context.Context, actor models.Actor, id string, action models.ActivityAction) (models.Server, error) {
	if err := c.ready(); err != nil {
		return models.Server{}, err
	}
	server, err := c.loadServer(ctx, actor, id, CapOperate)
	if err != nil {
		return models.Server{}, err
	}
	gw, err := c.gatewayFor(server.Type)
	if err != nil {
		return models.Server{}, err
	}
	started := c.now()
	e, err := c.claim(ctx, server, action)
	if err != nil {
		c.observe(action, resultConflict, 0)
		return models.Server{}, err
	}
	bg := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		c.release(bg, server.ID, e.claim, server.Status)
		c.observe(action, resultCanceled, c.now().Sub(started))
		return models.Server{}, err
	}

	callCtx, cancel := c.gatewayContext(ctx)
	switch action {
	case models.ActionStart:
		err = gw.Start(callCtx, server.ExternalID)
	case models.ActionStop:
		err = gw.Stop(callCtx, server.ExternalID)
	default:
		err = gw.Restart(callCtx, server.ExternalID)
	}
	cancel()

	if err != nil {
		next := server.Status
		if gateway.IsNotFound(err) {
			next = models.ServerError
		}
		c.logger.Printf("%s server=%s external=%s: %v", action, server.ID, server.ExternalID, err)
		c.release(bg, server.ID, e.claim, next)
		c.recordActivity(actor, server.ID, action, fmt.Sprintf("failed: %v; status %s", err, next))
		c.observe(action, resultFailed, c.now().Sub(started))
		return models.Server{}, fmt.Errorf("%s server %s: %w", action, server.ID, err)
	}

	c.release(bg, server.ID, e.claim, e.target)
	c.recordActivity(actor, server.ID, action, fmt.Sprintf("%s -> %s", server.Status, e.target))
	c.observe(action, resultOK, c.now().Sub(started))
	return c.reload(bg, server.ID)
}

// Delete releases the provider resource and marks the server DELETED.
// Deleting a DELETED server succeeds without any provider call.
func (c *Controller) Delete(ctx context.Context, actor models.Actor, id string) (models.Server, error) {
	if err := c.ready(); err != nil {
		return models.Server{}, err
	}
	server, err := c.loadServer(ctx, actor, id, CapDelete)
	if err != nil {
		return models.Server{}, err
	}
	if server.Status == models.ServerDeleted {
		return server, nil
	}
	var gw gateway.Gateway
	if server.ExternalID != "" {
		if gw, err = c.gatewayFor(server.Type); err != nil {
			return models.Server{}, err
		}
	}
	started := c.now()
	e, err := c.claim(ctx, server, models.ActionDelete)
	if err != nil {
		c.observe(models.ActionDelete, resultConflict, 0)
		return models.Server{}, err
	}
	bg := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		c.release(bg, server.ID, e.claim, server.Status)
		c.observe(models.ActionDelete, resultCanceled, c.now().Sub(started))
		return models.Server{}, err
	}

	details := "no provider resource"
	if gw != nil {
		callCtx, cancel := c.gatewayContext(ctx)
		err = gw.Delete(callCtx, server.ExternalID)
		cancel()
		switch {
		case err == nil:
			details = fmt.Sprintf("external_id=%s provider=%s", server.ExternalID, gw.Provider())
		case gateway.IsNotFound(err):
			details = fmt.Sprintf("external_id=%s provider=%s already gone", server.ExternalID, gw.Provider())
		default:
			c.logger.Printf("delete server=%s external=%s: %v", server.ID, server.ExternalID, err)
			c.release(bg, server.ID, e.claim, models.ServerError)
			c.recordActivity(actor, server.ID, models.ActionDelete, fmt.Sprintf("failed: %v; status %s", err, models.ServerError))
			c.observe(models.ActionDelete, resultFailed, c.now().Sub(started))
			return models.Server{}, fmt.Errorf("delete server %s: %w", server.ID, err)
		}
	}

	c.release(bg, server.ID, e.claim, e.target)
	c.recordActivity(actor, server.ID, models.ActionDelete, details)
	c.observe(models.ActionDelete, resultOK, c.now().Sub(started))
	return c.reload(bg, server.ID)
}

// Extend pushes expiresAt out by months 30-day periods, counted from the
// later of now and the current expiry. With useCredits the owner's balance
// is debited months times the monthly price before the new expiry is
// written. An EXPIRED server becomes ACTIVE again.
func (c *Controller) Extend(ctx context.Context, actor models.Actor, id string, months int, useCredits bool) (models.Server, error) {
	if err := c.ready(); err != nil {
		return models.Server{}, err
	}
	if err := c.validator.Struct(extendRequest{Months: months}); err != nil {
		return models.Server{}, err
	}
	server, err := c.loadServer(ctx, actor, id, CapExtend)
	if err != nil {
		return models.Server{}, err
	}
	if !useCredits {
		if err := authorize(actor, CapExtendExternal, "", ""); err != nil {
			return models.Server{}, err
		}
	}
	started := c.now()
	e, err := c.claim(ctx, server, models.ActionExtend)
	if err != nil {
		c.observe(models.ActionExtend, resultConflict, 0)
		return models.Server{}, err
	}
	bg := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		c.release(bg, server.ID, e.claim, server.Status)
		c.observe(models.ActionExtend, resultCanceled, c.now().Sub(started))
		return models.Server{}, err
	}

	cost := extensionCost(server.PriceMonthly, months)
	payment := "external"
	if useCredits {
		payment = "credits"
		if cost.IsPositive() {
			reference := fmt.Sprintf("extend:%s:%dm", server.ID, months)
			if _, err := c.store.DebitCredits(bg, server.OwnerID, cost, reference); err != nil {
				c.release(bg, server.ID, e.claim, server.Status)
				c.observe(models.ActionExtend, resultFailed, c.now().Sub(started))
				if errors.Is(err, db.ErrInsufficientFunds) {
					balance, _ := c.store.CreditBalance(bg, server.OwnerID)
					return models.Server{}, &InsufficientFundsError{UserID: server.OwnerID, Required: cost, Available: balance}
				}
				return models.Server{}, fmt.Errorf("debit credits for %s: %w", server.ID, err)
			}
			c.metrics.AddCreditsDebited(cost)
		}
	}

	base := c.now().UTC()
	if server.ExpiresAt.After(base) {
		base = server.ExpiresAt
	}
	expiresAt := base.Add(time.Duration(months) * termMonth)
	if err := c.store.UpdateServer(bg, server.ID, db.ServerPatch{ExpiresAt: &expiresAt}); err != nil {
		if useCredits && cost.IsPositive() {
			c.logger.Printf("extend server=%s: %s credits debited but expiry not written: %v", server.ID, cost.StringFixed(2), err)
		}
		c.release(bg, server.ID, e.claim, server.Status)
		c.observe(models.ActionExtend, resultFailed, c.now().Sub(started))
		return models.Server{}, fmt.Errorf("extend server %s: %w", server.ID, err)
	}

	c.release(bg, server.ID, e.claim, e.target)
	c.recordActivity(actor, server.ID, models.ActionExtend, fmt.Sprintf("months=%d payment=%s amount=%s expires_at=%s",
		months, payment, cost.StringFixed(2), expiresAt.Format(time.RFC3339)))
	c.observe(models.ActionExtend, resultOK, c.now().Sub(started))
	return c.reload(bg, server.ID)
}

// GetStatus reconciles one server against its provider and returns the
// resulting record. Provider failures are logged; the stored record is
// still returned.
func (c *Controller) GetStatus(ctx context.Context, actor models.Actor, id string) (models.Server, error) {
	if err := c.ready(); err != nil {
		return models.Server{}, err
	}
	server, err := c.loadServer(ctx, actor, id, CapView)
	if err != nil {
		return models.Server{}, err
	}
	if c.reconciler == nil {
		return server, nil
	}
	changed, err := c.reconciler.ReconcileServer(ctx, server)
	if err != nil {
		c.logger.Printf("status server=%s: %v", server.ID, err)
	}
	if !changed {
		return server, nil
	}
	return c.reload(ctx, server.ID)
}

// ListServers lists servers visible to actor. Customers only see their own.
func (c *Controller) ListServers(ctx context.Context, actor models.Actor, filter db.ServerFilter) ([]models.Server, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if owner, scoped := ownerScope(actor); scoped {
		filter.OwnerID = owner
	}
	if err := authorize(actor, CapView, filter.OwnerID, ""); err != nil {
		return nil, err
	}
	filter.Limit = clampLimit(filter.Limit)
	return c.store.ListServers(ctx, filter)
}

// ListActivity returns a server's audit trail after afterID.
func (c *Controller) ListActivity(ctx context.Context, actor models.Actor, id string, afterID int64, limit int) ([]models.ActivityLogEntry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	server, err := c.loadServer(ctx, actor, id, CapView)
	if err != nil {
		return nil, err
	}
	return c.store.ListActivity(ctx, server.ID, afterID, clampLimit(limit))
}

// CreditBalance returns userID's balance.
func (c *Controller) CreditBalance(ctx context.Context, actor models.Actor, userID string) (decimal.Decimal, error) {
	if err := c.ready(); err != nil {
		return decimal.Zero, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return decimal.Zero, validationErrorf("user_id", "is required")
	}
	if err := authorize(actor, CapView, userID, ""); err != nil {
		return decimal.Zero, err
	}
	return c.store.CreditBalance(ctx, userID)
}

// ListCreditTransactions returns userID's most recent ledger movements.
func (c *Controller) ListCreditTransactions(ctx context.Context, actor models.Actor, userID string, limit int) ([]models.CreditTransaction, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validationErrorf("user_id", "is required")
	}
	if err := authorize(actor, CapView, userID, ""); err != nil {
		return nil, err
	}
	return c.store.ListCreditTransactions(ctx, userID, clampLimit(limit))
}

// TopUpCredits adds amount to userID's balance.
func (c *Controller) TopUpCredits(ctx context.Context, actor models.Actor, userID string, amount decimal.Decimal, reference string) (models.CreditTransaction, error) {
	if err := c.ready(); err != nil {
		return models.CreditTransaction{}, err
	}
	req := topUpRequest{UserID: strings.TrimSpace(userID), Reference: strings.TrimSpace(reference)}
	if err := c.validator.Struct(req); err != nil {
		return models.CreditTransaction{}, err
	}
	if !amount.IsPositive() {
		return models.CreditTransaction{}, validationErrorf("amount", "must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return models.CreditTransaction{}, validationErrorf("amount", "must have at most two decimal places")
	}
	if err := authorize(actor, CapManageCredits, "", ""); err != nil {
		return models.CreditTransaction{}, err
	}
	if req.Reference == "" {
		req.Reference = "topup:" + actor.ID
	}
	return c.store.TopUpCredits(ctx, req.UserID, amount, req.Reference)
}

// FleetStatus counts servers by status across all owners.
func (c *Controller) FleetStatus(ctx context.Context, actor models.Actor) (map[models.ServerStatus]int, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := authorize(actor, CapFleet, "", ""); err != nil {
		return nil, err
	}
	return c.store.CountServersByStatus(ctx)
}

// RecoverStaleClaims releases claims left behind by actions that never
// finished, typically after a daemon crash. A claim is stale once it is
// older than the action timeout.
func (c *Controller) RecoverStaleClaims(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	cutoff := c.now().UTC().Add(-c.actionTimeout)
	stale, err := c.store.ListStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, server := range stale {
		target := staleClaimTarget(server)
		ok, err := c.store.CompareAndSetStatus(ctx, server.ID, server.Status, target)
		if err != nil {
			c.logger.Printf("recover server=%s: %v", server.ID, err)
			continue
		}
		if !ok {
			continue
		}
		released++
		c.logger.Printf("recover server=%s: released stale %s claim to %s", server.ID, server.Status, target)
		c.recordActivity(models.SystemActor, server.ID, models.ActionReconcile,
			fmt.Sprintf("released stale %s claim: %s -> %s", server.Status, server.Status, target))
	}
	return released, nil
}

func (c *Controller) ready() error {
	if c == nil || c.store == nil {
		return errors.New("lifecycle controller not configured")
	}
	return nil
}

func (c *Controller) gatewayFor(t models.ServerType) (gateway.Gateway, error) {
	if c.gateways == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoGateway, t)
	}
	gw, err := c.gateways.For(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	return gw, nil
}

func (c *Controller) loadServer(ctx context.Context, actor models.Actor, id string, capability Capability) (models.Server, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Server{}, validationErrorf("id", "is required")
	}
	server, err := c.store.GetServer(ctx, id)
	if errors.Is(err, db.ErrServerNotFound) {
		return models.Server{}, &NotFoundError{ServerID: id}
	}
	if err != nil {
		return models.Server{}, fmt.Errorf("load server %s: %w", id, err)
	}
	if err := authorize(actor, capability, server.OwnerID, server.ID); err != nil {
		return models.Server{}, err
	}
	return server, nil
}

// claim moves server into the action's transitional status.
func (c *Controller) claim(ctx context.Context, server models.Server, action models.ActivityAction) (edge, error) {
	e, ok := allowedTransition(action, server.Status)
	if !ok {
		return edge{}, &ConflictError{ServerID: server.ID, Action: action, Status: server.Status, Err: ErrInvalidTransition}
	}
	claimed, err := c.store.CompareAndSetStatus(ctx, server.ID, server.Status, e.claim)
	if err != nil {
		return edge{}, fmt.Errorf("claim server %s: %w", server.ID, err)
	}
	if !claimed {
		status := server.Status
		if current, err := c.store.GetServer(ctx, server.ID); err == nil {
			status = current.Status
		}
		return edge{}, &ConflictError{ServerID: server.ID, Action: action, Status: status, Err: ErrServerBusy}
	}
	return e, nil
}

// release ends a claim. It must run even when the caller's context is done.
func (c *Controller) release(ctx context.Context, id string, claim, next models.ServerStatus) {
	ok, err := c.store.CompareAndSetStatus(ctx, id, claim, next)
	if err != nil {
		c.logger.Printf("release server=%s %s -> %s: %v", id, claim, next, err)
		return
	}
	if !ok {
		c.logger.Printf("release server=%s %s -> %s: claim no longer held", id, claim, next)
	}
}

func (c *Controller) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if c.actionTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, c.actionTimeout)
}

func (c *Controller) reload(ctx context.Context, id string) (models.Server, error) {
	server, err := c.store.GetServer(ctx, id)
	if err != nil {
		return models.Server{}, fmt.Errorf("reload server %s: %w", id, err)
	}
	return server, nil
}

func (c *Controller) recordActivity(actor models.Actor, serverID string, action models.ActivityAction, details string) {
	c.audit.Record(models.ActivityLogEntry{
		ServerID:      serverID,
		ActorID:       actor.ID,
		Action:        action,
		Timestamp:     c.now().UTC(),
		SourceAddress: actor.SourceAddress,
		Details:       details,
	})
}

func (c *Controller) observe(action models.ActivityAction, result string, elapsed time.Duration) {
	c.metrics.ObserveAction(action, result, elapsed)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
