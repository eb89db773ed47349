package gateway

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CallTimeout bounds each individual attempt. Create is exempt: it waits
	// on provider tasks and is bounded by the caller's context only.
	CallTimeout time.Duration
}

// DefaultPolicy returns the default retry policy: three attempts with
// full-jitter exponential backoff between 0.5s and 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Retrying decorates a Gateway with per-attempt timeouts, an outbound rate
// limit and retries of Transient failures. Other kinds return immediately.
type Retrying struct {
	next     Gateway
	policy   Policy
	limiter  *rate.Limiter
	observer Observer

	// Testing hooks
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(n int64) int64
}

var _ Gateway = (*Retrying)(nil)

// NewRetrying wraps next with policy.
func NewRetrying(next Gateway, policy Policy) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrying{next: next, policy: policy}
}

// WithLimiter throttles every attempt through limiter.
func (r *Retrying) WithLimiter(limiter *rate.Limiter) *Retrying {
	r.limiter = limiter
	return r
}

// WithObserver reports every attempt to observer.
func (r *Retrying) WithObserver(observer Observer) *Retrying {
	r.observer = observer
	return r
}

// Unwrap returns the decorated gateway.
func (r *Retrying) Unwrap() Gateway {
	return r.next
}

func (r *Retrying) Provider() string {
	return r.next.Provider()
}

func (r *Retrying) Create(ctx context.Context, req CreateRequest) (string, error) {
	var id string
	err := r.do(ctx, "create", 0, func(ctx context.Context) error {
		var err error
		id, err = r.next.Create(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Retrying) Start(ctx context.Context, externalID string) error {
	return r.do(ctx, "start", r.policy.CallTimeout, func(ctx context.Context) error {
		return r.next.Start(ctx, externalID)
	})
}

func (r *Retrying) Stop(ctx context.Context, externalID string) error {
	return r.do(ctx, "stop", r.policy.CallTimeout, func(ctx context.Context) error {
		return r.next.Stop(ctx, externalID)
	})
}

func (r *Retrying) Restart(ctx context.Context, externalID string) error {
	return r.do(ctx, "restart", r.policy.CallTimeout, func(ctx context.Context) error {
		return r.next.Restart(ctx, externalID)
	})
}

func (r *Retrying) Delete(ctx context.Context, externalID string) error {
	return r.do(ctx, "delete", r.policy.CallTimeout, func(ctx context.Context) error {
		return r.next.Delete(ctx, externalID)
	})
}

func (r *Retrying) GetStatus(ctx context.Context, externalID string) (Status, error) {
	var status Status
	err := r.do(ctx, "status", r.policy.CallTimeout, func(ctx context.Context) error {
		var err error
		status, err = r.next.GetStatus(ctx, externalID)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

func (r *Retrying) ResolveExternalIdentifier(ctx context.Context, externalID string) (string, error) {
	var handle string
	err := r.do(ctx, "resolve", r.policy.CallTimeout, func(ctx context.Context) error {
		var err error
		handle, err = r.next.ResolveExternalIdentifier(ctx, externalID)
		return err
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (r *Retrying) do(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	provider := r.next.Provider()
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return classifyTransportError(provider, op, ctxErr)
		}
		if r.limiter != nil {
			if waitErr := r.limiter.Wait(ctx); waitErr != nil {
				if err != nil {
					return err
				}
				return classifyTransportError(provider, op, waitErr)
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		started := time.Now()
		err = classifyTransportError(provider, op, fn(callCtx))
		cancel()
		if r.observer != nil {
			r.observer.ObserveGatewayCall(provider, op, KindOf(err), time.Since(started))
		}

		if err == nil {
			return nil
		}
		if attempt == r.policy.MaxAttempts || !IsTransient(err) {
			return err
		}
		if sleepErr := r.sleep(ctx, r.backoffDelay(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

func (r *Retrying) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// backoffDelay returns a full-jitter delay in [0, min(base<<(attempt-1), max)].
func (r *Retrying) backoffDelay(attempt int) time.Duration {
	base, max := r.policy.BaseDelay, r.policy.MaxDelay
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if max > 0 && delay > max {
		delay = max
	}
	jitterMax := int64(delay)
	if jitterMax <= 0 {
		return 0
	}
	jitter := rand.Int63n
	if r.Jitter != nil {
		jitter = r.Jitter
	}
	return time.Duration(jitter(jitterMax + 1))
}
