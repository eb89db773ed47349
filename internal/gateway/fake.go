package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Gateway for tests and local development.
// Failures can be queued per operation and every call is recorded.
type Fake struct {
	name string

	mu        sync.Mutex
	resources map[string]*fakeResource
	failures  map[string][]error
	calls     []Call
	ids       []string
	seq       int
	// hooks run before an operation completes, keyed by op.
	hooks map[string]func(ctx context.Context)
}

// Call is one recorded gateway invocation.
type Call struct {
	Op         string
	ExternalID string
	ServerID   string
}

type fakeResource struct {
	serverID string
	state    State
	ip       string
}

var _ Gateway = (*Fake)(nil)

// NewFake returns an empty fake named provider.
func NewFake(provider string) *Fake {
	if provider == "" {
		provider = "fake"
	}
	return &Fake{
		name:      provider,
		resources: make(map[string]*fakeResource),
		failures:  make(map[string][]error),
		hooks:     make(map[string]func(ctx context.Context)),
	}
}

func (f *Fake) Provider() string {
	return f.name
}

// QueueIDs makes the next creates return these external ids in order.
func (f *Fake) QueueIDs(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, ids...)
}

// Fail makes the next call to op return err. Queue several to fail repeatedly.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailKind queues a ProviderError of kind for op.
func (f *Fake) FailKind(op string, kind Kind) {
	f.Fail(op, newError(f.name, op, kind, 0, "injected", nil))
}

// OnCall runs fn inside every call to op, before the fake applies the op.
// Tests use it to block a call or observe intermediate registry state.
func (f *Fake) OnCall(op string, fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = fn
}

// Put seeds a resource directly.
func (f *Fake) Put(externalID string, state State, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[externalID] = &fakeResource{state: state, ip: ip}
}

// Remove makes the resource disappear as if deleted out of band.
func (f *Fake) Remove(externalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resources, externalID)
}

// State reports the current state of a resource and whether it exists.
func (f *Fake) State(externalID string) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[externalID]
	if !ok {
		return "", false
	}
	return r.state, true
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount counts recorded calls to op.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) begin(ctx context.Context, call Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.hooks[call.Op]
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return classifyTransportError(f.name, call.Op, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.failures[call.Op]; len(queued) > 0 {
		f.failures[call.Op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := f.begin(ctx, Call{Op: "create", ServerID: req.ServerID}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.resources {
		if r.serverID != "" && r.serverID == req.ServerID {
			return id, nil
		}
	}
	var id string
	if len(f.ids) > 0 {
		id, f.ids = f.ids[0], f.ids[1:]
	} else {
		f.seq++
		id = fmt.Sprintf("%s-%d", f.name, f.seq)
	}
	f.resources[id] = &fakeResource{
		serverID: req.ServerID,
		state:    StateActive,
		ip:       fmt.Sprintf("192.0.2.%d", len(f.resources)%250+1),
	}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, externalID string) error {
	return f.transition(ctx, "start", externalID, StateActive)
}

func (f *Fake) Stop(ctx context.Context, externalID string) error {
	return f.transition(ctx, "stop", externalID, StateStopped)
}

func (f *Fake) Restart(ctx context.Context, externalID string) error {
	return f.transition(ctx, "restart", externalID, StateActive)
}

func (f *Fake) transition(ctx context.Context, op, externalID string, next State) error {
	if err := f.begin(ctx, Call{Op: op, ExternalID: externalID}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[externalID]
	if !ok {
		return newError(f.name, op, KindNotFound, 404, externalID+" not found", nil)
	}
	r.state = next
	return nil
}

func (f *Fake) Delete(ctx context.Context, externalID string) error {
	if err := f.begin(ctx, Call{Op: "delete", ExternalID: externalID}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resources, externalID)
	return nil
}

func (f *Fake) GetStatus(ctx context.Context, externalID string) (Status, error) {
	if err := f.begin(ctx, Call{Op: "status", ExternalID: externalID}); err != nil {
		return Status{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[externalID]
	if !ok {
		return Status{}, newError(f.name, "status", KindNotFound, 404, externalID+" not found", nil)
	}
	return Status{State: r.state, IPAddress: r.ip}, nil
}

func (f *Fake) ResolveExternalIdentifier(ctx context.Context, externalID string) (string, error) {
	if err := f.begin(ctx, Call{Op: "resolve", ExternalID: externalID}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[externalID]; !ok {
		return "", newError(f.name, "resolve", KindNotFound, 404, externalID+" not found", nil)
	}
	return externalID, nil
}
