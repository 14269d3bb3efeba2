// Package activities runs the named operations workflow bodies invoke: the
// retrying, memoizing execution proxy plus the domain activities with their
// local providers.
package activities

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/telemetry"
	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/internal/validation"
	"github.com/rendis/homeos/pkg/schema"
)

// Activity is one named operation.
type Activity struct {
	Name    string
	Options schema.ActivityOptions
	Fn      func(ctx context.Context, input json.RawMessage) (any, error)
}

// Typed adapts a typed function to Activity.
func Typed[In, Out any](name string, opts schema.ActivityOptions, fn func(ctx context.Context, in In) (Out, error)) Activity {
	return Activity{
		Name:    name,
		Options: opts,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in In
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s input", name).WithCause(err)
				}
			}
			return fn(ctx, in)
		},
	}
}

// Registry holds activities by name.
type Registry struct {
	mu   sync.RWMutex
	acts map[string]Activity
}

// NewRegistry creates a registry holding acts. Duplicate names panic.
func NewRegistry(acts ...Activity) *Registry {
	r := &Registry{acts: make(map[string]Activity)}
	for _, a := range acts {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an activity.
func (r *Registry) Register(a Activity) error {
	if a.Name == "" || a.Fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.acts[a.Name]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity %q already registered", a.Name)
	}
	r.acts[a.Name] = a
	return nil
}

// Get returns the named activity.
func (r *Registry) Get(name string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.acts[name]
	return a, ok
}

// Names lists registered activities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.acts))
	for n := range r.acts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Proxy executes activities for the workflow runtime. Every invocation runs
// under its retry policy, circuit breaker, per-attempt timeout and the worker
// pool, and its outcome is memoized under the command key.
type Proxy struct {
	registry  *Registry
	memo      store.IdempotencyStore
	breakers  *engine.CircuitBreakerRegistry
	pool      *engine.WorkerPool
	tools     *tools.Registry
	validator *validation.Validator
	defaults  schema.ActivityOptions
	lease     time.Duration
	logger    *slog.Logger
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithMemo memoizes activity results and tool calls in st.
func WithMemo(st store.IdempotencyStore) ProxyOption { return func(p *Proxy) { p.memo = st } }

// WithBreakers sets the circuit breaker registry.
func WithBreakers(b *engine.CircuitBreakerRegistry) ProxyOption {
	return func(p *Proxy) { p.breakers = b }
}

// WithPool bounds activity concurrency with pool.
func WithPool(pool *engine.WorkerPool) ProxyOption { return func(p *Proxy) { p.pool = pool } }

// WithTools makes the registry's tools reachable through ExecuteToolCall.
func WithTools(reg *tools.Registry, v *validation.Validator) ProxyOption {
	return func(p *Proxy) {
		p.tools = reg
		p.validator = v
	}
}

// WithDefaultOptions applies to activities that declare no timeout or retry policy.
func WithDefaultOptions(o schema.ActivityOptions) ProxyOption {
	return func(p *Proxy) { p.defaults = o }
}

// WithClaimLease sets how long a pending key stays owned by the caller that
// claimed it. After the lease a crashed caller's claim can be taken over.
func WithClaimLease(d time.Duration) ProxyOption { return func(p *Proxy) { p.lease = d } }

// WithProxyLogger sets the logger.
func WithProxyLogger(l *slog.Logger) ProxyOption { return func(p *Proxy) { p.logger = l } }

// NewProxy builds a Proxy over reg.
func NewProxy(reg *Registry, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		registry: reg,
		breakers: engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		defaults: schema.ActivityOptions{StartToCloseTimeout: 10 * time.Minute, Retry: schema.DefaultRetryPolicy()},
		lease:    15 * time.Minute,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.registry == nil {
		p.registry = NewRegistry()
	}
	return p
}

// Registry returns the activity registry.
func (p *Proxy) Registry() *Registry { return p.registry }

// Breakers returns the circuit breaker registry.
func (p *Proxy) Breakers() *engine.CircuitBreakerRegistry { return p.breakers }

// Execute implements engine.ActivityExecutor.
func (p *Proxy) Execute(ctx context.Context, req engine.ActivityRequest) (json.RawMessage, error) {
	act, ok := p.registry.Get(req.Name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "activity %q is not registered", req.Name)
	}
	ctx = logging.WithIDs(ctx, req.Info.WorkspaceID, req.Info.WorkflowID, req.Info.TaskID)

	memoKey := ""
	hash := hashBytes(req.Input)
	if p.memo != nil && req.Key != "" {
		memoKey = "activity:" + req.Key
		rec, err := p.memo.GetIdempotency(ctx, memoKey)
		switch {
		case err == nil:
			if rec.Name != req.Name || rec.InputHash != hash {
				return nil, schema.NewErrorf(schema.ErrCodeNonDeterministic,
					"command %s was recorded for %s with different input", req.Key, rec.Name)
			}
			if rec.Status == store.IdempotencyCompleted {
				p.logger.DebugContext(ctx, "activity result replayed", "activity", req.Name, "key", req.Key)
				return rec.Result, nil
			}
			if err := p.reclaim(ctx, memoKey); err != nil {
				return nil, err
			}
		case schema.HasCode(err, schema.ErrCodeNotFound):
			if err := p.claim(ctx, &store.IdempotencyRecord{
				Key: memoKey, Scope: "activity", Name: req.Name, InputHash: hash,
			}); err != nil {
				return nil, err
			}
		default:
			return nil, schema.NewError(schema.ErrCodeStore, "read activity key").WithCause(err)
		}
	}

	out, err := p.run(ctx, act, req)
	if memoKey != "" && ctx.Err() == nil {
		status, errMsg := store.IdempotencyCompleted, ""
		if err != nil {
			status, errMsg = store.IdempotencyFailed, err.Error()
		}
		if cErr := p.memo.CompleteIdempotency(ctx, memoKey, status, out, errMsg); cErr != nil {
			p.logger.WarnContext(ctx, "activity outcome not memoized", "activity", req.Name, "error", cErr)
		}
	}
	return out, err
}

// claim takes a new key. Losing the insert race means another caller is
// running the same command right now.
func (p *Proxy) claim(ctx context.Context, rec *store.IdempotencyRecord) error {
	claimed, err := p.memo.ClaimIdempotency(ctx, rec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "claim key %s", rec.Key).WithCause(err)
	}
	if !claimed {
		return inFlight(rec.Key)
	}
	return nil
}

// reclaim takes over a failed key or a pending key whose lease ran out.
func (p *Proxy) reclaim(ctx context.Context, key string) error {
	ok, err := p.memo.ReclaimIdempotency(ctx, key, time.Now().Add(-p.lease))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "reclaim key %s", key).WithCause(err)
	}
	if !ok {
		return inFlight(key)
	}
	p.logger.InfoContext(ctx, "idempotency key reclaimed", "key", key)
	return nil
}

func inFlight(key string) error {
	return schema.NewErrorf(schema.ErrCodeInFlight, "call with key %s is already in flight", key).
		WithDetails(map[string]any{"key": key})
}

func (p *Proxy) run(ctx context.Context, act Activity, req engine.ActivityRequest) (json.RawMessage, error) {
	policy := act.Options.Retry
	if policy == nil {
		policy = p.defaults.Retry
	}
	timeout := act.Options.StartToCloseTimeout
	if timeout <= 0 {
		timeout = p.defaults.StartToCloseTimeout
	}
	maxAttempts := engine.MaxAttempts(policy)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.breakers.AllowRequest(act.Name); err != nil {
			return nil, err
		}
		out, err := p.attempt(ctx, act, req, attempt, timeout)
		if err == nil {
			p.breakers.RecordSuccess(act.Name)
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !engine.IsRetryableError(err) {
			// The dependency answered; only transient failures trip the breaker.
			p.breakers.RecordSuccess(act.Name)
			return nil, err
		}
		p.breakers.RecordFailure(act.Name)
		if attempt == maxAttempts {
			break
		}
		delay := engine.ComputeBackoff(policy, attempt-1)
		p.logger.WarnContext(ctx, "activity attempt failed, retrying",
			"activity", act.Name, "attempt", attempt, "delay", delay, "error", err)
		if err := engine.WaitForBackoff(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *Proxy) attempt(ctx context.Context, act Activity, req engine.ActivityRequest, attempt int, timeout time.Duration) (json.RawMessage, error) {
	info := req.Info
	info.ActivityName = act.Name
	info.Attempt = attempt
	if info.CommandKey == "" {
		info.CommandKey = req.Key
	}
	ctx = engine.WithActivityInfo(ctx, info)
	ctx = logging.WithActivity(ctx, act.Name)
	ctx, span := telemetry.StartSpan(ctx, "activity "+act.Name,
		telemetry.AttrActivity.String(act.Name),
		telemetry.AttrAttempt.Int(attempt),
		telemetry.AttrWorkflowID.String(info.WorkflowID),
		telemetry.AttrWorkflowType.String(info.WorkflowType),
		telemetry.AttrWorkspaceID.String(info.WorkspaceID),
	)
	start := time.Now()

	var out json.RawMessage
	call := func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := act.Fn(actx, req.Input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return schema.NewErrorf(schema.ErrCodeTimeout, "%s exceeded %s", act.Name, timeout).WithCause(err)
			}
			return err
		}
		out, err = marshalResult(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "encode %s result", act.Name).WithCause(err)
		}
		return nil
	}

	var err error
	if p.pool != nil {
		err = p.pool.Do(ctx, call)
	} else {
		err = call(ctx)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordActivityAttempt(ctx, act.Name, outcome, time.Since(start))
	telemetry.EndSpan(span, err)
	return out, err
}

func marshalResult(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
