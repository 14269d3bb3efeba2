// Package enginetest runs workflow bodies against mocked activities on a
// virtual clock, so hour-long waits finish instantly.
package enginetest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/pkg/schema"
)

// ActivityFunc mocks one activity over raw JSON input.
type ActivityFunc func(input json.RawMessage) (any, error)

// Call is one recorded activity invocation.
type Call struct {
	Name  string
	Input json.RawMessage
	At    time.Time
}

type callback struct {
	at  time.Time
	seq int
	fn  func()
}

type queuedSignal struct {
	name    string
	payload json.RawMessage
}

// Env is a single-threaded engine.Context with time skipping.
type Env struct {
	mu        sync.Mutex
	info      engine.WorkflowInfo
	now       time.Time
	logger    *slog.Logger
	mocks     map[string]ActivityFunc
	calls     []Call
	handlers  map[string]engine.SignalHandler
	signals   []queuedSignal
	callbacks []callback
	seq       int
}

var _ engine.Context = (*Env)(nil)

// Option configures an Env.
type Option func(*Env)

// WithInfo sets the workflow identity the body sees.
func WithInfo(info engine.WorkflowInfo) Option {
	return func(e *Env) { e.info = info }
}

// WithStartTime sets the virtual clock's starting point.
func WithStartTime(t time.Time) Option {
	return func(e *Env) { e.now = t.UTC() }
}

// WithLogger routes body logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(e *Env) { e.logger = l }
}

// NewEnv creates an Env at 2026-01-01T00:00:00Z.
func NewEnv(opts ...Option) *Env {
	e := &Env{
		info:     engine.WorkflowInfo{WorkflowID: "wf-test", WorkflowType: "test", WorkspaceID: "ws-test", TaskID: "task-test"},
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		logger:   logging.Discard(),
		mocks:    make(map[string]ActivityFunc),
		handlers: make(map[string]engine.SignalHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnActivity mocks the named activity.
func (e *Env) OnActivity(name string, fn ActivityFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mocks[name] = fn
}

// Mock registers a typed activity mock.
func Mock[In, Out any](e *Env, name string, fn func(In) (Out, error)) {
	e.OnActivity(name, func(raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode %s input: %w", name, err)
			}
		}
		return fn(in)
	})
}

// QueueSignal makes a signal available to the next Await.
func (e *Env) QueueSignal(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, queuedSignal{name: name, payload: raw})
}

// RegisterDelayedCallback runs fn once virtual time has advanced by delay
// from now. Callbacks typically queue signals.
func (e *Env) RegisterDelayedCallback(fn func(), delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.callbacks = append(e.callbacks, callback{at: e.now.Add(delay), seq: e.seq, fn: fn})
}

// Execute runs a definition to completion against the mocks.
func (e *Env) Execute(def engine.Definition, input any) (json.RawMessage, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return def.Run(e, raw)
}

// Calls returns the recorded invocations of name, or all when name is "".
func (e *Env) Calls(name string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if name == "" || c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times name was invoked.
func (e *Env) CallCount(name string) int { return len(e.Calls(name)) }

// CallNames returns every invoked activity name in order.
func (e *Env) CallNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.calls))
	for i, c := range e.calls {
		names[i] = c.Name
	}
	return names
}

func (e *Env) Info() engine.WorkflowInfo { return e.info }

func (e *Env) Logger() *slog.Logger { return e.logger }

func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *Env) ExecuteActivity(name string, input, output any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	e.mu.Lock()
	fn := e.mocks[name]
	e.calls = append(e.calls, Call{Name: name, Input: raw, At: e.now})
	e.mu.Unlock()

	if fn == nil {
		return engine.ActivityError(name, schema.NewErrorf(schema.ErrCodeNotFound, "no mock for activity %s", name))
	}
	res, err := fn(raw)
	if err != nil {
		return engine.ActivityError(name, err)
	}
	if output == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, output)
}

// ExecuteActivities runs the calls in order; the runtime runs them in parallel.
func (e *Env) ExecuteActivities(calls []engine.ActivityCall) []error {
	errs := make([]error, len(calls))
	for i, c := range calls {
		errs[i] = e.ExecuteActivity(c.Name, c.Input, c.Output)
	}
	return errs
}

func (e *Env) OnSignal(name string, handler engine.SignalHandler) {
	e.handlers[name] = handler
}

func (e *Env) Await(timeout time.Duration, cond func() bool) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = e.Now().Add(timeout)
	}
	for {
		if cond() {
			return true, nil
		}
		if e.deliverOne() {
			continue
		}
		cb, ok := e.peekCallback()
		switch {
		case ok && (deadline.IsZero() || !cb.at.After(deadline)):
			e.popCallback()
			e.advance(cb.at)
			cb.fn()
		case !deadline.IsZero():
			e.advance(deadline)
			for e.deliverOne() {
				if cond() {
					return true, nil
				}
			}
			return cond(), nil
		default:
			return false, schema.NewError(schema.ErrCodeTimeout, "await without deadline can never be satisfied: no signals or callbacks left")
		}
	}
}

func (e *Env) Sleep(d time.Duration) error {
	_, err := e.Await(d, func() bool { return false })
	return err
}

func (e *Env) SideEffect(fn func() any, output any) error {
	data, err := json.Marshal(fn())
	if err != nil {
		return err
	}
	if output == nil {
		return nil
	}
	return json.Unmarshal(data, output)
}

// deliverOne applies the oldest queued signal that has a handler.
func (e *Env) deliverOne() bool {
	e.mu.Lock()
	for i, s := range e.signals {
		h, ok := e.handlers[s.name]
		if !ok {
			continue
		}
		e.signals = append(e.signals[:i:i], e.signals[i+1:]...)
		e.mu.Unlock()
		h(s.payload)
		return true
	}
	e.mu.Unlock()
	return false
}

// peekCallback returns the earliest pending callback.
func (e *Env) peekCallback() (callback, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.callbacks) == 0 {
		return callback{}, false
	}
	sort.Slice(e.callbacks, func(i, j int) bool {
		if e.callbacks[i].at.Equal(e.callbacks[j].at) {
			return e.callbacks[i].seq < e.callbacks[j].seq
		}
		return e.callbacks[i].at.Before(e.callbacks[j].at)
	})
	return e.callbacks[0], true
}

func (e *Env) popCallback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = e.callbacks[1:]
}

func (e *Env) advance(to time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if to.After(e.now) {
		e.now = to
	}
}
