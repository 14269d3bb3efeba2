// Package app assembles a homeos process from its parts: store, audit trail,
// approval service, activity proxy, workflow runtime and the surfaces that
// drive them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/httpapi"
	"github.com/rendis/homeos/internal/policy"
	"github.com/rendis/homeos/internal/scheduler"
	"github.com/rendis/homeos/internal/secrets"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/internal/validation"
	"github.com/rendis/homeos/internal/workflows"
	"github.com/rendis/homeos/pkg/mcp"
)

// Config selects the resources of one process.
type Config struct {
	DBPath     string
	PolicyPath string
	// VaultKey is the 32-byte key sealing secrets at rest.
	VaultKey     []byte
	ServiceToken string
	// ControlPlaneURL, when set, sends approval requests and audit events to a
	// remote control plane instead of the local services.
	ControlPlaneURL string
	TokenTTL        int
	PoolSize        int
	Logger          *slog.Logger
	Clock           func() time.Time
}

// WorkflowControl is the substrate workflows run on: the local runtime or a
// Temporal client.
type WorkflowControl interface {
	workflows.Starter
	Status(ctx context.Context, workflowID string) (*store.WorkflowInstance, error)
	Signal(ctx context.Context, workflowID, name string, payload any) error
	Cancel(ctx context.Context, workflowID, reason string) error
}

// App is a wired homeos process.
type App struct {
	cfg     Config
	started time.Time

	Store      *store.LibSQLStore
	Hub        *streaming.MemoryHub
	Events     *audit.Emitter
	Tasks      *tasks.Service
	Approvals  *approval.Service
	Policy     *policy.Store
	Tools      *tools.Registry
	Validator  *validation.Validator
	Activities *activities.Registry
	Proxy      *activities.Proxy
	Set        *activities.Set
	Workflows  *engine.Registry
	Runtime    *engine.Runtime
	Launcher   *workflows.Launcher
	Pool       *engine.WorkerPool

	control WorkflowControl
}

// New opens the store, migrates it and wires every service. Workflows run on
// the local runtime until UseControl selects another substrate.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	logger := cfg.Logger

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{cfg: cfg, Store: st, started: time.Now()}
	if err := a.wire(ctx); err != nil {
		st.Close()
		return nil, err
	}
	logger.Info("homeos wired",
		slog.String("db", cfg.DBPath),
		slog.Int("workflows", len(a.Workflows.Names())),
		slog.Int("activities", len(a.Activities.Names())),
	)
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg
	logger := cfg.Logger

	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	vault, err := secrets.NewAESVault(a.Store, secrets.VaultConfig{MasterKey: cfg.VaultKey})
	if err != nil {
		return err
	}
	key, err := secrets.SigningKey(ctx, vault)
	if err != nil {
		return err
	}
	signer, err := approval.NewSigner(key)
	if err != nil {
		return err
	}

	a.Policy = policy.NewStore(logger)
	if cfg.PolicyPath != "" {
		if err := a.Policy.Load(cfg.PolicyPath); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}

	a.Validator, err = validation.New()
	if err != nil {
		return err
	}

	a.Hub = streaming.NewMemoryHub()
	emitterOpts := []audit.Option{
		audit.WithStore(a.Store),
		audit.WithHub(a.Hub),
		audit.WithLogger(logger),
		audit.WithClock(cfg.Clock),
	}
	if cfg.ControlPlaneURL != "" {
		emitterOpts = append(emitterOpts, audit.WithSink(audit.NewHTTPSink(cfg.ControlPlaneURL, cfg.ServiceToken, 0)))
	}
	a.Events = audit.NewEmitter(emitterOpts...)

	a.Tasks = tasks.NewService(a.Store, a.Events, tasks.WithLogger(logger), tasks.WithClock(cfg.Clock))

	approvalOpts := []approval.ServiceOption{
		approval.WithServiceLogger(logger),
		approval.WithServiceClock(cfg.Clock),
	}
	if cfg.TokenTTL > 0 {
		approvalOpts = append(approvalOpts, approval.WithTokenTTL(cfg.TokenTTL))
	}
	a.Approvals = approval.NewService(a.Store, signer, nil, a.Events, approvalOpts...)

	var surface approval.Surface = a.Approvals
	if cfg.ControlPlaneURL != "" {
		surface = approval.NewHTTPSurface(cfg.ControlPlaneURL, cfg.ServiceToken, 0)
	}

	ledger := tools.NewLedger(cfg.Clock)
	a.Tools = tools.NewRegistry()
	for _, t := range tools.LocalTools(ledger) {
		if err := a.Tools.Register(t); err != nil {
			return err
		}
	}

	a.Pool = engine.NewWorkerPool(cfg.PoolSize)
	a.Activities = activities.NewRegistry()
	a.Proxy = activities.NewProxy(a.Activities,
		activities.WithMemo(a.Store),
		activities.WithPool(a.Pool),
		activities.WithTools(a.Tools, a.Validator),
		activities.WithProxyLogger(logger),
	)
	a.Set, err = activities.NewSet(activities.Config{
		Proxy:   a.Proxy,
		Tasks:   a.Tasks,
		Events:  a.Events,
		Surface: surface,
		Signer:  signer,
		Policy:  a.Policy,
		Tools:   a.Tools,
		Ledger:  ledger,
		Logger:  logger,
		Now:     cfg.Clock,
	})
	if err != nil {
		return err
	}
	if err := a.Set.Register(a.Activities); err != nil {
		return err
	}

	a.Workflows = workflows.NewRegistry()
	a.Runtime = engine.NewRuntime(a.Store, a.Workflows, a.Proxy, engine.RuntimeConfig{
		Logger: logger,
		Clock:  cfg.Clock,
	})
	workflows.NewFinalizer(a.Store, a.Tasks, a.Events, a.Approvals, logger).Register(a.Runtime.FSM())
	a.UseControl(a.Runtime)
	return nil
}

// Recover releases idempotency claims left pending by an earlier process and
// resumes the local runtime's live workflows.
func (a *App) Recover(ctx context.Context) (int, error) {
	released, err := a.Store.ReleaseIdempotency(ctx, a.started)
	if err != nil {
		return 0, fmt.Errorf("release idempotency claims: %w", err)
	}
	if released > 0 {
		a.cfg.Logger.InfoContext(ctx, "released abandoned idempotency claims", slog.Int64("count", released))
	}
	return a.Runtime.Recover(ctx)
}

// UseControl routes workflow starts, signals and approval decisions to c.
func (a *App) UseControl(c WorkflowControl) {
	a.control = c
	a.Approvals.SetSignaler(c)
	a.Launcher = workflows.NewLauncher(a.Tasks, c, a.cfg.Logger)
}

// Control returns the active workflow substrate.
func (a *App) Control() WorkflowControl { return a.control }

// Scheduler builds the maintenance scheduler. Timer resumption applies to
// the local runtime only.
func (a *App) Scheduler(spec string) (*scheduler.Scheduler, error) {
	if spec == "" {
		spec = "@every 30s"
	}
	s := scheduler.NewScheduler(a.cfg.Logger, scheduler.WithClock(a.cfg.Clock))
	if err := s.Add(scheduler.ExpireApprovalsJob(spec, a.Approvals, a.cfg.Logger)); err != nil {
		return nil, err
	}
	if a.control == WorkflowControl(a.Runtime) {
		job := scheduler.ResumeTimersJob(spec, a.Store, a.Runtime, a.cfg.Clock, a.cfg.Logger)
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// HTTP builds the control plane server.
func (a *App) HTTP(corsOrigins []string) *httpapi.Server {
	return httpapi.New(httpapi.Deps{
		Approvals:    a.Approvals,
		Workflows:    a.control,
		Launcher:     a.Launcher,
		Tasks:        a.Tasks,
		Events:       a.Events,
		Hub:          a.Hub,
		Validator:    a.Validator,
		Pool:         a.Pool,
		Logger:       a.cfg.Logger,
		ServiceToken: a.cfg.ServiceToken,
		CORSOrigins:  corsOrigins,
	})
}

// MCP builds the operator tool server.
func (a *App) MCP() *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Launcher:  a.Launcher,
		Workflows: a.control,
		Approvals: a.Approvals,
		Tasks:     a.Tasks,
		Logger:    a.cfg.Logger,
	})
}

// Close stops the runtime, drains the worker pool and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Runtime != nil {
		errs = append(errs, a.Runtime.Shutdown(ctx))
	}
	if a.Pool != nil {
		a.Pool.Shutdown()
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
