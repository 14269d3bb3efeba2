package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/homeos/pkg/schema"
)

// WorkflowStore persists workflow instances.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *WorkflowInstance) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowInstance, error)
}

// HistoryStore is the append-only, per-instance event log plus its signal inbox and timers.
type HistoryStore interface {
	AppendHistory(ctx context.Context, ev *HistoryEvent) error
	GetHistory(ctx context.Context, workflowID string) ([]*HistoryEvent, error)

	EnqueueSignal(ctx context.Context, sig *InboxSignal) error
	PendingSignals(ctx context.Context, workflowID string) ([]*InboxSignal, error)
	// ConsumeSignal marks the inbox row consumed and appends ev in one transaction.
	ConsumeSignal(ctx context.Context, signalID int64, ev *HistoryEvent) error

	// StartTimer appends the timer_started event and registers the timer in one transaction.
	StartTimer(ctx context.Context, ev *HistoryEvent, fireAt time.Time) error
	DeleteTimer(ctx context.Context, workflowID string, commandID int64) error
	ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error)
}

// TaskStore persists tasks and their audit trail.
type TaskStore interface {
	CreateTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error)

	// AppendTaskEvent inserts ev unless its EventID already exists; inserted reports which.
	AppendTaskEvent(ctx context.Context, workspaceID string, ev *schema.TaskEvent) (inserted bool, err error)
	ListTaskEvents(ctx context.Context, filter TaskEventFilter) ([]*schema.TaskEvent, error)
}

// ApprovalStore persists approval requests and their single response.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error
	GetApproval(ctx context.Context, envelopeID string) (*schema.ApprovalRequest, error)
	// ResolveApproval moves a pending request to status. It fails with CONFLICT
	// when the request is no longer pending.
	ResolveApproval(ctx context.Context, envelopeID string, status schema.ApprovalStatus, resp *schema.ApprovalResponse) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)
	ListOverdueApprovals(ctx context.Context, now time.Time) ([]*schema.ApprovalRequest, error)
}

// IdempotencyStore records side-effect outcomes by caller-supplied key.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	// ClaimIdempotency inserts rec if the key is new; claimed is false when it existed.
	ClaimIdempotency(ctx context.Context, rec *IdempotencyRecord) (claimed bool, err error)
	// ReclaimIdempotency takes over a failed key, or a pending key claimed
	// before staleBefore. It reports false when another caller holds it.
	ReclaimIdempotency(ctx context.Context, key string, staleBefore time.Time) (bool, error)
	CompleteIdempotency(ctx context.Context, key string, status IdempotencyStatus, result json.RawMessage, errMsg string) error
}

// SecretStore persists encrypted secret blobs.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	HistoryStore
	TaskStore
	ApprovalStore
	IdempotencyStore
	SecretStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
