package schema

import "time"

// RetryPolicy configures retry behavior for an activity.
type RetryPolicy struct {
	MaxAttempts int    `json:"maxAttempts"`        // total attempts including the first
	Backoff     string `json:"backoff,omitempty"`  // none | constant | linear | exponential (default: none)
	Delay       string `json:"delay,omitempty"`    // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"maxDelay,omitempty"` // cap applied to computed delays
}

// DefaultRetryPolicy is used by activities that do not declare their own.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, Backoff: "exponential", Delay: "1s", MaxDelay: "30s"}
}

// ActivityOptions bound one activity invocation.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration `json:"startToCloseTimeout,omitempty"`
	Retry               *RetryPolicy  `json:"retry,omitempty"`
}

// WorkflowType names the registered workflow kinds.
type WorkflowType string

const (
	WorkflowChatTurn           WorkflowType = "ChatTurnWorkflow"
	WorkflowReservationCall    WorkflowType = "ReservationCallWorkflow"
	WorkflowMarketplaceSell    WorkflowType = "MarketplaceSellWorkflow"
	WorkflowHireHelper         WorkflowType = "HireHelperWorkflow"
	WorkflowDynamicIntegration WorkflowType = "DynamicIntegrationWorkflow"
)
