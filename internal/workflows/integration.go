package workflows

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/pkg/schema"
)

const (
	publishApprovalTimeout = 24 * time.Hour
	toolVersion            = "1.0.0"
	rolloutCanary          = "canary"
)

// IntegrationInput asks for a new tool covering CapabilityRequest.
type IntegrationInput struct {
	WorkspaceID         string         `json:"workspaceId"`
	UserID              string         `json:"userId"`
	CapabilityRequest   string         `json:"capabilityRequest"`
	OriginalTaskContext map[string]any `json:"originalTaskContext,omitempty"`
}

// IntegrationResult is the outcome of DynamicIntegration.
type IntegrationResult struct {
	Success     bool   `json:"success"`
	ToolName    string `json:"toolName,omitempty"`
	ToolVersion string `json:"toolVersion,omitempty"`
	Error       string `json:"error,omitempty"`
}

// integrationFailure is a fail-closed stop with details for the
// integration.failed event.
type integrationFailure struct {
	reason  string
	details map[string]any
}

// DynamicIntegration discovers a service for a missing capability, wraps it
// as a tool, tests and reviews the wrapper and publishes it after approval.
func DynamicIntegration(ctx engine.Context, in IntegrationInput) (IntegrationResult, error) {
	r := newRun(ctx, "integration", in.WorkspaceID, in.UserID)
	book := newApprovalBook(r)

	res, failure, err := dynamicIntegration(r, book, in)
	reason := ""
	if failure != nil {
		reason = failure.reason
	}
	if err = conclude(err, &reason); err != nil {
		return IntegrationResult{}, err
	}
	if reason != "" {
		payload := map[string]any{"reason": reason}
		if failure != nil {
			for k, v := range failure.details {
				payload[k] = v
			}
		}
		r.emit("integration.failed", payload)
		res.Success, res.Error = false, reason
	}
	summary := reason
	if res.Success {
		summary = fmt.Sprintf("Published %s %s", res.ToolName, res.ToolVersion)
	}
	r.finish(res.Success, summary, map[string]any{"toolName": res.ToolName, "version": res.ToolVersion})
	return res, nil
}

func dynamicIntegration(r *run, book *approvalBook, in IntegrationInput) (IntegrationResult, *integrationFailure, error) {
	ws := r.info.WorkspaceID
	fail := func(reason string, details map[string]any) (IntegrationResult, *integrationFailure, error) {
		return IntegrationResult{}, &integrationFailure{reason: reason, details: details}, nil
	}

	r.phase("discovering")
	var discovered activities.DiscoverServicesResult
	if err := r.ctx.ExecuteActivity(activities.DiscoverServices, activities.DiscoverServicesInput{
		WorkspaceID: ws, Query: in.CapabilityRequest,
	}, &discovered); err != nil {
		return IntegrationResult{}, nil, err
	}
	if len(discovered.Candidates) == 0 {
		return fail("No suitable services found", nil)
	}

	r.phase("evaluating", "candidates", len(discovered.Candidates))
	evals := make([]activities.ServiceEvaluation, len(discovered.Candidates))
	calls := make([]engine.ActivityCall, len(discovered.Candidates))
	for i, svc := range discovered.Candidates {
		calls[i] = engine.ActivityCall{
			Name:   activities.EvaluateService,
			Input:  activities.EvaluateServiceInput{WorkspaceID: ws, Service: svc},
			Output: &evals[i],
		}
	}
	var viable []activities.ServiceEvaluation
	for i, err := range r.ctx.ExecuteActivities(calls) {
		if err != nil {
			if !activityFailed(err) {
				return IntegrationResult{}, nil, err
			}
			r.logger().Warn("service evaluation dropped", "service", discovered.Candidates[i].Name, "error", err)
			continue
		}
		if evals[i].Viable {
			viable = append(viable, evals[i])
		}
	}
	if len(viable) == 0 {
		return fail("No viable services after evaluation", nil)
	}
	sort.SliceStable(viable, func(i, j int) bool { return viable[i].Score > viable[j].Score })
	chosen := viable[0]

	r.phase("generating", "service", chosen.Service.Name)
	var code activities.ToolCode
	if err := r.ctx.ExecuteActivity(activities.GenerateToolWrapper, activities.GenerateToolWrapperInput{
		WorkspaceID: ws, Service: chosen.Service, Evaluation: chosen,
	}, &code); err != nil {
		return IntegrationResult{}, nil, err
	}

	r.phase("testing")
	var tests activities.ContractTestResults
	if err := r.ctx.ExecuteActivity(activities.RunContractTests, activities.ContractTestsInput{
		WorkspaceID: ws, ToolCode: code, Service: chosen.Service,
	}, &tests); err != nil {
		return IntegrationResult{}, nil, err
	}
	if !tests.AllPassed {
		return fail("Contract tests failed", map[string]any{"failures": tests.Failures})
	}

	r.phase("security_review")
	var security activities.SecurityResult
	if err := r.ctx.ExecuteActivity(activities.ApplySecurityGates, activities.SecurityGatesInput{
		WorkspaceID: ws, ToolCode: code, Service: chosen.Service,
	}, &security); err != nil {
		return IntegrationResult{}, nil, err
	}
	if !security.Approved {
		return fail("Security review failed", map[string]any{"issues": security.Issues})
	}

	d, err := r.gate(book, gateRequest{
		Intent:   "Publish new tool integration: " + chosen.Service.Name,
		ToolName: "integration.publish",
		Inputs: map[string]any{
			"serviceName":  chosen.Service.Name,
			"capabilities": chosen.Service.Capabilities,
			"endpoints":    security.RestrictedEndpoints,
		},
		ExpectedOutputs: map[string]any{"tool": "registered tool"},
		RiskLevel:       schema.RiskMedium,
		RollbackPlan:    "Unpublish the tool from the registry",
		Timeout:         publishApprovalTimeout,
	})
	if err != nil {
		return IntegrationResult{}, nil, err
	}
	if !d.approved() {
		return fail("Publish not approved: "+d.Reason, nil)
	}

	r.phase("publishing")
	var published activities.PublishedTool
	if err := r.ctx.ExecuteActivity(activities.PublishTool, activities.PublishToolInput{
		WorkspaceID: ws,
		ToolCode:    security.SecuredToolCode,
		Metadata: activities.ToolMetadata{
			Name:         chosen.Service.Name,
			Version:      toolVersion,
			Source:       chosen.Service.Type,
			Capabilities: chosen.Service.Capabilities,
		},
		RolloutStrategy: rolloutCanary,
	}, &published); err != nil {
		return IntegrationResult{}, nil, err
	}

	return IntegrationResult{Success: true, ToolName: published.ToolName, ToolVersion: published.Version}, nil, nil
}
