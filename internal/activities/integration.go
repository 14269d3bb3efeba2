package activities

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// DiscoverServicesInput is a capability wanted by the household.
type DiscoverServicesInput struct {
	WorkspaceID string `json:"workspaceId"`
	Query       string `json:"query"`
	// Filter is an optional jq predicate over catalog entries.
	Filter string `json:"filter,omitempty"`
}

// DiscoverServicesResult lists candidates in discovery order.
type DiscoverServicesResult struct {
	Candidates []tools.ServiceCandidate `json:"candidates"`
}

// EvaluateServiceInput is one candidate to vet.
type EvaluateServiceInput struct {
	WorkspaceID string                 `json:"workspaceId"`
	Service     tools.ServiceCandidate `json:"service"`
}

// ServiceEvaluation scores a candidate.
type ServiceEvaluation struct {
	Service    tools.ServiceCandidate `json:"service"`
	Viable     bool                   `json:"viable"`
	Score      float64                `json:"score"`
	HasOAuth   bool                   `json:"hasOAuth"`
	TOSRisk    schema.RiskLevel       `json:"tosRisk"`
	APIQuality string                 `json:"apiQuality"`
	Notes      []string               `json:"notes"`
}

// ToolCode is a generated wrapper plus the HTTP tools it exposes.
type ToolCode struct {
	Code         string            `json:"code"`
	Language     string            `json:"language"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Endpoints    []tools.HTTPSpec  `json:"endpoints,omitempty"`
}

// GenerateToolWrapperInput is the chosen candidate.
type GenerateToolWrapperInput struct {
	WorkspaceID string                 `json:"workspaceId"`
	Service     tools.ServiceCandidate `json:"service"`
	Evaluation  ServiceEvaluation      `json:"evaluation"`
}

// ContractTestsInput is a wrapper to check.
type ContractTestsInput struct {
	WorkspaceID string                 `json:"workspaceId"`
	ToolCode    ToolCode               `json:"toolCode"`
	Service     tools.ServiceCandidate `json:"service"`
}

// ContractTestResults lists failed checks.
type ContractTestResults struct {
	AllPassed bool     `json:"allPassed"`
	Total     int      `json:"total"`
	Passed    int      `json:"passed"`
	Failures  []string `json:"failures"`
}

// SecurityGatesInput is a wrapper to review.
type SecurityGatesInput struct {
	WorkspaceID string                 `json:"workspaceId"`
	ToolCode    ToolCode               `json:"toolCode"`
	Service     tools.ServiceCandidate `json:"service"`
}

// SecurityResult is the review outcome.
type SecurityResult struct {
	Approved            bool     `json:"approved"`
	Issues              []string `json:"issues"`
	RestrictedEndpoints []string `json:"restrictedEndpoints"`
	SecuredToolCode     ToolCode `json:"securedToolCode"`
}

// ToolMetadata names a tool release.
type ToolMetadata struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
}

// PublishToolInput releases a reviewed wrapper.
type PublishToolInput struct {
	WorkspaceID     string       `json:"workspaceId"`
	ToolCode        ToolCode     `json:"toolCode"`
	Metadata        ToolMetadata `json:"metadata"`
	RolloutStrategy string       `json:"rolloutStrategy"` // immediate | canary | staged
}

// PublishedTool identifies the release.
type PublishedTool struct {
	ToolName   string   `json:"toolName"`
	Version    string   `json:"version"`
	RegistryID string   `json:"registryId"`
	Status     string   `json:"status"`
	Tools      []string `json:"tools,omitempty"`
}

func (s *Set) discoverServices(ctx context.Context, in DiscoverServicesInput) (DiscoverServicesResult, error) {
	if strings.TrimSpace(in.Query) == "" {
		return DiscoverServicesResult{}, schema.NewError(schema.ErrCodeValidation, "capability query is required")
	}
	found, err := s.cfg.Catalog.Search(ctx, in.Query, in.Filter)
	if err != nil {
		return DiscoverServicesResult{}, err
	}
	return DiscoverServicesResult{Candidates: found}, nil
}

// EvaluateCandidate scores sc without network access.
func EvaluateCandidate(sc tools.ServiceCandidate) ServiceEvaluation {
	ev := ServiceEvaluation{
		Service:    sc,
		Viable:     true,
		Score:      0.5,
		HasOAuth:   sc.AuthType == "oauth2",
		TOSRisk:    schema.RiskLow,
		APIQuality: "good",
		Notes:      []string{},
	}
	if sc.APISpec != "" {
		ev.Notes = append(ev.Notes, "API specification declared but not fetched")
	}
	switch sc.Source {
	case "registry":
		ev.Score += 0.3
		ev.APIQuality = "excellent"
		ev.Notes = append(ev.Notes, "Official registry source")
	case "npm":
		ev.Score += 0.1
		ev.Notes = append(ev.Notes, "Package registry source")
	case "github":
		ev.Score += 0.15
		ev.Notes = append(ev.Notes, "GitHub source")
	}
	switch sc.AuthType {
	case "oauth2":
		ev.Score -= 0.05
		ev.Notes = append(ev.Notes, "Requires OAuth2 setup")
	case "none":
		ev.Score += 0.1
		ev.Notes = append(ev.Notes, "No authentication required")
	}
	if strings.Contains(sc.Name, "scrape") || strings.Contains(sc.Name, "bypass") {
		ev.TOSRisk = schema.RiskHigh
		ev.Viable = false
		ev.Notes = append(ev.Notes, "Potential terms of service violations")
	}
	if sc.Type == "mcp" {
		ev.Score += 0.15
		ev.APIQuality = "excellent"
		ev.Notes = append(ev.Notes, "Native MCP support")
	}
	if len(sc.Capabilities) >= 5 {
		ev.Score += 0.1
		ev.Notes = append(ev.Notes, "Rich capability set")
	}
	ev.Score = math.Round(math.Max(0, math.Min(1, ev.Score))*1000) / 1000
	ev.Viable = ev.Viable && ev.Score >= 0.4
	return ev
}

func (s *Set) evaluateService(_ context.Context, in EvaluateServiceInput) (ServiceEvaluation, error) {
	if in.Service.Name == "" {
		return ServiceEvaluation{}, schema.NewError(schema.ErrCodeValidation, "service name is required")
	}
	return EvaluateCandidate(in.Service), nil
}

var wrapperTemplate = template.Must(template.New("wrapper").Parse(`// Code generated for the {{.Name}} integration. DO NOT EDIT.

package {{.Package}}

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// Config configures the {{.Name}} client.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client calls the {{.Name}} API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New reads the API key from {{.EnvKey}}.
func New() *Client {
	return &Client{cfg: Config{BaseURL: "{{.BaseURL}}", APIKey: os.Getenv("{{.EnvKey}}")}, http: &http.Client{}}
}

func (c *Client) call(ctx context.Context, op string, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s returned %d", op, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
{{range .Capabilities}}
// {{.Method}} invokes {{.Raw}}.
func (c *Client) {{.Method}}(ctx context.Context, input map[string]any) (map[string]any, error) {
	out, err := c.call(ctx, "{{.Raw}}", input)
	if err != nil {
		return nil, fmt.Errorf("{{.Raw}}: %w", err)
	}
	return out, nil
}
{{end}}`))

type wrapperCapability struct{ Method, Raw string }

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9]+`)

// exportedName turns "send_message" into "SendMessage".
func exportedName(s string) string {
	var b strings.Builder
	for _, part := range nonIdent.Split(s, -1) {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// camelCase turns "send_message" into "sendMessage".
func camelCase(s string) string {
	e := exportedName(s)
	if e == "" {
		return e
	}
	return strings.ToLower(e[:1]) + e[1:]
}

func envKey(name string) string {
	return strings.Trim(strings.ToUpper(nonIdent.ReplaceAllString(name, "_")), "_") + "_API_KEY"
}

func baseURL(sc tools.ServiceCandidate) string {
	if sc.BaseURL != "" {
		return strings.TrimRight(sc.BaseURL, "/")
	}
	return "https://" + sc.Name + ".mcp.homeos.local"
}

func (s *Set) generateToolWrapper(_ context.Context, in GenerateToolWrapperInput) (ToolCode, error) {
	sc := in.Service
	if sc.Name == "" || len(sc.Capabilities) == 0 {
		return ToolCode{}, schema.NewError(schema.ErrCodeValidation, "service needs a name and capabilities")
	}
	data := struct {
		Name, Package, BaseURL, EnvKey string
		Capabilities                   []wrapperCapability
	}{
		Name:    sc.Name,
		Package: strings.ToLower(nonIdent.ReplaceAllString(sc.Name, "")),
		BaseURL: baseURL(sc),
		EnvKey:  envKey(sc.Name),
	}
	code := ToolCode{Language: "go", Dependencies: map[string]string{}}
	for _, capability := range sc.Capabilities {
		data.Capabilities = append(data.Capabilities, wrapperCapability{Method: exportedName(capability), Raw: capability})
		spec := tools.HTTPSpec{
			Name:        capability,
			Description: fmt.Sprintf("%s %s", sc.Name, strings.ReplaceAll(capability, "_", " ")),
			Method:      "POST",
			URL:         data.BaseURL + "/" + capability,
			Body:        `{"workspaceId":"${{workspace.id}}"}`,
			Risk:        schema.RiskMedium,
		}
		if sc.AuthType != "" && sc.AuthType != "none" {
			spec.Headers = map[string]string{"Authorization": "Bearer ${{secrets." + data.EnvKey + "}}"}
		}
		code.Endpoints = append(code.Endpoints, spec)
	}
	var buf bytes.Buffer
	if err := wrapperTemplate.Execute(&buf, data); err != nil {
		return ToolCode{}, schema.NewError(schema.ErrCodeExecution, "render tool wrapper").WithCause(err)
	}
	code.Code = buf.String()
	return code, nil
}

var (
	exportedFuncRe = regexp.MustCompile(`(?m)^func (\([^)]*\) )?[A-Z]`)
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`["']sk-[a-zA-Z0-9]+["']`),
		regexp.MustCompile(`(?i)["']api[_-]?key["']\s*:\s*["'][^"']+["']`),
		regexp.MustCompile(`(?i)password\s*=\s*["'][^"']+["']`),
	}
)

// ContractTest runs the static checks a generated wrapper must pass.
func ContractTest(code ToolCode, sc tools.ServiceCandidate) ContractTestResults {
	var res ContractTestResults
	check := func(ok bool, failure string) {
		res.Total++
		if ok {
			res.Passed++
		} else {
			res.Failures = append(res.Failures, failure)
		}
	}

	check(exportedFuncRe.MatchString(code.Code), "No exported functions found in generated code")

	var missing []string
	for _, capability := range sc.Capabilities {
		re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(camelCase(capability)) + "|" + regexp.QuoteMeta(capability))
		if !re.MatchString(code.Code) {
			missing = append(missing, capability)
		}
	}
	check(len(missing) == 0, "Missing capability implementations: "+strings.Join(missing, ", "))

	check(strings.Contains(code.Code, "err != nil") && strings.Contains(code.Code, "error"),
		"Error handling not detected in generated code")
	check(strings.Contains(code.Code, "type ") && strings.Contains(code.Code, "struct"),
		"No types defined in generated code")

	leaked := false
	for _, re := range secretPatterns {
		if re.MatchString(code.Code) {
			leaked = true
			break
		}
	}
	check(!leaked, "Potential hardcoded secrets detected")

	res.AllPassed = len(res.Failures) == 0
	if res.Failures == nil {
		res.Failures = []string{}
	}
	return res
}

func (s *Set) runContractTests(_ context.Context, in ContractTestsInput) (ContractTestResults, error) {
	return ContractTest(in.ToolCode, in.Service), nil
}

var (
	dangerousPatterns = []string{`"os/exec"`, `"unsafe"`, `"syscall"`, `"plugin"`, `reflect\.NewAt`}
	quotedURLRe       = regexp.MustCompile(`["'](https?://[^"']+)["']`)
	fsAccessRe        = regexp.MustCompile(`os\.(Open|OpenFile|ReadFile|WriteFile|Create|Remove|RemoveAll)\(`)
	getenvRe          = regexp.MustCompile(`os\.Getenv\("([^"]+)"\)`)
)

const securityHeader = `// Security: requests are cancelled after 30s.
// Security: rate limited to 100 requests per minute per service.

`

// SecurityReview checks a generated wrapper and returns the hardened code.
func SecurityReview(code ToolCode, sc tools.ServiceCandidate) SecurityResult {
	res := SecurityResult{Issues: []string{}, RestrictedEndpoints: []string{}}
	for _, p := range dangerousPatterns {
		if regexp.MustCompile(p).MatchString(code.Code) {
			res.Issues = append(res.Issues, "Dangerous import or call detected: "+p)
		}
	}
	urls := []string{}
	for _, m := range quotedURLRe.FindAllStringSubmatch(code.Code, -1) {
		urls = append(urls, m[1])
	}
	for _, e := range code.Endpoints {
		urls = append(urls, e.URL)
	}
	seen := map[string]bool{}
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		if strings.Contains(u, "localhost") || strings.Contains(u, "127.0.0.1") || strings.Contains(u, "internal") {
			res.RestrictedEndpoints = append(res.RestrictedEndpoints, u)
		}
	}
	fileCapable := false
	for _, c := range sc.Capabilities {
		if c == "file" {
			fileCapable = true
		}
	}
	if fsAccessRe.MatchString(code.Code) && !fileCapable {
		res.Issues = append(res.Issues, "Unauthorized file system access detected")
	}
	allowed := map[string]bool{envKey(sc.Name): true, "DEBUG": true}
	for _, m := range getenvRe.FindAllStringSubmatch(code.Code, -1) {
		if !allowed[m[1]] {
			res.Issues = append(res.Issues, "Accessing unexpected env var: "+m[1])
		}
	}

	secured := code
	secured.Code = securityHeader + code.Code
	secured.Endpoints = make([]tools.HTTPSpec, len(code.Endpoints))
	for i, e := range code.Endpoints {
		e.Timeout = 30 * time.Second
		secured.Endpoints[i] = e
	}
	res.SecuredToolCode = secured
	res.Approved = len(res.Issues) == 0
	return res
}

func (s *Set) applySecurityGates(_ context.Context, in SecurityGatesInput) (SecurityResult, error) {
	return SecurityReview(in.ToolCode, in.Service), nil
}

func (s *Set) publishTool(ctx context.Context, in PublishToolInput) (PublishedTool, error) {
	md := in.Metadata
	if md.Name == "" || md.Version == "" {
		return PublishedTool{}, schema.NewError(schema.ErrCodeValidation, "tool metadata needs a name and a version")
	}
	toolName := md.Name + "." + md.Version
	registryID := "reg-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(in.WorkspaceID+"/"+toolName)).String()[:8]
	status := "canary"
	if in.RolloutStrategy == "immediate" {
		status = "active"
	}

	out := PublishedTool{ToolName: toolName, Version: md.Version, RegistryID: registryID, Status: status}
	var fresh []tools.Tool
	for _, spec := range in.ToolCode.Endpoints {
		name := toolName + "." + spec.Name
		out.Tools = append(out.Tools, name)
		if s.cfg.Tools.Has(name) {
			continue
		}
		t, err := tools.NewHTTPTool(spec, s.cfg.Interp, s.cfg.JQ, nil)
		if err != nil {
			return PublishedTool{}, err
		}
		fresh = append(fresh, t)
	}
	if len(fresh) > 0 {
		if _, err := s.cfg.Tools.RegisterNamespace(toolName, fresh); err != nil {
			return PublishedTool{}, err
		}
	}
	s.cfg.Ledger.Record("integration.publish", tools.Call{
		WorkspaceID:    in.WorkspaceID,
		IdempotencyKey: registryID,
		Inputs:         map[string]any{"toolName": toolName, "status": status, "capabilities": md.Capabilities},
	})
	s.cfg.Logger.InfoContext(ctx, "tool published", "tool", toolName, "registry_id", registryID, "status", status)
	return out, nil
}
