package tools

import (
	"context"
	_ "embed"
	"encoding/json"
	"math"
	"strings"

	"github.com/rendis/homeos/internal/expressions"
	"github.com/rendis/homeos/pkg/schema"
)

//go:embed catalog.json
var builtinCatalog []byte

// ServiceCandidate is an integrable third-party service.
type ServiceCandidate struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"` // mcp | openapi | sdk
	Capabilities  []string `json:"capabilities"`
	APISpec       string   `json:"apiSpec,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
	BaseURL       string   `json:"baseUrl,omitempty"`
	AuthType      string   `json:"authType,omitempty"` // none | api_key | oauth2 | bearer
	Source        string   `json:"source,omitempty"`   // registry | github | npm | custom
}

// MinMatchScore is the relevance a candidate needs to be returned.
const MinMatchScore = 0.3

// maxCandidates bounds one discovery.
const maxCandidates = 10

// Catalog is a searchable registry of integration candidates.
type Catalog struct {
	doc any
	jq  *expressions.GoJQEngine
}

// NewCatalog loads the built-in registry.
func NewCatalog(jq *expressions.GoJQEngine) (*Catalog, error) {
	return NewCatalogFromJSON(builtinCatalog, jq)
}

// NewCatalogFromJSON loads a registry document of the form {"<registry>": [candidates...]}.
func NewCatalogFromJSON(raw []byte, jq *expressions.GoJQEngine) (*Catalog, error) {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse integration catalog").WithCause(err)
	}
	return &Catalog{doc: doc, jq: jq}, nil
}

// Query runs a jq program over the catalog document and decodes every output
// as a candidate.
func (c *Catalog) Query(ctx context.Context, program string) ([]ServiceCandidate, error) {
	results, err := c.jq.Run(ctx, program, c.doc)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceCandidate, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		var sc ServiceCandidate
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "catalog entry is not a service candidate").WithCause(err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// Search returns candidates whose relevance to query exceeds MinMatchScore,
// MCP servers first, in registry order. filter is an optional jq predicate
// applied to each entry, e.g. `.authType != "oauth2"`.
func (c *Catalog) Search(ctx context.Context, query, filter string) ([]ServiceCandidate, error) {
	program := "(.mcp // [])[], (.openapi // [])[]"
	if strings.TrimSpace(filter) != "" {
		program = "(" + program + ") | select(" + filter + ")"
	}
	all, err := c.Query(ctx, program)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var out []ServiceCandidate
	for _, sc := range all {
		if MatchScore(sc, q) > MinMatchScore {
			out = append(out, sc)
		}
		if len(out) == maxCandidates {
			break
		}
	}
	return out, nil
}

// MatchScore rates how well sc fits a lower-cased query, in [0, 1].
func MatchScore(sc ServiceCandidate, query string) float64 {
	if query == "" {
		return 0
	}
	name := strings.ToLower(sc.Name)
	score := 0.0
	if strings.Contains(name, query) {
		score += 0.5
	}
	for _, capability := range sc.Capabilities {
		capability = strings.ToLower(capability)
		if strings.Contains(capability, query) || strings.Contains(query, capability) {
			score += 0.3
		}
	}
	for _, kw := range strings.Fields(query) {
		if strings.Contains(name, kw) {
			score += 0.2
		}
		for _, capability := range sc.Capabilities {
			if strings.Contains(strings.ToLower(capability), kw) {
				score += 0.1
				break
			}
		}
	}
	return math.Min(score, 1)
}
