package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/pkg/schema"
)

func TestCEL_RiskRule(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	rule := `tool == "placeCall" || (has(inputs.amount) && inputs.amount > context.spendLimit)`
	tests := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"call", map[string]any{"tool": "placeCall"}, true},
		{"over limit", map[string]any{"tool": "bookHelper", "inputs": map[string]any{"amount": 120.0}, "context": map[string]any{"spendLimit": 100.0}}, true},
		{"under limit", map[string]any{"tool": "bookHelper", "inputs": map[string]any{"amount": 20.0}, "context": map[string]any{"spendLimit": 100.0}}, false},
		{"no amount", map[string]any{"tool": "search"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), rule, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(e.Check("")))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(e.Check("tool ==")))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(e.Check("unknownVar == 1")))

	_, err = e.EvaluateBool(context.Background(), `"not a bool"`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCEL_CustomVariables(t *testing.T) {
	e, err := NewCELEngine("message")
	require.NoError(t, err)
	got, err := e.EvaluateBool(context.Background(), `message.matches("(?i)wire transfer")`, map[string]any{"message": "Can I pay by Wire Transfer?"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_ConcurrentUseSharesCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(context.Background(), `tool + "!"`, map[string]any{"tool": "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

func TestExpr_Formula(t *testing.T) {
	e := NewExprEngine()
	score, err := e.EvaluateFloat(context.Background(), "rating * 20 - distance * 2", map[string]any{"rating": 4.5, "distance": 3})
	require.NoError(t, err)
	assert.InDelta(t, 84.0, score, 1e-9)

	_, err = e.EvaluateFloat(context.Background(), `"text"`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(e.Check("1 +")))
}

func TestGoJQ_RunJSON(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.RunJSON(context.Background(), `.results[] | select(.open) | .name`,
		[]byte(`{"results":[{"name":"A","open":true},{"name":"B","open":false},{"name":"C","open":true}]}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "C"}, out)

	single, err := e.Evaluate(context.Background(), `.count + 1`, map[string]any{"count": 2})
	require.NoError(t, err)
	assert.Equal(t, 3.0, single)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

type stubVault struct{ values map[string]string }

func (v stubVault) Resolve(_ context.Context, key string) ([]byte, error) {
	s, ok := v.values[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(s), nil
}
func (v stubVault) Store(context.Context, string, []byte) error { return nil }
func (v stubVault) Delete(context.Context, string) error         { return nil }
func (v stubVault) List(context.Context) ([]string, error)       { return nil, nil }

func TestInterpolator_Resolve(t *testing.T) {
	in := NewInterpolator(stubVault{values: map[string]string{"places.key": "k-123"}})
	scope := Scope{"inputs": {"city": "Lisbon", "filters": map[string]any{"open": true}}}

	got, err := in.Resolve(context.Background(), "https://x/search?q=${{ inputs.city }}&open=${{inputs.filters.open}}&key=${{secrets.places.key}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "https://x/search?q=Lisbon&open=true&key=k-123", got)
}

func TestInterpolator_SecretValueNotRescanned(t *testing.T) {
	in := NewInterpolator(stubVault{values: map[string]string{"tricky": "${{inputs.city}}"}})
	got, err := in.Resolve(context.Background(), "${{secrets.tricky}}", Scope{"inputs": {"city": "Lisbon"}})
	require.NoError(t, err)
	assert.Equal(t, "${{inputs.city}}", got)
}

func TestInterpolator_Errors(t *testing.T) {
	in := NewInterpolator(nil)
	scope := Scope{"inputs": {"city": "Lisbon"}}
	for _, tmpl := range []string{"${{inputs.city", "${{ }}", "${{nope.x}}", "${{inputs.zip}}", "${{inputs}}"} {
		_, err := in.Resolve(context.Background(), tmpl, scope)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err), tmpl)
	}
	_, err := in.Resolve(context.Background(), "${{secrets.k}}", scope)
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))
	assert.True(t, HasReferences("a ${{b.c}}"))
}
