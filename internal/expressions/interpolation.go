package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/homeos/internal/secrets"
	"github.com/rendis/homeos/pkg/schema"
)

const secretsNamespace = "secrets"

// Scope maps a namespace (inputs, workspace, ...) to its values.
type Scope map[string]map[string]any

// Interpolator expands ${{namespace.path}} references in tool templates.
// Plain references resolve before secrets so a secret value is never
// re-scanned for references.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. vault may be nil when no template
// references secrets.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve expands every reference in tmpl.
func (in *Interpolator) Resolve(ctx context.Context, tmpl string, scope Scope) (string, error) {
	out, err := in.pass(ctx, tmpl, scope, false)
	if err != nil {
		return "", err
	}
	return in.pass(ctx, out, scope, true)
}

// HasReferences reports whether s contains a ${{ marker.
func HasReferences(s string) bool {
	return strings.Contains(s, "${{")
}

func (in *Interpolator) pass(ctx context.Context, s string, scope Scope, secretPass bool) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for {
		idx := strings.Index(s, "${{")
		if idx < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:idx])
		rest := s[idx+3:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference")
		}
		ref := strings.TrimSpace(rest[:end])
		token := s[idx : idx+3+end+2]
		s = rest[end+2:]

		switch {
		case ref == "":
			return "", schema.NewError(schema.ErrCodeValidation, "empty ${{ }} reference")
		case strings.Contains(ref, "${{"):
			return "", schema.NewError(schema.ErrCodeValidation, "nested ${{ references are not allowed")
		}
		isSecret := strings.HasPrefix(ref, secretsNamespace+".")
		if isSecret != secretPass {
			b.WriteString(token)
			continue
		}
		val, err := in.lookup(ctx, ref, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(inline(val))
	}
}

func (in *Interpolator) lookup(ctx context.Context, ref string, scope Scope) (any, error) {
	ns, path, ok := strings.Cut(ref, ".")
	if !ok || path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "reference %q needs a namespace and a path", ref)
	}
	if ns == secretsNamespace {
		if in.vault == nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "cannot resolve secret %q: no vault configured", path)
		}
		val, err := in.vault.Resolve(ctx, path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "resolve secret %q", path).WithCause(err)
		}
		return string(val), nil
	}
	data, ok := scope[ns]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown namespace %q in ${{%s}}; available: %s",
			ns, ref, strings.Join(namespaces(scope), ", "))
	}
	if v, ok := data[path]; ok {
		return v, nil
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot traverse %q in ${{%s}}: not an object", seg, ref)
		}
		if cur, ok = m[seg]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "field %q not found in ${{%s}}", seg, ref)
		}
	}
	return cur, nil
}

func inline(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func namespaces(scope Scope) []string {
	out := []string{secretsNamespace}
	for k := range scope {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
