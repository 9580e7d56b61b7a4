// Package filter selects queued mutations with CEL expressions, for example
//
//	status == "failed" && retry_count >= 3
//	kind == "update" && payload.title.startsWith("draft")
//	age_ms > 60000
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/offq/offq/internal/schema"
)

// Filter is a compiled expression. The zero Filter matches everything.
type Filter struct {
	prog cel.Program
	now  func() time.Time
}

// Compile type-checks expr. The expression must evaluate to a bool.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("supersedes", cel.StringType),
		cel.Variable("enqueued_ms", cel.IntType),
		cel.Variable("age_ms", cel.IntType),
		// Parsed JSON payload for field filtering
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("invalid filter: expression returns %s, want bool", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Filter{prog: prog, now: time.Now}, nil
}

// Match reports whether m satisfies the filter. Evaluation errors, such as
// a missing payload field, count as no match.
func (f *Filter) Match(m *schema.Mutation) bool {
	if f == nil || f.prog == nil {
		return true
	}
	var payload any
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &payload)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":          m.ID,
		"kind":        string(m.Kind),
		"entity_id":   m.EntityID,
		"status":      string(m.Status),
		"priority":    int64(m.Priority),
		"retry_count": int64(m.RetryCount),
		"last_error":  m.LastError,
		"supersedes":  m.Supersedes,
		"enqueued_ms": m.EnqueuedAt.UnixMilli(),
		"age_ms":      f.now().Sub(m.EnqueuedAt).Milliseconds(),
		"payload":     payload,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Apply returns the mutations that match, in order.
func (f *Filter) Apply(items []*schema.Mutation) []*schema.Mutation {
	out := make([]*schema.Mutation, 0, len(items))
	for _, m := range items {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}
