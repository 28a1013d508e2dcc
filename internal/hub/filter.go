package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/user/chronicle/internal/types"
)

// Filter is a compiled CEL predicate over broadcast messages. Available
// variables: eventType, sessionId, toolName (string), sequence (int) and
// data (the decoded payload).
type Filter struct {
	expr string
	prog cel.Program
}

// CompileFilter parses and type-checks expr. An empty expression yields a
// nil Filter, which matches everything.
func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("eventType", cel.StringType),
		cel.Variable("sessionId", cel.StringType),
		cel.Variable("toolName", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("data", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parse filter: %w", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("check filter: %w", iss.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// Match evaluates the filter. Evaluation errors count as no match.
func (f *Filter) Match(msg *types.BroadcastMessage) bool {
	if f == nil {
		return true
	}
	var data any
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &data)
	}
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"eventType": string(msg.EventType),
		"sessionId": string(msg.SessionID),
		"toolName":  msg.ToolName,
		"sequence":  msg.Sequence,
		"data":      data,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
