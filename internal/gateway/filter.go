package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"jobcast/internal/events"
)

// Filter narrows a subscription. UserID is only meaningful (and only
// accepted) on topics that carry a user snapshot. Expr is a CEL expression
// over `topic` (string), `payload` (the decoded payload object) and
// `timestamp` (publish time, unix ms); it must evaluate to a bool.
type Filter struct {
	UserID string `json:"userId,omitempty"`
	Expr   string `json:"expr,omitempty"`
}

func (f Filter) IsZero() bool { return f.UserID == "" && strings.TrimSpace(f.Expr) == "" }

func userFilterable(t events.Topic) bool {
	return t == events.UserUpdated || t == events.UserOnline
}

// compile turns f into a matcher for topic. A nil matcher accepts everything.
func (f Filter) compile(topic events.Topic) (func(events.Envelope) bool, error) {
	if f.IsZero() {
		return nil, nil
	}
	if f.UserID != "" && !userFilterable(topic) {
		return nil, fmt.Errorf("%w: topic %s does not support userId", ErrInvalidFilter, topic)
	}
	var prog cel.Program
	if expr := strings.TrimSpace(f.Expr); expr != "" {
		p, err := compileCEL(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		prog = p
	}
	userID := f.UserID
	return func(env events.Envelope) bool {
		if userID != "" {
			if env.Payload.User == nil || env.Payload.User.ID != userID {
				return false
			}
		}
		if prog != nil {
			return evalCEL(prog, env)
		}
		return true
	}, nil
}

func compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", ast.OutputType())
	}
	return env.Program(ast)
}

// evalCEL treats evaluation errors (missing fields and the like) as no match.
func evalCEL(prog cel.Program, env events.Envelope) bool {
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return false
	}
	var ts int64
	if t, err := env.Payload.Time(); err == nil {
		ts = t.UnixMilli()
	}
	out, _, err := prog.Eval(map[string]any{
		"topic":     string(env.Topic),
		"payload":   payload,
		"timestamp": ts,
	})
	if err != nil {
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}
