// Package policy authorizes staff requests with an OPA rego policy.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Permissions checked by the API.
const (
	DeviceManagement  = "device_management"
	SessionView       = "session_view"
	SessionManagement = "session_management"
	OrderManagement   = "order_management"
	Authenticated     = "authenticated"
)

const query = "data.tvbill.authz.allow"

//go:embed authz.rego
var defaultPolicy string

// Input is the document a decision is made on.
type Input struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	Permission string `json:"permission"`
	Method     string `json:"method"`
	Path       string `json:"path"`
}

// Authorizer evaluates the compiled policy.
type Authorizer struct {
	mu     sync.RWMutex
	file   string
	query  rego.PreparedEvalQuery
	logger zerolog.Logger
}

// New compiles the built-in policy, or file when it is set.
func New(file string, logger zerolog.Logger) (*Authorizer, error) {
	a := &Authorizer{
		file:   file,
		logger: logger.With().Str("component", "policy").Logger(),
	}
	if err := a.Reload(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload recompiles the policy source. Evaluations keep using the previous
// query until the new one is ready.
func (a *Authorizer) Reload(ctx context.Context) error {
	name, source := "authz.rego", defaultPolicy
	if a.file != "" {
		content, err := os.ReadFile(a.file)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", a.file, err)
		}
		name, source = a.file, string(content)
	}

	prepared, err := compile(ctx, name, source)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.query = prepared
	a.mu.Unlock()

	a.logger.Info().Str("source", name).Msg("Authorization policy loaded")
	return nil
}

func compile(ctx context.Context, name, source string) (rego.PreparedEvalQuery, error) {
	module, err := ast.ParseModule(name, source)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to parse policy %s: %w", name, err)
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare policy query: %w", err)
	}
	return prepared, nil
}

// Allow reports whether the input is permitted.
func (a *Authorizer) Allow(ctx context.Context, in Input) (bool, error) {
	start := time.Now()

	a.mu.RLock()
	prepared := a.query
	a.mu.RUnlock()

	results, err := prepared.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}

	a.logger.Debug().
		Str("role", in.Role).
		Str("permission", in.Permission).
		Dur("duration", time.Since(start)).
		Msg("Policy evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy result is not a boolean: %T", results[0].Expressions[0].Value)
	}
	return allowed, nil
}
