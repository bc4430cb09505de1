package policy

import (
	"fmt"
	"sync"

	"github.com/agentpay-io/control-plane/pkg/txn"
	"github.com/google/cel-go/cel"
)

// celEnv and a per-expression program cache, built once. Grounded in
// pkg/kernel/celdp/evaluator.go's compile-and-cache pattern.
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error

	programCacheMu sync.Mutex
	programCache   = map[string]cel.Program{}
)

func getCelEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("agentId", cel.StringType),
			cel.Variable("recipient", cel.StringType),
			cel.Variable("amount", cel.DoubleType),
			cel.Variable("currency", cel.StringType),
			cel.Variable("service", cel.StringType),
			cel.Variable("protocol", cel.StringType),
			cel.Variable("purpose", cel.StringType),
			cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		)
	})
	return celEnv, celEnvErr
}

func compileExpression(expr string) (cel.Program, error) {
	programCacheMu.Lock()
	defer programCacheMu.Unlock()

	if prg, ok := programCache[expr]; ok {
		return prg, nil
	}
	env, err := getCelEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("policy: invalid condition expression %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program for expression %q: %w", expr, err)
	}
	programCache[expr] = prg
	return prg, nil
}

// evalExpression evaluates a CEL boolean condition against tx. A
// malformed or non-boolean expression fails closed (returns false, nil
// error is NOT returned — callers treat any error as "does not match").
func evalExpression(expr string, tx *txn.Transaction) (bool, error) {
	prg, err := compileExpression(expr)
	if err != nil {
		return false, err
	}
	metadata := make(map[string]string, len(tx.Metadata))
	for k, v := range tx.Metadata {
		metadata[k] = v
	}
	out, _, err := prg.Eval(map[string]any{
		"agentId":   tx.AgentID,
		"recipient": tx.Recipient,
		"amount":    tx.Amount,
		"currency":  tx.Currency,
		"service":   tx.Service,
		"protocol":  string(tx.Protocol),
		"purpose":   tx.Purpose,
		"metadata":  metadata,
	})
	if err != nil {
		return false, fmt.Errorf("policy: evaluating expression %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression %q did not evaluate to a boolean", expr)
	}
	return result, nil
}
