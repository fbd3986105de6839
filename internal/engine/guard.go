package engine

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// celEnv declares the approval-context variables available to guard and
// limiter expressions. Built once; cel.Env is safe for concurrent use.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("account_age_days", cel.IntType),
		cel.Variable("balance", cel.DoubleType),
		cel.Variable("is_dave_banking", cel.BoolType),
		cel.Variable("valid_credentials", cel.BoolType),
		cel.Variable("has_income", cel.BoolType),
		cel.Variable("income_status", cel.StringType),
		cel.Variable("income_observations", cel.IntType),
		cel.Variable("income_average", cel.DoubleType),
		cel.Variable("solvency_balance", cel.DoubleType),
		cel.Variable("taken_count", cel.IntType),
		cel.Variable("has_outstanding", cel.BoolType),
		cel.Variable("trigger", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("cel environment: %v", err))
	}
	return env
}()

// CompileBoolExpr compiles a CEL predicate over the approval context.
// Non-bool expressions are a configuration error.
func CompileBoolExpr(expr string) (cel.Program, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	program, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}

// Activation maps an approval context onto the CEL variable set.
func Activation(ac *domain.ApprovalContext) map[string]any {
	activation := map[string]any{
		"account_age_days":    int64(ac.BankAccount.AgeDays),
		"balance":             ac.BankAccount.Balance,
		"is_dave_banking":     ac.BankAccount.IsDaveBanking,
		"valid_credentials":   ac.BankAccount.ValidCredentials,
		"has_income":          ac.Income != nil,
		"income_status":       "",
		"income_observations": int64(0),
		"income_average":      ac.IncomeAverage,
		"solvency_balance":    ac.SolvencyBalance,
		"taken_count":         int64(ac.Advances.TakenCount),
		"has_outstanding":     ac.Advances.Outstanding != nil,
		"trigger":             string(ac.Trigger),
	}
	if ac.Income != nil {
		activation["income_status"] = string(ac.Income.Status)
		activation["income_observations"] = int64(ac.Income.Observations)
	}
	return activation
}

// EvalBoolExpr runs a compiled predicate against a context.
func EvalBoolExpr(program cel.Program, ac *domain.ApprovalContext) (bool, error) {
	out, _, err := program.Eval(Activation(ac))
	if err != nil {
		return false, fmt.Errorf("expression evaluation: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return bool(b), nil
}

// NewGuardCase builds a case from an operator-authored CEL predicate.
// A false result rejects with the supplied reason; guard cases let new
// static rules ship without a deploy.
func NewGuardCase(name, expr string, rejection domain.CaseError) (Case, error) {
	program, err := CompileBoolExpr(expr)
	if err != nil {
		return Case{}, fmt.Errorf("guard case %s: %w", name, err)
	}

	return Case{
		Name: name,
		Run: func(_ context.Context, ac *domain.ApprovalContext, _ domain.ApprovalResult) (domain.CaseOutcome, error) {
			ok, err := EvalBoolExpr(program, ac)
			if err != nil {
				return domain.CaseOutcome{}, err
			}
			if !ok {
				rej := rejection
				return domain.CaseOutcome{
					Rejection: &rej,
					LogData:   map[string]any{"expression": expr},
				}, nil
			}
			return domain.CaseOutcome{LogData: map[string]any{"expression": expr}}, nil
		},
	}, nil
}
