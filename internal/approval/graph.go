// Package approval wires the production decision graph and fans the engine
// out across every eligible income candidate for a request.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/experiment"
	"github.com/opensource-finance/kestrel/internal/ml"
)

// Node names. Stable: they key audit rows, score-limit configs, and the
// experiment success checks.
const (
	NodeEligibility    = "eligibility"
	NodeAccountAge     = "account-age"
	NodeIncomeValidity = "income-validity"
	NodePaydaySolvency = "payday-solvency"
	NodeMLGate         = "ml-gate"
	NodeScoreGlobal    = "ml-score-global"
	NodeScoreVariable  = "ml-score-variable"
	NodeScoreNoIncome  = "ml-score-no-income"
	NodeMLDidError     = "ml-did-error"
	NodeStaticFallback = "static-fallback"
)

// FallbackTier is the conservative amount granted when scoring is down but
// every static rule passed.
const FallbackTier = 25

// ScoreTables carries the score-limit tables for the three ML nodes,
// loaded from the repository or defaulted.
type ScoreTables struct {
	Global   *domain.ScoreLimitConfig
	Variable *domain.ScoreLimitConfig
	NoIncome *domain.ScoreLimitConfig
}

// DefaultScoreTables returns the shipped tables, used until an operator
// persists their own.
func DefaultScoreTables() ScoreTables {
	return ScoreTables{
		Global: &domain.ScoreLimitConfig{
			Name:      NodeScoreGlobal,
			ModelType: domain.ModelGlobal,
			Enabled:   true,
			Static:    domain.ScoreLimits{25: 0.68, 50: 0.90, 75: 0.96},
		},
		Variable: &domain.ScoreLimitConfig{
			Name:      NodeScoreVariable,
			ModelType: domain.ModelVariableTier,
			Enabled:   true,
			Dynamic: domain.DynamicScoreLimits{
				0: {25: 0.70, 50: 0.93},
				1: {25: 0.68, 50: 0.90, 75: 0.96},
				3: {25: 0.66, 50: 0.88, 75: 0.94, 100: 0.97},
			},
		},
		NoIncome: &domain.ScoreLimitConfig{
			Name:      NodeScoreNoIncome,
			ModelType: domain.ModelNoIncome,
			Enabled:   true,
			Static:    domain.ScoreLimits{25: 0.95},
		},
	}
}

// LoadScoreTables pulls the persisted score-limit tables, falling back to
// the shipped defaults for any table that is missing or disabled.
func LoadScoreTables(ctx context.Context, repo domain.Repository) ScoreTables {
	tables := DefaultScoreTables()

	load := func(name string, slot **domain.ScoreLimitConfig) {
		cfg, err := repo.GetScoreLimitConfig(ctx, name)
		if err != nil {
			return
		}
		if !cfg.Enabled {
			return
		}
		if err := ml.ValidateConfig(cfg); err != nil {
			slog.Warn("persisted score-limit table rejected, keeping default",
				"node", name,
				"error", err,
			)
			return
		}
		*slot = cfg
	}

	load(NodeScoreGlobal, &tables.Global)
	load(NodeScoreVariable, &tables.Variable)
	load(NodeScoreNoIncome, &tables.NoIncome)

	return tables
}

// GraphDeps are the collaborators the graph closes over.
type GraphDeps struct {
	Scorer  domain.ScoreClient
	Incomes domain.IncomeSource

	// Gate is optional; without it the ml-gate node is omitted and all
	// traffic scores against the global table.
	Gate *experiment.Gate

	Tables ScoreTables
	Cfg    domain.ApprovalConfig
}

// BuildGraph wires the full advance-approval graph and validates it.
// Construction is pure edge wiring, invoked once at startup and again on
// score-table reload.
func BuildGraph(deps GraphDeps) (*engine.Registry, error) {
	reg := engine.NewRegistry(NodeEligibility)

	variableEntry := NodeScoreGlobal
	if deps.Gate != nil {
		variableEntry = NodeMLGate
	}

	nodes := []*engine.Node{
		{
			Name: NodeEligibility,
			Kind: engine.KindStatic,
			Cases: []engine.Case{
				cases.ValidCredentials(),
				cases.MicroDeposit(),
				cases.NoOutstandingAdvance(),
			},
			OnSuccess: NodeAccountAge,
			Descriptions: []engine.RuleDescription{
				{Case: cases.NameValidCredentials, Vague: "We check your bank connection", Explicit: "Your bank credentials need to be reconnected"},
				{Case: cases.NameMicroDeposit, Vague: "We verify your account ownership", Explicit: "Your micro-deposit verification is incomplete"},
				{Case: cases.NameNoOutstandingAdvance, Vague: "We check your advance history", Explicit: "A prior advance is still outstanding"},
			},
		},
		{
			Name:      NodeAccountAge,
			Kind:      engine.KindStatic,
			Cases:     []engine.Case{cases.AccountAge(deps.Cfg.MinAccountAgeDays)},
			OnSuccess: NodeIncomeValidity,
			Descriptions: []engine.RuleDescription{
				{Case: cases.NameAccountAge, Vague: "We look at your account history", Explicit: fmt.Sprintf("Your account needs at least %d days of history", deps.Cfg.MinAccountAgeDays)},
			},
		},
		{
			Name: NodeIncomeValidity,
			Kind: engine.KindStatic,
			Cases: []engine.Case{
				cases.HasIncome(),
				cases.IncomeObservations(deps.Cfg.MinObservations),
				cases.StalePaycheck(deps.Cfg.MaxPaycheckAge),
				cases.LowIncomeAverage(deps.Cfg.MinIncomeAverage),
			},
			AfterAllCases: cases.MarkIncomeValid,
			OnSuccess:     NodePaydaySolvency,
			OnFailure:     NodeScoreNoIncome,
			Descriptions: []engine.RuleDescription{
				{Case: cases.NameHasIncome, Vague: "We look for steady income", Explicit: "We could not find a recurring paycheck on this account"},
				{Case: cases.NameIncomeObservations, Vague: "We review your paycheck history", Explicit: "We need to see more paychecks before approving"},
				{Case: cases.NameStalePaycheck, Vague: "We check how recent your paychecks are", Explicit: "Your most recent paycheck is too old"},
				{Case: cases.NameLowIncomeAverage, Vague: "We review your paycheck amounts", Explicit: "Your average paycheck is below our minimum"},
			},
		},
		{
			Name: NodePaydaySolvency,
			Kind: engine.KindStatic,
			Cases: []engine.Case{
				cases.PaydaySolvency(deps.Cfg.SolvencyFloor),
				cases.PendingPayment(deps.Incomes),
			},
			OnSuccess: variableEntry,
			Descriptions: []engine.RuleDescription{
				{Case: cases.NamePaydaySolvency, Vague: "We check your balance around payday", Explicit: "Your balance runs too low after payday"},
				{Case: cases.NamePendingPayment, Vague: "We check for payments in flight", Explicit: "You have an advance payment still processing"},
			},
		},
		{
			Name: NodeMLDidError,
			Kind: engine.KindStatic,
			Cases: []engine.Case{{
				Name: "ml-did-error-check",
				Run:  mlDidErrorCheck,
			}},
			OnFailure: NodeStaticFallback,
			OnError:   engine.KeepResultReducer,
		},
		{
			Name:          NodeStaticFallback,
			Kind:          engine.KindStatic,
			AfterAllCases: grantFallbackTier,
		},
	}

	globalNode, err := ml.NewScoreNode(NodeScoreGlobal, deps.Scorer, deps.Tables.Global, "", NodeMLDidError)
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, globalNode)

	noIncomeNode, err := ml.NewScoreNode(NodeScoreNoIncome, deps.Scorer, deps.Tables.NoIncome, "", "")
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, noIncomeNode)

	if deps.Gate != nil {
		variableNode, err := ml.NewScoreNode(NodeScoreVariable, deps.Scorer, deps.Tables.Variable, "", NodeMLDidError)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes,
			variableNode,
			experiment.NewGateNode(NodeMLGate, deps.Gate, NodeScoreVariable, NodeScoreGlobal),
		)
	}

	if err := reg.Add(nodes...); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("approval graph: %w", err)
	}
	return reg, nil
}

// mlDidErrorCheck routes scoring outages toward the static fallback. The
// rejection here is pure routing; KeepResultReducer preserves the
// accumulator so the recorded ml-errored reason survives.
func mlDidErrorCheck(_ context.Context, _ *domain.ApprovalContext, res domain.ApprovalResult) (domain.CaseOutcome, error) {
	if res.MLDidError {
		return domain.CaseOutcome{Rejection: &domain.CaseError{
			Type:    domain.RejectionMLErrored,
			Message: "scoring unavailable, taking static fallback path",
		}}, nil
	}
	return domain.CaseOutcome{}, nil
}

// grantFallbackTier approves the conservative tier after an ML outage.
func grantFallbackTier(_ *domain.ApprovalContext, res domain.ApprovalResult) domain.ApprovalResult {
	return res.WithApprovedAmounts(FallbackTier)
}
