package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-engine")

// Engine walks a decision graph for one candidate, producing a final
// accumulator plus a node/rule audit trail. It holds no per-request state
// and is safe for concurrent use across candidates.
type Engine struct {
	registry *Registry
	audit    domain.AuditSink
}

// New creates an engine over a validated registry. A nil audit sink
// disables trail persistence entirely.
func New(registry *Registry, audit domain.AuditSink) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decision graph: %w", err)
	}
	return &Engine{registry: registry, audit: audit}, nil
}

// Registry exposes the graph, used by exports and the description layer.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluate traverses the graph from the root until a node with no selected
// edge, threading the accumulator through each node's reducers. Business
// rejections ride inside the result; a returned error is a hard failure
// (collaborator exception or configuration defect) that aborts only this
// candidate.
func (e *Engine) Evaluate(ctx context.Context, ac *domain.ApprovalContext, initial domain.ApprovalResult) (domain.ApprovalResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Evaluate",
		trace.WithAttributes(
			attribute.String("user.id", ac.UserID),
			attribute.String("bank_account.id", ac.BankAccount.ID),
		),
	)
	defer span.End()

	result := initial
	current := e.registry.Root()

	for current != "" {
		node, ok := e.registry.Get(current)
		if !ok {
			return result, fmt.Errorf("decision graph references unknown node %q", current)
		}

		next, updated, err := e.evaluateNode(ctx, node, ac, result)
		if err != nil {
			return result, err
		}

		result = updated
		current = next
	}

	return result, nil
}

// evaluateNode runs one node and returns the selected next node name.
func (e *Engine) evaluateNode(ctx context.Context, node *Node, ac *domain.ApprovalContext, prev domain.ApprovalResult) (string, domain.ApprovalResult, error) {
	if node.Kind == KindExperiment {
		return e.evaluateGate(ctx, node, ac, prev)
	}

	result := prev
	var rejections []*domain.CaseError
	var ruleLogs []*domain.RuleLog

	for _, c := range node.Cases {
		outcome, err := c.Run(ctx, ac, result)
		if err != nil {
			// Hard collaborator failure: not caught here, the orchestrator
			// isolates this candidate from its siblings.
			return "", result, fmt.Errorf("case %s: %w", c.Name, err)
		}

		passed := outcome.Passed()
		result = result.WithResolution(c.Name, passed)
		ruleLogs = append(ruleLogs, e.ruleLog(ac, node.Name, c.Name, outcome))

		if !passed {
			rejections = append(rejections, outcome.Rejection)
			break
		}
		if outcome.Update != nil {
			result = outcome.Update(result)
		}
	}

	success := len(rejections) == 0
	if success {
		if node.AfterAllCases != nil {
			result = node.AfterAllCases(ac, result)
		}
	} else {
		reducer := node.OnError
		if reducer == nil {
			reducer = DefaultErrorReducer
		}
		result = reducer(rejections, ac, result)
	}

	e.persistTrail(ctx, ac, node.Name, success, result, ruleLogs)

	if success {
		return node.OnSuccess, result, nil
	}
	return node.OnFailure, result, nil
}

// evaluateGate resolves an experiment node: treatment follows the success
// edge, control follows the failure edge. Control is not a rejection, so
// the accumulator is never reduced here.
func (e *Engine) evaluateGate(ctx context.Context, node *Node, ac *domain.ApprovalContext, prev domain.ApprovalResult) (string, domain.ApprovalResult, error) {
	treatment, err := node.Gate.Assign(ctx, ac)
	if err != nil {
		return "", prev, fmt.Errorf("experiment gate %s: %w", node.Name, err)
	}

	result := prev
	if treatment {
		result = result.Clone()
		result.IsExperimental = true
	}

	if e.audit != nil && ac.AuditLog {
		log := &domain.ExperimentLog{
			ID:           uuid.New().String(),
			AuditID:      ac.AuditID,
			ExperimentID: node.Gate.ExperimentID(),
			UserID:       ac.UserID,
			Treatment:    treatment,
			LoggedAt:     time.Now().UTC(),
		}
		if err := e.audit.SaveExperimentLog(ctx, log); err != nil {
			slog.Error("failed to save experiment log",
				"experiment_id", node.Gate.ExperimentID(),
				"error", err,
			)
		}
	}

	e.persistTrail(ctx, ac, node.Name, treatment, result, nil)

	if treatment {
		return node.OnSuccess, result, nil
	}
	return node.OnFailure, result, nil
}

func (e *Engine) ruleLog(ac *domain.ApprovalContext, nodeName, ruleName string, outcome domain.CaseOutcome) *domain.RuleLog {
	log := &domain.RuleLog{
		ID:       uuid.New().String(),
		AuditID:  ac.AuditID,
		UserID:   ac.UserID,
		NodeName: nodeName,
		RuleName: ruleName,
		Success:  outcome.Passed(),
		LogData:  outcome.LogData,
		LoggedAt: time.Now().UTC(),
	}
	if outcome.Rejection != nil {
		log.ErrorType = outcome.Rejection.Type
	}
	return log
}

// persistTrail writes the node-level row and its rule rows. Audit writes
// are best-effort: a failed insert is logged, not surfaced, because the
// decision itself already happened.
func (e *Engine) persistTrail(ctx context.Context, ac *domain.ApprovalContext, nodeName string, success bool, snapshot domain.ApprovalResult, ruleLogs []*domain.RuleLog) {
	if e.audit == nil || !ac.AuditLog {
		return
	}

	nodeLog := &domain.NodeLog{
		ID:       uuid.New().String(),
		AuditID:  ac.AuditID,
		UserID:   ac.UserID,
		NodeName: nodeName,
		Success:  success,
		Snapshot: snapshot,
		LoggedAt: time.Now().UTC(),
	}
	if err := e.audit.SaveNodeLog(ctx, nodeLog); err != nil {
		slog.Error("failed to save node log", "node", nodeName, "error", err)
	}

	for _, rl := range ruleLogs {
		if err := e.audit.SaveRuleLog(ctx, rl); err != nil {
			slog.Error("failed to save rule log", "rule", rl.RuleName, "error", err)
		}
	}
}
