// Package experiment implements probabilistic gate nodes for the decision
// graph: ratio-based treatment assignment, CEL-scoped sub-populations, and
// a global exposure cap backed by an atomic shared counter.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Config describes one experiment gate.
type Config struct {
	// ID is the stable experiment identity used for audit rows and the
	// exposure counter key.
	ID string

	// Active gates the whole experiment; inactive always assigns control.
	Active bool

	// Ratio is the treatment probability in [0, 1].
	Ratio float64

	// Limit caps total treatment assignments across all process instances.
	// Zero means uncapped.
	Limit int64

	// LimiterExpr optionally scopes the experiment to a sub-population via
	// a CEL predicate over the approval context. Contexts it rejects are
	// always control.
	LimiterExpr string
}

// SuccessCheck retroactively decides whether an already-decided evaluation
// counts as a success for the experiment. It supports A/B measurement
// without coupling measurement to the branch the gate chose.
type SuccessCheck func(result domain.ApprovalResult) bool

// CasePassed returns a SuccessCheck satisfied when the named case resolved
// to pass in the recorded trace.
func CasePassed(caseName string) SuccessCheck {
	return func(result domain.ApprovalResult) bool {
		passed, ok := result.CaseResolutions[caseName]
		return ok && passed
	}
}

// Gate implements engine.Gate. Assignment has exactly two outcomes,
// treatment or control, decided once per evaluation.
type Gate struct {
	cfg     Config
	counter domain.Cache
	limiter cel.Program
	success SuccessCheck

	// draw is injectable for deterministic tests.
	draw func() float64
}

// Option tweaks gate construction.
type Option func(*Gate)

// WithDraw overrides the randomness source.
func WithDraw(draw func() float64) Option {
	return func(g *Gate) { g.draw = draw }
}

// WithSuccessCheck installs the retroactive outcome check.
func WithSuccessCheck(check SuccessCheck) Option {
	return func(g *Gate) { g.success = check }
}

// NewGate builds a gate. The counter is required when a limit is set; the
// limiter expression, when present, must compile to bool.
func NewGate(cfg Config, counter domain.Cache, opts ...Option) (*Gate, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("experiment id is required")
	}
	if cfg.Ratio < 0 || cfg.Ratio > 1 {
		return nil, fmt.Errorf("experiment %s: ratio %.3f outside [0,1]", cfg.ID, cfg.Ratio)
	}
	if cfg.Limit > 0 && counter == nil {
		return nil, fmt.Errorf("experiment %s: exposure limit requires a counter", cfg.ID)
	}

	g := &Gate{
		cfg:     cfg,
		counter: counter,
		draw:    rand.Float64,
	}

	if cfg.LimiterExpr != "" {
		program, err := engine.CompileBoolExpr(cfg.LimiterExpr)
		if err != nil {
			return nil, fmt.Errorf("experiment %s limiter: %w", cfg.ID, err)
		}
		g.limiter = program
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// ExperimentID implements engine.Gate.
func (g *Gate) ExperimentID() string {
	return g.cfg.ID
}

// Assign implements engine.Gate. Control is returned for inactive
// experiments, out-of-scope contexts, losing draws, and exhausted caps.
// The cap check uses increment-with-cap so concurrent assignments can
// never overshoot the limit.
func (g *Gate) Assign(ctx context.Context, ac *domain.ApprovalContext) (bool, error) {
	if !g.cfg.Active {
		return false, nil
	}

	if g.limiter != nil {
		ok, err := engine.EvalBoolExpr(g.limiter, ac)
		if err != nil {
			return false, fmt.Errorf("experiment %s limiter: %w", g.cfg.ID, err)
		}
		if !ok {
			return false, nil
		}
	}

	if g.draw() >= g.cfg.Ratio {
		return false, nil
	}

	if g.cfg.Limit > 0 {
		within, err := g.counter.IncrementWithCap(ctx, counterKey(g.cfg.ID), g.cfg.Limit)
		if err != nil {
			// A counter outage must not block approvals. Default to control
			// so the cap can never be exceeded while the counter is dark.
			slog.Warn("experiment counter unavailable, assigning control",
				"experiment_id", g.cfg.ID,
				"error", err,
			)
			return false, nil
		}
		if !within {
			return false, nil
		}
	}

	return true, nil
}

// RecordOutcome retroactively marks whether this evaluation's treatment
// qualified as a success, keyed by the traversal's audit id. It is invoked
// independently of traversal, after the decision is final.
func (g *Gate) RecordOutcome(ctx context.Context, repo domain.Repository, auditID string, result domain.ApprovalResult) error {
	if g.success == nil {
		return nil
	}
	return repo.UpdateExperimentOutcome(ctx, auditID, g.cfg.ID, g.success(result))
}

func counterKey(experimentID string) string {
	return "experiment:" + experimentID + ":exposures"
}

// NewGateNode wraps a gate in a decision node: treatment follows the
// success edge, control the failure edge.
func NewGateNode(name string, gate *Gate, onTreatment, onControl string) *engine.Node {
	return &engine.Node{
		Name:      name,
		Kind:      engine.KindExperiment,
		Gate:      gate,
		OnSuccess: onTreatment,
		OnFailure: onControl,
		Metadata: map[string]any{
			"experimentId": gate.cfg.ID,
			"ratio":        gate.cfg.Ratio,
		},
	}
}
