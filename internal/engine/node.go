// Package engine implements the advance-approval decision graph: typed
// nodes holding ordered cases, a registry wiring them by name, and the
// traversal that threads an immutable accumulator from root to terminal.
package engine

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Kind discriminates node behavior at the points that truly differ:
// case execution for static and ML nodes, branch assignment for gates.
type Kind string

const (
	KindStatic     Kind = "static"
	KindML         Kind = "ml"
	KindExperiment Kind = "experiment"
)

// CaseFunc is a single named business check. A business rejection comes
// back inside the outcome; a returned error is a hard collaborator failure
// that aborts the whole candidate.
type CaseFunc func(ctx context.Context, ac *domain.ApprovalContext, res domain.ApprovalResult) (domain.CaseOutcome, error)

// Case pairs a stable name with its check. Names double as audit keys and
// resolution-map keys, so they must be unique across the graph.
type Case struct {
	Name string
	Run  CaseFunc
}

// ErrorReducer folds case rejections into the accumulator when a node
// fails. The default reducer clears approved amounts and appends every
// rejection; nodes that route rather than reject install their own.
type ErrorReducer func(rejections []*domain.CaseError, ac *domain.ApprovalContext, prev domain.ApprovalResult) domain.ApprovalResult

// Reducer lets a node stamp extra fields after every case passed.
type Reducer func(ac *domain.ApprovalContext, res domain.ApprovalResult) domain.ApprovalResult

// Gate decides the treatment/control branch for an experiment node.
// Assignment happens once per evaluation; the engine never re-asks.
type Gate interface {
	// ExperimentID is the stable id audit rows are keyed by.
	ExperimentID() string

	// Assign returns true for treatment, false for control.
	Assign(ctx context.Context, ac *domain.ApprovalContext) (bool, error)
}

// RuleDescription maps one case to its user-facing explanations. Vague is
// the generic sentence shown far from a failure; Explicit is the specific
// sentence shown inside the failure window.
type RuleDescription struct {
	Case     string `json:"case"`
	Vague    string `json:"vague"`
	Explicit string `json:"explicit"`
}

// Node is one unit of the decision graph. Edges reference other nodes by
// name inside a Registry; an empty edge terminates traversal.
type Node struct {
	Name string
	Kind Kind

	// Cases run strictly in order; the first rejection stops the node.
	Cases []Case

	OnSuccess string
	OnFailure string

	// OnError replaces the default failure reducer when set.
	OnError ErrorReducer

	// AfterAllCases runs only when every case passed.
	AfterAllCases Reducer

	// Gate drives branch selection for experiment nodes.
	Gate Gate

	// Descriptions feed the rule-description replay layer.
	Descriptions []RuleDescription

	// Metadata is carried into graph exports.
	Metadata map[string]any
}

// DefaultErrorReducer clears approved amounts and appends every rejection.
func DefaultErrorReducer(rejections []*domain.CaseError, _ *domain.ApprovalContext, prev domain.ApprovalResult) domain.ApprovalResult {
	reasons := make([]domain.RejectionReason, 0, len(rejections))
	for _, rej := range rejections {
		reasons = append(reasons, rej.Reason())
	}
	return prev.WithRejection(reasons...)
}

// KeepResultReducer leaves the accumulator untouched on failure. Used by
// pure routing nodes whose failure edge is a branch, not a rejection.
func KeepResultReducer(_ []*domain.CaseError, _ *domain.ApprovalContext, prev domain.ApprovalResult) domain.ApprovalResult {
	return prev
}

// Registry holds the wired decision graph keyed by node name.
type Registry struct {
	nodes map[string]*Node
	root  string
}

// NewRegistry creates an empty registry with the given root node name.
func NewRegistry(root string) *Registry {
	return &Registry{
		nodes: make(map[string]*Node),
		root:  root,
	}
}

// Root returns the traversal entry point.
func (r *Registry) Root() string {
	return r.root
}

// Add registers a node. Duplicate names are a wiring bug.
func (r *Registry) Add(nodes ...*Node) error {
	for _, n := range nodes {
		if n.Name == "" {
			return fmt.Errorf("node name is required")
		}
		if _, exists := r.nodes[n.Name]; exists {
			return fmt.Errorf("duplicate node name: %s", n.Name)
		}
		r.nodes[n.Name] = n
	}
	return nil
}

// Get looks up a node by name.
func (r *Registry) Get(name string) (*Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Validate checks graph integrity: the root exists, every edge resolves,
// case names are unique across the graph, and each kind carries what its
// behavior needs. Violations are deployment defects, so loading fails loud.
func (r *Registry) Validate() error {
	if _, ok := r.nodes[r.root]; !ok {
		return fmt.Errorf("root node %q not registered", r.root)
	}

	seenCases := make(map[string]string)
	for name, n := range r.nodes {
		for _, edge := range []string{n.OnSuccess, n.OnFailure} {
			if edge == "" {
				continue
			}
			if _, ok := r.nodes[edge]; !ok {
				return fmt.Errorf("node %s: edge to unknown node %q", name, edge)
			}
		}

		switch n.Kind {
		case KindExperiment:
			if n.Gate == nil {
				return fmt.Errorf("experiment node %s: gate is required", name)
			}
			if len(n.Cases) > 0 {
				return fmt.Errorf("experiment node %s: cases are not allowed", name)
			}
		case KindML:
			if len(n.Cases) != 1 {
				return fmt.Errorf("ml node %s: exactly one scoring case required, got %d", name, len(n.Cases))
			}
		case KindStatic:
		default:
			return fmt.Errorf("node %s: unknown kind %q", name, n.Kind)
		}

		for _, c := range n.Cases {
			if owner, dup := seenCases[c.Name]; dup {
				return fmt.Errorf("case %q declared on both %s and %s", c.Name, owner, name)
			}
			seenCases[c.Name] = name
		}
	}

	return nil
}
