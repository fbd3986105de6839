// Package describe replays a recorded case-resolution trace against the
// rules-only view of the decision graph, turning it into ordered
// passed/failed/pending explanations suitable for end users. It never
// re-runs business logic.
package describe

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/engine"
)

// explicitWindow is how many node groups past the failure boundary still
// receive the specific description instead of the generic one.
const explicitWindow = 2

// Narrative is the caller-facing explanation triple. Order follows the
// rules-only graph walk.
type Narrative struct {
	Passed  []string `json:"passed"`
	Failed  []string `json:"failed"`
	Pending []string `json:"pending"`
}

// group is the ordered description set contributed by one node.
type group struct {
	node    string
	entries []engine.RuleDescription
}

// Replay walks the rules-only path of the graph and classifies every rule
// description against the recorded resolution map. The first entry whose
// backing case resolved to false is the single failure boundary; entries
// from the boundary through the next two node groups read explicit, the
// rest read vague. Everything strictly after the boundary is pending, as
// is any entry whose case never ran.
func Replay(reg *engine.Registry, resolutions map[string]bool) (*Narrative, error) {
	groups, err := rulePath(reg)
	if err != nil {
		return nil, err
	}

	narrative := &Narrative{
		Passed:  []string{},
		Failed:  []string{},
		Pending: []string{},
	}

	failureSeen := false
	boundary := -1

	for gi, grp := range groups {
		for _, entry := range grp.entries {
			if failureSeen {
				narrative.Pending = append(narrative.Pending, describe(entry, gi <= boundary+explicitWindow))
				continue
			}

			passed, resolved := resolutions[entry.Case]
			switch {
			case !resolved:
				narrative.Pending = append(narrative.Pending, entry.Vague)
			case passed:
				narrative.Passed = append(narrative.Passed, entry.Vague)
			default:
				failureSeen = true
				boundary = gi
				narrative.Failed = append(narrative.Failed, entry.Explicit)
			}
		}
	}

	return narrative, nil
}

func describe(entry engine.RuleDescription, explicit bool) string {
	if explicit {
		return entry.Explicit
	}
	return entry.Vague
}

// rulePath flattens the graph into its baseline explanation path: success
// edges throughout, except at experiment gates where the control edge is
// the baseline, and ML nodes contribute nothing. A visited guard keyed by
// node name stops converging failure edges from looping the walk.
func rulePath(reg *engine.Registry) ([]group, error) {
	var groups []group
	visited := make(map[string]bool)

	current := reg.Root()
	for current != "" {
		if visited[current] {
			break
		}
		visited[current] = true

		node, ok := reg.Get(current)
		if !ok {
			return nil, fmt.Errorf("rule path: unknown node %q", current)
		}

		switch node.Kind {
		case engine.KindExperiment:
			current = node.OnFailure
		case engine.KindML:
			current = node.OnSuccess
		default:
			if len(node.Descriptions) > 0 {
				groups = append(groups, group{node: node.Name, entries: node.Descriptions})
			}
			current = node.OnSuccess
		}
	}

	return groups, nil
}
