package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one node in the exported graph document.
type GraphNode struct {
	Name  string   `json:"name"`
	Kind  Kind     `json:"kind"`
	Cases []string `json:"cases,omitempty"`
}

// GraphEdge is one directed edge, labeled by the outcome that selects it.
type GraphEdge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Outcome string `json:"outcome"` // "success" or "failure"
}

// Graph is the exportable {nodes, edges} view of the decision graph.
type Graph struct {
	Root  string      `json:"root"`
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Export walks the full graph from the root, enqueueing each node identity
// once. Failure edges may converge on shared downstream nodes, so the
// visited guard is what keeps the walk finite.
func (r *Registry) Export() *Graph {
	g := &Graph{Root: r.root}

	visited := map[string]bool{}
	queue := []string{r.root}
	visited[r.root] = true

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		node, ok := r.nodes[name]
		if !ok {
			continue
		}

		gn := GraphNode{Name: node.Name, Kind: node.Kind}
		for _, c := range node.Cases {
			gn.Cases = append(gn.Cases, c.Name)
		}
		g.Nodes = append(g.Nodes, gn)

		for _, edge := range []struct {
			to      string
			outcome string
		}{
			{node.OnSuccess, "success"},
			{node.OnFailure, "failure"},
		} {
			if edge.to == "" {
				continue
			}
			g.Edges = append(g.Edges, GraphEdge{From: name, To: edge.to, Outcome: edge.outcome})
			if !visited[edge.to] {
				visited[edge.to] = true
				queue = append(queue, edge.to)
			}
		}
	}

	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].Outcome < g.Edges[j].Outcome
	})

	return g
}

// DOT renders the graph in Graphviz dot syntax. Success edges are solid,
// failure edges dashed; node shape follows kind.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph approval {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n")

	for _, n := range g.Nodes {
		shape := "box"
		switch n.Kind {
		case KindML:
			shape = "ellipse"
		case KindExperiment:
			shape = "diamond"
		}
		label := n.Name
		if len(n.Cases) > 0 {
			label = fmt.Sprintf("%s (%s)", n.Name, strings.Join(n.Cases, ", "))
		}
		fmt.Fprintf(&b, "  %q [shape=%s, label=%q];\n", n.Name, shape, label)
	}

	for _, e := range g.Edges {
		style := "solid"
		if e.Outcome == "failure" {
			style = "dashed"
		}
		fmt.Fprintf(&b, "  %q -> %q [style=%s, label=%q];\n", e.From, e.To, style, e.Outcome)
	}

	b.WriteString("}\n")
	return b.String()
}
