// Graphexport dumps the advance-approval decision graph without starting
// a server, for documentation and review tooling.
//
// Usage:
//   go run cmd/graphexport/main.go                 # JSON to stdout
//   go run cmd/graphexport/main.go -format dot     # Graphviz DOT
//   go run cmd/graphexport/main.go -experiment     # include the ml-gate node
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/experiment"
)

func main() {
	format := flag.String("format", "json", "Output format: json or dot")
	withExperiment := flag.Bool("experiment", false, "Include the variable-tier experiment gate")
	flag.Parse()

	deps := approval.GraphDeps{
		Tables: approval.DefaultScoreTables(),
		Cfg:    domain.DefaultConfig().Approval,
	}

	if *withExperiment {
		gate, err := experiment.NewGate(experiment.Config{
			ID:     "ml-variable-tier-rollout",
			Active: true,
			Ratio:  0.5,
		}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		deps.Gate = gate
	}

	// Collaborators stay nil: graph construction is pure edge wiring and
	// nothing here evaluates a candidate.
	reg, err := approval.BuildGraph(deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to build graph: %v\n", err)
		os.Exit(1)
	}

	graph := reg.Export()

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(graph); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	case "dot":
		fmt.Print(graph.DOT())
	default:
		fmt.Fprintf(os.Stderr, "ERROR: unknown format %q (want json or dot)\n", *format)
		os.Exit(1)
	}
}
