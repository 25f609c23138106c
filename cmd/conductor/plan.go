package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the deployment start order",
	Long: `Plan resolves the service topology and prints the start order plus
each service's dependency closure as JSON. It makes no network calls, so
it is safe to run outside the deployment.`,
	RunE: runPlan,
}

// planOutput is the JSON shape printed by the plan command.
type planOutput struct {
	StartOrder []string            `json:"start_order"`
	Deps       map[string][]string `json:"deps"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	topo, err := loadTopology()
	if err != nil {
		return err
	}

	out := planOutput{
		StartOrder: topo.StartOrder(),
		Deps:       make(map[string][]string),
	}
	for _, name := range out.StartOrder {
		deps, err := topo.Deps(name)
		if err != nil {
			return fmt.Errorf("resolving deps for %s: %w", name, err)
		}
		if deps == nil {
			deps = []string{}
		}
		out.Deps[name] = deps
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
