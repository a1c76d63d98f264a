package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/real2ai/contract-cli/internal/llm"
	"github.com/real2ai/contract-cli/internal/pack"
	"github.com/real2ai/contract-cli/internal/resilience"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Inspect and validate workflow packs",
}

// -- pack validate --

var packValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a pack and check every template, schema and rule reference",
	Long:  "Loads the pack without calling any model. With --input, also renders every prompt against the AnalysisContext, using fallback outputs for dependencies.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("pack")
		input, _ := cmd.Flags().GetString("input")

		p, err := openPack(dir)
		if err != nil {
			return err
		}

		if input != "" {
			actx, err := readAnalysisContext(input, cmd.InOrStdin())
			if err != nil {
				return err
			}
			orch, err := p.Orchestrator(offlineInvoker(), analyzerOptions(cfg))
			if err != nil {
				return err
			}
			if err := orch.Preflight(actx); err != nil {
				return err
			}
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pack %s %s: ok (%d phases, %d nodes, %d rules)\n",
			p.Manifest.Name, p.Manifest.Version, len(p.Graph.Phases()), p.Graph.Len(), len(p.Rules))
		return nil
	},
}

// -- pack show --

var packShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the phases, nodes and models of a pack",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("pack")

		p, err := openPack(dir)
		if err != nil {
			return err
		}
		formatPack(cmd.OutOrStdout(), p, cfg.LLM.DefaultModel)
		return nil
	},
}

// openPack loads dir, falling back to workflow.pack_dir and then the
// embedded pack.
func openPack(dir string) (*pack.Pack, error) {
	if dir == "" {
		dir = cfg.Workflow.PackDir
	}
	p, err := pack.Open(dir)
	if err != nil {
		return nil, eris.Wrap(err, "load pack")
	}
	return p, nil
}

// offlineInvoker fails every call. Preflight never reaches it.
func offlineInvoker() llm.Invoker {
	return llm.InvokerFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, resilience.NewPermanentError(eris.New("llm: offline"), "offline")
	})
}

// formatPack writes one line per node grouped by phase.
func formatPack(out io.Writer, p *pack.Pack, defaultModel string) {
	if defaultModel == "" {
		defaultModel = p.Manifest.DefaultModel
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", p.Manifest.Name, p.Manifest.Version)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tNODE\tCRITICAL\tDEPENDS ON\tMODEL")
	_, _ = fmt.Fprintln(w, "-----\t----\t--------\t----------\t-----")
	for _, ph := range p.Graph.Phases() {
		for _, n := range ph.Nodes {
			deps := strings.Join(n.DependsOn, ",")
			if n.ConsumesAll {
				deps = strings.TrimPrefix(deps+",*", ",")
			}
			if deps == "" {
				deps = "-"
			}
			m := n.Model
			if m == "" {
				m = defaultModel
			}
			_, _ = fmt.Fprintf(w, "%d %s (%s)\t%s\t%t\t%s\t%s\n",
				ph.Number, ph.Name, ph.Mode, n.ID, n.Critical, deps, m)
		}
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "models: %s\n", strings.Join(p.Models(defaultModel), ", "))
}

func init() {
	packCmd.PersistentFlags().String("pack", "", "workflow pack directory (default: workflow.pack_dir or the embedded pack)")
	packValidateCmd.Flags().String("input", "", "AnalysisContext JSON file to preflight against, or - for stdin")

	packCmd.AddCommand(packValidateCmd)
	packCmd.AddCommand(packShowCmd)
	rootCmd.AddCommand(packCmd)
}
