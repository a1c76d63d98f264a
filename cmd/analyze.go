package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/config"
	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/workflow"
)

var (
	analyzeInput   string
	analyzeOutput  string
	analyzePackDir string
	analyzePersist bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the analysis workflow for one document",
	Long:  "Reads an AnalysisContext as JSON (--input, or - for stdin), runs every phase and writes the WorkflowResult as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(config.ModeAnalyze); err != nil {
			return err
		}

		actx, err := readAnalysisContext(analyzeInput, cmd.InOrStdin())
		if err != nil {
			return err
		}

		opts := []workflow.Option{workflow.WithSink(workflow.LogSink{})}
		if analyzePersist {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			opts = append(opts, workflow.WithStore(st))
		}

		eng, err := newEngine(ctx, cfg, analyzePackDir, opts...)
		if err != nil {
			return err
		}

		result, runErr := eng.Orchestrator.Execute(ctx, actx)
		if result == nil {
			return eris.Wrap(runErr, "analyze")
		}

		for id, reason := range result.Incomplete() {
			zap.L().Warn("node produced no output", zap.String("node", id), zap.String("reason", reason))
		}
		zap.L().Info("analysis complete",
			zap.String("run_id", result.RunID),
			zap.String("status", string(result.Status)),
			zap.Bool("coherent", result.Validation.OverallCoherence),
			zap.Int("findings", len(result.Validation.Findings)),
			zap.Int("total_tokens", result.Usage.Total()),
			zap.Float64("cost_usd", result.CostUSD),
		)

		out := cmd.OutOrStdout()
		if analyzeOutput != "" {
			f, err := os.Create(analyzeOutput)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		if err := writeJSON(out, result); err != nil {
			return err
		}
		return runErr
	},
}

// readAnalysisContext decodes an AnalysisContext from path, or from stdin
// when path is "-".
func readAnalysisContext(path string, stdin io.Reader) (model.AnalysisContext, error) {
	var actx model.AnalysisContext

	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return actx, eris.Wrap(err, "open input")
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&actx); err != nil {
		return actx, eris.Wrap(err, "decode analysis context")
	}
	if st, ok := model.ParseState(string(actx.Jurisdiction)); ok {
		actx.Jurisdiction = st
	}
	if err := actx.Validate(); err != nil {
		return actx, err
	}
	return actx, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "AnalysisContext JSON file, or - for stdin (required)")
	analyzeCmd.Flags().StringVar(&analyzeOutput, "output", "", "write the result to this file instead of stdout")
	analyzeCmd.Flags().StringVar(&analyzePackDir, "pack", "", "workflow pack directory (default: workflow.pack_dir or the embedded pack)")
	analyzeCmd.Flags().BoolVar(&analyzePersist, "persist", false, "persist the run to the configured store")
	_ = analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}
