// Package analyzer runs one LLM analyzer node: render the prompt, call the
// model, validate the response, retrying transient failures.
package analyzer

import "github.com/real2ai/contract-cli/internal/model"

// Spec is the static declaration of an analyzer node.
type Spec struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description,omitempty"`
	Phase       int      `yaml:"phase"`
	Critical    bool     `yaml:"critical"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	// ConsumesAll nodes also receive every usable output produced before
	// their phase, not just their declared dependencies.
	ConsumesAll bool     `yaml:"consumes_all,omitempty"`
	Template    string   `yaml:"template"`
	Schema      string   `yaml:"schema"`
	Model       string   `yaml:"model,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// Fallback builds the degraded output substituted for a node that produced
// nothing usable: no fields, no risks, zero confidence.
func Fallback(nodeID, reason string) model.AnalyzerOutput {
	return model.AnalyzerOutput{
		NodeID:        nodeID,
		Fields:        map[string]any{},
		Confidence:    0,
		SkippedReason: reason,
	}
}
