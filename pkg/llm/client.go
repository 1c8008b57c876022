// Package llm defines the completion gateway interface. The core ships
// only the stub; a real provider client slots in behind Completer.
package llm

import (
	"context"
	"strings"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
)

// Completion is one model response with its token accounting.
type Completion struct {
	Text  string          `json:"text"`
	Usage contracts.Usage `json:"usage"`
}

// Completer produces completions for prompts.
type Completer interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// StubPlaceholder is the fixed response of the stub gateway.
const StubPlaceholder = "[stub completion] The model gateway is not configured; this is a placeholder response."

const stubCompletionTokens = 20

// StubCompleter returns the fixed placeholder. Prompt tokens are counted
// as whitespace-separated words.
type StubCompleter struct{}

func (StubCompleter) Complete(ctx context.Context, prompt string) (Completion, error) {
	promptTokens := len(strings.Fields(prompt))
	return Completion{
		Text: StubPlaceholder,
		Usage: contracts.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: stubCompletionTokens,
			TotalTokens:      promptTokens + stubCompletionTokens,
		},
	}, nil
}
