package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/convoctx/internal/conversation"
	"github.com/stellarlinkco/convoctx/internal/provider"
)

const condensePrompt = `Condense this conversation history into one compact summary.
Preserve all facts, names, and figures. Fold the prior summary in. Return only the summary text.

Prior summary:
%s

Conversation:
%s`

// Condenser implements Summarizer on top of the completion provider.
type Condenser struct {
	client      provider.CompletionClient
	model       string
	maxTokens   int
	temperature float64
}

// NewCondenser creates a condenser. maxTokens caps the summary output size;
// zero lets the provider decide.
func NewCondenser(client provider.CompletionClient, model string, maxTokens int) *Condenser {
	return &Condenser{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: 0.2,
	}
}

// Condense sends the prior summary and the selected turns to the completion
// provider and returns the new summary text.
func (c *Condenser) Condense(ctx context.Context, priorSummary string, turns []conversation.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("condense: no turns")
	}

	prior := strings.TrimSpace(priorSummary)
	if prior == "" {
		prior = "(none)"
	}

	resp, err := c.client.Complete(ctx, provider.ChatRequest{
		Model: c.model,
		Messages: []provider.Message{{
			Role:    string(conversation.RoleUser),
			Content: fmt.Sprintf(condensePrompt, prior, formatTurns(turns)),
		}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("condense: %w", err)
	}
	return resp.Content, nil
}

func formatTurns(turns []conversation.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString("[")
		sb.WriteString(string(t.Role))
		sb.WriteString("]: ")
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
