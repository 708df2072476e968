package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stellarlinkco/convoctx/internal/conversation"
	"github.com/stellarlinkco/convoctx/internal/provider"
)

type fakeCompletionClient struct {
	lastReq provider.ChatRequest
	resp    *provider.ChatResponse
	err     error
}

func (f *fakeCompletionClient) Complete(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestCondenserCondense(t *testing.T) {
	client := &fakeCompletionClient{resp: &provider.ChatResponse{Content: "Alice asked about Paris."}}
	c := NewCondenser(client, "sonar-pro", 256)

	turns := []conversation.Turn{
		conversation.NewTurn(conversation.RoleUser, "Tell me about Paris"),
		conversation.NewTurn(conversation.RoleAssistant, "Paris is the capital of France."),
	}
	out, err := c.Condense(context.Background(), "earlier summary", turns)
	if err != nil {
		t.Fatalf("Condense error: %v", err)
	}
	if out != "Alice asked about Paris." {
		t.Errorf("output = %q", out)
	}

	if client.lastReq.Model != "sonar-pro" {
		t.Errorf("model = %q", client.lastReq.Model)
	}
	if client.lastReq.MaxTokens != 256 {
		t.Errorf("max tokens = %d, want 256", client.lastReq.MaxTokens)
	}
	prompt := client.lastReq.Messages[0].Content
	if !strings.Contains(prompt, "earlier summary") {
		t.Error("prompt missing prior summary")
	}
	if !strings.Contains(prompt, "[user]: Tell me about Paris") {
		t.Errorf("prompt missing formatted turns:\n%s", prompt)
	}
	if !strings.Contains(prompt, "facts, names, and figures") {
		t.Error("prompt missing condense instruction")
	}
}

func TestCondenserEmptyPriorSummary(t *testing.T) {
	client := &fakeCompletionClient{resp: &provider.ChatResponse{Content: "s"}}
	c := NewCondenser(client, "m", 0)

	_, err := c.Condense(context.Background(), "  ", []conversation.Turn{
		conversation.NewTurn(conversation.RoleUser, "hi"),
	})
	if err != nil {
		t.Fatalf("Condense error: %v", err)
	}
	if !strings.Contains(client.lastReq.Messages[0].Content, "(none)") {
		t.Error("empty prior summary should render as (none)")
	}
}

func TestCondenserErrors(t *testing.T) {
	c := NewCondenser(&fakeCompletionClient{err: errors.New("down")}, "m", 0)

	if _, err := c.Condense(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty turns")
	}
	_, err := c.Condense(context.Background(), "", []conversation.Turn{conversation.NewTurn(conversation.RoleUser, "hi")})
	if err == nil {
		t.Error("expected provider error to propagate")
	}
}
