package openai

import (
	"testing"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("New with empty apiKey should fail")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New with empty model should fail")
	}
}

// TestConvertMessage_Roles checks that each supported role maps onto the
// right union member.
func TestConvertMessage_Roles(t *testing.T) {
	sys, err := convertMessage(llm.Message{Role: "system", Content: "You are helpful."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sys.OfSystem == nil {
		t.Error("expected OfSystem to be set")
	}

	user, err := convertMessage(llm.Message{Role: "user", Content: "Hello!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.OfUser == nil {
		t.Error("expected OfUser to be set")
	}

	asst, err := convertMessage(llm.Message{Role: "assistant", Content: "Hi there!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asst.OfAssistant == nil {
		t.Error("expected OfAssistant to be set")
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "narrator", Content: "x"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("sk-test", "gpt-4o")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: "user", Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	if string(params.Model) != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", params.Model)
	}
	// System prompt becomes the leading system message.
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected leading system message")
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %+v, want 0.7", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 256 {
		t.Errorf("max tokens = %+v, want 256", params.MaxCompletionTokens)
	}
}

func TestBuildParams_ZeroOptionalsOmitted(t *testing.T) {
	p, err := New("sk-test", "gpt-4o")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Temperature.Valid() {
		t.Error("temperature should be omitted when zero")
	}
	if params.MaxCompletionTokens.Valid() {
		t.Error("max tokens should be omitted when zero")
	}
	if len(params.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(params.Messages))
	}
}
