package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/modelshift/internal/apperr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"äöüß", 1},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestOperationTokens(t *testing.T) {
	if got := OperationTokens(nil); got != 0 {
		t.Errorf("OperationTokens(nil) = %d, want 0", got)
	}
	ops := []Operation{{Name: OpCreate, Args: map[string]any{"@type": "Package"}}}
	if got := OperationTokens(ops); got <= 0 {
		t.Errorf("OperationTokens = %d, want > 0", got)
	}
}

func TestRenderPrompt(t *testing.T) {
	prompt, err := RenderPrompt(Request{
		Context:       `{"@id":"A","@type":"Package","name":"Utilities"}`,
		Types:         "- Package",
		ChangeRequest: "rename Utilities to Core",
	})
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	for _, want := range []string{
		"SysML-v2-Model-Editor",
		"`__error__`",
		"TYPES:\n- Package",
		`CONTEXT:` + "\n" + `{"@id":"A","@type":"Package","name":"Utilities"}`,
		"USER_REQUEST:\nrename Utilities to Core",
		`"name": "Utilities"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRenderPrompt_LongerContextCostsMore(t *testing.T) {
	small, _ := RenderPrompt(Request{Context: "a", ChangeRequest: "x"})
	large, _ := RenderPrompt(Request{Context: strings.Repeat("a", 1000), ChangeRequest: "x"})
	if EstimateTokens(large) <= EstimateTokens(small) {
		t.Error("larger context should estimate more tokens")
	}
}

func TestParseOperations(t *testing.T) {
	content := "Here you go:\n```json\n[\n {\"name\": \"create\", \"args\": {\"@type\": \"Package\", \"name\": \"Sensors\"}},\n {\"name\": \"delete\", \"arguments\": {\"element_id\": \"B\"}},\n]\n```"
	ops, err := ParseOperations(content)
	if err != nil {
		t.Fatalf("ParseOperations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	if ops[0].Name != OpCreate || ops[0].Args["name"] != "Sensors" {
		t.Errorf("ops[0] = %+v", ops[0])
	}
	if ops[1].Name != OpDelete || ops[1].Args["element_id"] != "B" {
		t.Errorf("ops[1] = %+v", ops[1])
	}
}

func TestParseOperations_NoArray(t *testing.T) {
	if _, err := ParseOperations("I cannot help with that."); err == nil {
		t.Error("expected error for text without a JSON array")
	}
}

func chatServer(t *testing.T, status int, reply string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_ToolCalls(t *testing.T) {
	reply := `{
		"choices": [{"message": {"role": "assistant", "content": null, "tool_calls": [
			{"id": "1", "type": "function", "function": {"name": "update", "arguments": "{\"element_id\":\"A\",\"attrs\":{\"@type\":\"Package\",\"name\":\"Core\"}}"}},
			{"id": "2", "type": "function", "function": {"name": "__error__", "arguments": "{\"message\":\"partially unclear\"}"}}
		]}}],
		"usage": {"prompt_tokens": 120, "completion_tokens": 30}
	}`
	var seen map[string]any
	srv := chatServer(t, http.StatusOK, reply, &seen)

	client := NewOpenAI("gpt-test",
		WithBaseURL(srv.URL+"/v1/"),
		WithAPIKey("sk-test"),
		WithLogger(quietLogger()))
	resp, err := client.Infer(context.Background(), Request{Context: "ctx", ChangeRequest: "rename"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if len(resp.Operations) != 2 {
		t.Fatalf("got %d operations, want 2", len(resp.Operations))
	}
	if resp.Operations[0].Name != OpUpdate || resp.Operations[0].Args["element_id"] != "A" {
		t.Errorf("ops[0] = %+v", resp.Operations[0])
	}
	if resp.Operations[1].Name != OpError {
		t.Errorf("ops[1] = %+v", resp.Operations[1])
	}
	if resp.InputTokens <= 0 {
		t.Errorf("input tokens = %d, want positive", resp.InputTokens)
	}
	if resp.OutputTokens != 30 {
		t.Errorf("output tokens = %d, want the reported completion_tokens 30", resp.OutputTokens)
	}

	if seen["model"] != "gpt-test" || seen["tool_choice"] != "required" {
		t.Errorf("request = %v", seen)
	}
	tools, _ := seen["tools"].([]any)
	if len(tools) != 4 {
		t.Errorf("offered %d tools, want 4", len(tools))
	}
}

func TestOpenAI_ContentFallback(t *testing.T) {
	reply := `{"choices": [{"message": {"role": "assistant", "content": "[{\"name\":\"create\",\"args\":{\"@type\":\"Package\",\"name\":\"Sensors\"}}]"}}]}`
	srv := chatServer(t, http.StatusOK, reply, nil)

	client := NewOpenAI("gpt-test", WithBaseURL(srv.URL+"/v1"), WithAPIKey("sk-test"), WithLogger(quietLogger()))
	resp, err := client.Infer(context.Background(), Request{ChangeRequest: "add Sensors"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(resp.Operations) != 1 || resp.Operations[0].Args["name"] != "Sensors" {
		t.Errorf("operations = %+v", resp.Operations)
	}
}

func TestOpenAI_MalformedToolCallKeepsOthers(t *testing.T) {
	reply := `{"choices": [{"message": {"role": "assistant", "tool_calls": [
		{"id": "1", "type": "function", "function": {"name": "update", "arguments": "{\"element_id\":\"A\",\"attrs\":{\"name\":\"Core\"}}"}},
		{"id": "2", "type": "function", "function": {"name": "create", "arguments": "{\"attrs\": {\"@type\":\"Package\"]"}}
	]}}]}`
	srv := chatServer(t, http.StatusOK, reply, nil)

	client := NewOpenAI("gpt-test", WithBaseURL(srv.URL+"/v1"), WithAPIKey("sk-test"), WithLogger(quietLogger()))
	resp, err := client.Infer(context.Background(), Request{ChangeRequest: "rename and add"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(resp.Operations) != 2 {
		t.Fatalf("got %d operations, want 2", len(resp.Operations))
	}
	if op := resp.Operations[0]; op.Invalid != "" || op.Args["element_id"] != "A" {
		t.Errorf("ops[0] = %+v, want the valid update", op)
	}
	bad := resp.Operations[1]
	if bad.Name != OpCreate || bad.Invalid == "" || bad.Raw != `{"attrs": {"@type":"Package"]` {
		t.Errorf("ops[1] = %+v, want an invalid create with raw arguments", bad)
	}
	if resp.OutputTokens <= 0 {
		t.Errorf("output tokens = %d, want the estimate when usage is absent", resp.OutputTokens)
	}
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, `{"error":"rate limited"}`, nil)

	client := NewOpenAI("gpt-test", WithBaseURL(srv.URL+"/v1/chat/completions"), WithAPIKey("sk-test"), WithLogger(quietLogger()))
	_, err := client.Infer(context.Background(), Request{ChangeRequest: "x"})
	if !errors.Is(err, apperr.ErrRemote) {
		t.Fatalf("error = %v, want ErrRemote", err)
	}
	var remote *apperr.RemoteError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusTooManyRequests {
		t.Errorf("remote error = %+v", remote)
	}
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"choices": []}`, nil)

	client := NewOpenAI("gpt-test", WithBaseURL(srv.URL+"/v1"), WithAPIKey("sk-test"), WithLogger(quietLogger()))
	if _, err := client.Infer(context.Background(), Request{}); err == nil {
		t.Error("expected error for a response without choices")
	}
}
