package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/starford/modelshift/internal/apperr"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

var (
	arrayBlockPattern    = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	arrayPattern         = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// OpenAI calls an OpenAI-compatible chat completions endpoint with the
// create/update/delete/__error__ tools and a required tool choice.
type OpenAI struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures an OpenAI client.
type Option func(*OpenAI)

// WithBaseURL sets the API root, e.g. a local proxy or an OpenRouter URL.
func WithBaseURL(u string) Option {
	return func(o *OpenAI) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(o *OpenAI) { o.apiKey = key }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *OpenAI) { o.temperature = t }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenAI) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *OpenAI) {
		if d > 0 {
			o.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *OpenAI) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpenAI creates a client for model.
func NewOpenAI(model string, opts ...Option) *OpenAI {
	o := &OpenAI{
		baseURL:    DefaultBaseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ Inferer = (*OpenAI)(nil)

// endpoint returns the chat completions URL for the configured base.
func (o *OpenAI) endpoint() string {
	base := strings.TrimSuffix(o.baseURL, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []tool        `json:"tools"`
	ToolChoice  string        `json:"tool_choice"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// toolDefinitions returns the tools offered to the model.
func toolDefinitions() []tool {
	attrs := map[string]any{
		"type":                 "object",
		"description":          "dictionary of element attributes, always including @type",
		"additionalProperties": true,
	}
	elementID := map[string]any{"type": "string", "description": "id of the existing element"}
	return []tool{
		{Type: "function", Function: toolFunction{
			Name:        OpCreate,
			Description: "Create a new element with a given set of attributes for the model.",
			Parameters:  objectSchema([]string{"attrs"}, map[string]any{"attrs": attrs}),
		}},
		{Type: "function", Function: toolFunction{
			Name:        OpUpdate,
			Description: "Update the attributes of an existing element.",
			Parameters:  objectSchema([]string{"element_id", "attrs"}, map[string]any{"element_id": elementID, "attrs": attrs}),
		}},
		{Type: "function", Function: toolFunction{
			Name:        OpDelete,
			Description: "Remove an existing element from the model.",
			Parameters: objectSchema([]string{"element_id", "type"}, map[string]any{
				"element_id": elementID,
				"type":       map[string]any{"type": "string", "description": "the @type attribute of the element to be deleted"},
			}),
		}},
		{Type: "function", Function: toolFunction{
			Name:        OpError,
			Description: "Report that the request cannot be fulfilled.",
			Parameters:  objectSchema([]string{"message"}, map[string]any{"message": map[string]any{"type": "string"}}),
		}},
	}
}

// Infer renders the prompt, calls the model and returns its tool calls in order.
func (o *OpenAI) Infer(ctx context.Context, req Request) (*Response, error) {
	prompt, err := RenderPrompt(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:       o.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Tools:       toolDefinitions(),
		ToolChoice:  "required",
		Temperature: o.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("inference: encode request: %w", err)
	}

	target := o.endpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	o.logger.Debug("inference request",
		slog.String("url", target),
		slog.String("model", o.model),
		slog.Int("prompt_chars", len(prompt)))

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference: %w: %w", apperr.ErrRemote, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("inference: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("inference: %w", &apperr.RemoteError{
			Method:     http.MethodPost,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		})
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("inference: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("inference: response has no choices")
	}

	ops, err := parseMessage(chat.Choices[0].Message)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	out := &Response{
		Operations:   ops,
		InputTokens:  EstimateTokens(prompt),
		OutputTokens: chat.Usage.CompletionTokens,
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = OperationTokens(ops)
	}
	o.logger.Debug("inference response",
		slog.Int("operations", len(ops)),
		slog.Int("prompt_tokens", chat.Usage.PromptTokens),
		slog.Int("completion_tokens", chat.Usage.CompletionTokens))
	return out, nil
}

// parseMessage extracts operations from tool calls, or from a JSON array in
// the message content when the model answered in text. A tool call with
// unreadable arguments is kept as an invalid operation.
func parseMessage(msg chatMessage) ([]Operation, error) {
	if len(msg.ToolCalls) > 0 {
		ops := make([]Operation, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			args := map[string]any{}
			if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					ops = append(ops, Operation{
						Name:    call.Function.Name,
						Args:    map[string]any{},
						Invalid: fmt.Sprintf("decode arguments: %v", err),
						Raw:     raw,
					})
					continue
				}
			}
			ops = append(ops, Operation{Name: call.Function.Name, Args: args})
		}
		return ops, nil
	}
	return ParseOperations(msg.Content)
}

// ParseOperations reads a JSON array of {name, args} objects from free text,
// tolerating markdown fences and trailing commas. "arguments" is accepted as
// an alias of "args".
func ParseOperations(content string) ([]Operation, error) {
	raw := ""
	if m := arrayBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = arrayPattern.FindString(content)
	}
	if raw == "" {
		return nil, fmt.Errorf("no operations in response")
	}
	raw = trailingCommaPattern.ReplaceAllString(raw, "$1")

	var items []struct {
		Name      string         `json:"name"`
		Args      map[string]any `json:"args"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}

	ops := make([]Operation, 0, len(items))
	for _, it := range items {
		args := it.Args
		if args == nil {
			args = it.Arguments
		}
		if args == nil {
			args = map[string]any{}
		}
		ops = append(ops, Operation{Name: it.Name, Args: args})
	}
	return ops, nil
}
