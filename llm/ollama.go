package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

// Client implements framework.LanguageModel against an Ollama server.
type Client struct {
	Endpoint string
	Model    string
	Debug    bool
	Logger   *slog.Logger
	client   *http.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Text            string         `json:"text"`
	Response        string         `json:"response"`
	Message         *ollamaMessage `json:"message"`
	DoneReason      string         `json:"done_reason"`
	Usage           map[string]int `json:"usage"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
}

// NewClient builds a new Ollama client.
func NewClient(endpoint, model string) *Client {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Model:    model,
		client: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

// Generate implements single prompt completion. A JSON response format is
// forwarded as Ollama's "format": "json" so the server constrains decoding to
// a single object.
func (c *Client) Generate(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
	payload := map[string]any{
		"model":  c.model(options),
		"prompt": prompt,
		"stream": false,
	}
	c.applyOptions(payload, options)
	return c.doRequest(ctx, "/api/generate", payload)
}

// SetDebugLogging enables or disables verbose logging for requests/responses.
func (c *Client) SetDebugLogging(enabled bool) {
	c.Debug = enabled
}

func (c *Client) getHTTPClient() *http.Client {
	if c.client != nil {
		return c.client
	}
	c.client = &http.Client{Timeout: 60 * time.Second}
	return c.client
}

func (c *Client) model(options *framework.LLMOptions) string {
	if options != nil && options.Model != "" {
		return options.Model
	}
	if c.Model != "" {
		return c.Model
	}
	return "llama3.1"
}

func (c *Client) applyOptions(payload map[string]any, options *framework.LLMOptions) {
	if options == nil {
		return
	}
	if options.ResponseFormat == framework.ResponseFormatJSON {
		payload["format"] = "json"
	}
	modelOptions := map[string]any{}
	if options.Temperature != 0 {
		modelOptions["temperature"] = options.Temperature
	}
	if options.MaxTokens != 0 {
		modelOptions["num_predict"] = options.MaxTokens
	}
	if len(options.Stop) > 0 {
		modelOptions["stop"] = options.Stop
	}
	if len(modelOptions) > 0 {
		payload["options"] = modelOptions
	}
}

func (c *Client) doRequest(ctx context.Context, path string, payload any) (*framework.LLMResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.logPayload("llm request", path, body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(msg))
		if detail != "" {
			return nil, fmt.Errorf("ollama error: %s: %s", resp.Status, detail)
		}
		return nil, fmt.Errorf("ollama error: %s", resp.Status)
	}
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logPayload("llm response", path, responseBody)
	return decodeLLMResponse(bytes.NewReader(responseBody))
}

func (c *Client) logPayload(msg, path string, body []byte) {
	if !c.Debug {
		return
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug(msg, "path", path, "body", clip(string(body), 4096))
}

func decodeLLMResponse(body io.Reader) (*framework.LLMResponse, error) {
	var raw ollamaResponse
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, err
	}
	resp := &framework.LLMResponse{
		Text:         firstNonEmpty(raw.Text, raw.Response),
		FinishReason: raw.DoneReason,
		Usage:        normalizeUsage(raw),
	}
	if resp.Text == "" && raw.Message != nil {
		resp.Text = raw.Message.Content
	}
	return resp, nil
}

func normalizeUsage(raw ollamaResponse) map[string]int {
	if len(raw.Usage) > 0 {
		return raw.Usage
	}
	if raw.EvalCount == 0 && raw.PromptEvalCount == 0 {
		return nil
	}
	return map[string]int{
		"prompt_tokens":     raw.PromptEvalCount,
		"completion_tokens": raw.EvalCount,
		"total_tokens":      raw.PromptEvalCount + raw.EvalCount,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
