package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lexcodex/goalloop/framework"
)

type roundTripFunc func(*http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func TestClientGenerate(t *testing.T) {
	client := NewClient("http://fake", "test")
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/generate", req.URL.Path)
			var payload map[string]any
			assert.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "hello", payload["prompt"])
			assert.Equal(t, "test", payload["model"])
			_, hasFormat := payload["format"]
			assert.False(t, hasFormat)
			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(strings.NewReader(`{"response":"hi there","eval_count":3,"prompt_eval_count":2}`)),
				Header:     make(http.Header),
			}
		}),
	}

	resp, err := client.Generate(context.Background(), "hello", &framework.LLMOptions{})
	assert.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, 5, resp.Usage["total_tokens"])
}

func TestClientGenerateJSONFormat(t *testing.T) {
	client := NewClient("http://fake/", "")
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			var payload map[string]any
			assert.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "json", payload["format"])
			assert.Equal(t, "planner", payload["model"])
			options, _ := payload["options"].(map[string]any)
			assert.Equal(t, float64(256), options["num_predict"])
			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(strings.NewReader(`{"message":{"role":"assistant","content":"{\"stage\":\"Plan\"}"}}`)),
				Header:     make(http.Header),
			}
		}),
	}
	resp, err := client.Generate(context.Background(), "plan", &framework.LLMOptions{
		Model:          "planner",
		ResponseFormat: framework.ResponseFormatJSON,
		MaxTokens:      256,
	})
	assert.NoError(t, err)
	assert.Equal(t, `{"stage":"Plan"}`, resp.Text)
}

func TestClientGenerateErrorStatus(t *testing.T) {
	client := NewClient("http://fake", "test")
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			return &http.Response{
				StatusCode: 404,
				Status:     "404 Not Found",
				Body:       io.NopCloser(strings.NewReader(`model not found`)),
				Header:     make(http.Header),
			}
		}),
	}
	_, err := client.Generate(context.Background(), "hello", nil)
	assert.ErrorContains(t, err, "model not found")
}

func TestInstrumentedModelEmitsPromptAndResponse(t *testing.T) {
	var events []framework.Event
	sink := framework.TelemetryFunc(func(e framework.Event) { events = append(events, e) })
	inner := framework.LanguageModelFunc(func(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
		return nil, errors.New("offline")
	})
	model := NewInstrumentedModel(inner, sink, true)
	_, err := model.Generate(context.Background(), "ping", &framework.LLMOptions{ResponseFormat: framework.ResponseFormatJSON})
	assert.Error(t, err)
	if assert.Len(t, events, 2) {
		assert.Equal(t, framework.EventLLMPrompt, events[0].Type)
		assert.Equal(t, "ping", events[0].Metadata["prompt"])
		assert.Equal(t, "json", events[0].Metadata["format"])
		assert.Equal(t, framework.EventLLMResponse, events[1].Type)
		assert.Equal(t, "offline", events[1].Metadata["error"])
	}
}
