package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatguard/internal/logging"

	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"
)

// LLMClient is the text-generation provider behind the AI features
type LLMClient interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
	// CompleteStructured decodes the model's answer straight into out, which
	// must be a pointer to a struct. The response is constrained by a JSON
	// schema reflected from out's type.
	CompleteStructured(ctx context.Context, prompt string, maxTokens int, out any) error
}

// ProviderClientConfig points a client at an OpenAI-compatible API
type ProviderClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAILLMClient calls /chat/completions on an OpenAI-compatible API.
// The client is constructed once by the host and shared.
type OpenAILLMClient struct {
	config    ProviderClientConfig
	client    *http.Client
	metrics   *Metrics
	reflector *jsonschema.Reflector
	log       *logrus.Entry
}

// NewOpenAILLMClient creates a chat completion client with a bounded request timeout
func NewOpenAILLMClient(config ProviderClientConfig, metrics *Metrics) *OpenAILLMClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAILLMClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		metrics: metrics,
		reflector: &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		},
		log: logging.Component("llm"),
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete returns the model's free-text answer to prompt
func (c *OpenAILLMClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return c.complete(ctx, prompt, maxTokens, nil)
}

// CompleteStructured asks for a json_schema constrained answer and decodes it into out
func (c *OpenAILLMClient) CompleteStructured(ctx context.Context, prompt string, maxTokens int, out any) error {
	schema := c.reflector.Reflect(out)
	schema.Version = ""

	content, err := c.complete(ctx, prompt, maxTokens, map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "result",
			"strict": true,
			"schema": schema,
		},
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(content), out); err != nil {
		// only the length is logged; content may quote user messages
		c.log.WithField("response_length", len(content)).Warn("[LLM] Structured response did not match schema")
		return &ProviderError{Provider: "llm", Cause: fmt.Errorf("failed to parse structured response: %w", err)}
	}
	return nil
}

func (c *OpenAILLMClient) complete(ctx context.Context, prompt string, maxTokens int, responseFormat map[string]interface{}) (string, error) {
	requestBody := map[string]interface{}{
		"model": c.config.Model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": prompt},
		},
		"stream":      false,
		"temperature": 0.3,
	}
	if maxTokens > 0 {
		requestBody["max_tokens"] = maxTokens
	}
	if responseFormat != nil {
		requestBody["response_format"] = responseFormat
	}

	var response chatCompletionResponse
	if err := postProviderJSON(ctx, c.client, c.metrics, "llm", c.config.BaseURL+"/chat/completions", c.config.APIKey, requestBody, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", &ProviderError{Provider: "llm", Cause: errors.New("no choices in response")}
	}
	return response.Choices[0].Message.Content, nil
}

// postProviderJSON sends body as JSON and decodes a 200 response into out.
// Every failure comes back as a *ProviderError.
func postProviderJSON(ctx context.Context, client *http.Client, metrics *Metrics, provider, url, apiKey string, body, out interface{}) error {
	start := time.Now()
	err := doProviderJSON(ctx, client, provider, url, apiKey, body, out)
	metrics.RecordProviderCall(provider, time.Since(start).Seconds(), err != nil)
	return err
}

func doProviderJSON(ctx context.Context, client *http.Client, provider, url, apiKey string, body, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// timeouts and connection failures are worth retrying
		return &ProviderError{Provider: provider, Transient: true, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Provider: provider, Transient: true, Cause: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &ProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Transient:  classifyStatus(resp.StatusCode),
			Cause:      errors.New(msg),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Provider: provider, Cause: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
