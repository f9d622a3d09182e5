// Package llmcall is an example pluggable Executor (spec §9's invitation
// to demonstrate C7 with a concrete business executor, out of scope for
// the core itself) that answers a prompt via an OpenAI-compatible chat
// completion endpoint. Grounded on the teacher's ai.llmService.Chat
// (ai/llm.go): same provider-aware base-URL selection, same HTTP client
// timeout discipline, same token-usage extraction.
package llmcall

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/aipartnerupflow/taskengine/internal/registry"
)

// ID is the executor_id this package registers under.
const ID = "llm_call_executor"

// Config selects the provider and model for Executor instances the
// factory produces.
type Config struct {
	APIKey      string
	BaseURL     string // empty uses the provider's default
	Model       string
	MaxTokens   int
	Temperature float32
}

// Executor sends inputs["prompt"] (optionally preceded by
// inputs["system"]) to the configured chat model and returns the
// completion plus token usage.
type Executor struct {
	client *openai.Client
	cfg    Config
}

// NewFactory returns a registry.Factory that builds a fresh Executor per
// task execution, sharing one underlying HTTP client across instances.
func NewFactory(cfg Config) registry.Factory {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = newHTTPClient()
	client := openai.NewClientWithConfig(clientCfg)

	return func() registry.Executor {
		return &Executor{client: client, cfg: cfg}
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func (e *Executor) ID() string   { return ID }
func (e *Executor) Type() string { return "llm" }

func (e *Executor) Execute(ctx context.Context, opts registry.ExecutionOptions) (map[string]any, error) {
	prompt, _ := opts.Inputs["prompt"].(string)
	if prompt == "" {
		return nil, errors.New("llmcall: inputs.prompt is required")
	}

	messages := []openai.ChatCompletionMessage{}
	if system, ok := opts.Inputs["system"].(string); ok && system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return nil, errors.Wrap(err, "llmcall: chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llmcall: empty response from model")
	}

	return map[string]any{
		"content": resp.Choices[0].Message.Content,
		"token_usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}
