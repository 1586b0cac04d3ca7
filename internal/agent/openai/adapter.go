// Package openai implements the agent port on the OpenAI Chat Completions
// API. Calls are non-streaming; the full completion is surfaced as a single
// text event once it arrives.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/yoshihiko555/takt/internal/agent"
)

// DefaultModel is used when neither the movement nor the config names one.
const DefaultModel = "gpt-4o"

// ChatClient captures the subset of the SDK used by the adapter.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Adapter implements agent.Runner via OpenAI chat completions.
type Adapter struct {
	chat         ChatClient
	defaultModel string
}

// New builds an adapter from OPENAI_API_KEY.
func New() (*Adapter, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	client := sdk.NewClient(option.WithAPIKey(key))
	return NewWithClient(&client.Chat.Completions), nil
}

// NewWithClient builds an adapter around an existing completions client.
func NewWithClient(chat ChatClient) *Adapter {
	return &Adapter{chat: chat, defaultModel: DefaultModel}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return "openai"
}

// Run issues a chat completion. Session resumption is not supported by the
// API; each call is independent.
func (a *Adapter) Run(ctx context.Context, persona agent.Persona, instruction string, opts agent.Options) (*agent.Response, error) {
	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if persona.Prompt != "" {
		messages = append(messages, sdk.SystemMessage(persona.Prompt))
	}
	messages = append(messages, sdk.UserMessage(instruction))

	completion, err := a.chat.New(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return agent.ErrorResponse(persona, "cancelled"), ctx.Err()
		}
		return nil, fmt.Errorf("openai: chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: completion returned no choices")
	}

	content := completion.Choices[0].Message.Content
	if opts.OnStream != nil && content != "" {
		opts.OnStream(agent.StreamEvent{Type: "text", Data: content})
	}

	return &agent.Response{
		Persona:   persona.Name,
		Status:    agent.StatusDone,
		Content:   content,
		Timestamp: time.Now().UTC(),
		SessionID: opts.SessionID,
	}, nil
}

func init() {
	agent.Register("openai", func() (agent.Runner, error) {
		return New()
	})
}
