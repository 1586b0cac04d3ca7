// Package anthropic implements the agent port on the Anthropic Messages API.
// Persona prompts become system blocks; text deltas are forwarded to the
// caller's stream sink as they arrive.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/yoshihiko555/takt/internal/agent"
)

// DefaultModel is used when neither the movement nor the config names one.
const DefaultModel = "claude-sonnet-4-5"

// defaultMaxTokens caps a single completion.
const defaultMaxTokens = 8192

// MessagesClient captures the subset of the SDK client used by the adapter,
// satisfied by *sdk.MessageService and by mocks in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Adapter implements agent.Runner via Anthropic Messages streaming.
type Adapter struct {
	msg          MessagesClient
	defaultModel string
}

// New builds an adapter from ANTHROPIC_API_KEY.
func New() (*Adapter, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is not set")
	}
	ac := sdk.NewClient(option.WithAPIKey(key))
	return NewWithClient(&ac.Messages), nil
}

// NewWithClient builds an adapter around an existing Messages client.
func NewWithClient(msg MessagesClient) *Adapter {
	return &Adapter{msg: msg, defaultModel: DefaultModel}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return "anthropic"
}

// Run issues a streaming Messages request. The API has no server-side session
// resumption, so ResumeSessionID is ignored and each call is independent.
func (a *Adapter) Run(ctx context.Context, persona agent.Persona, instruction string, opts agent.Options) (*agent.Response, error) {
	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(instruction)),
		},
	}
	if persona.Prompt != "" {
		params.System = []sdk.TextBlockParam{{Text: persona.Prompt}}
	}

	stream := a.msg.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	acc := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: failed to accumulate stream event: %w", err)
		}
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" && opts.OnStream != nil {
				opts.OnStream(agent.StreamEvent{Type: "text", Data: delta.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return agent.ErrorResponse(persona, "cancelled"), ctx.Err()
		}
		return nil, fmt.Errorf("anthropic: stream failed: %w", err)
	}

	var content string
	for _, block := range acc.Content {
		if block.Type == "text" && block.Text != "" {
			if content != "" {
				content += "\n"
			}
			content += block.Text
		}
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &agent.Response{
		Persona:   persona.Name,
		Status:    agent.StatusDone,
		Content:   content,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}, nil
}

func init() {
	agent.Register("anthropic", func() (agent.Runner, error) {
		return New()
	})
}
