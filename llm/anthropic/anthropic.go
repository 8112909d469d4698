// Package anthropic implements the llm.Provider interface on the official
// Anthropic SDK's streaming Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chatbridge/chat-server-go/llm"
)

// Config for the provider.
type Config struct {
	// APIKey authenticates against the provider.
	APIKey string
	// BaseURL overrides the provider endpoint. Empty uses the SDK default.
	BaseURL string
}

// Provider wraps the Anthropic client.
type Provider struct {
	client anthropic.Client
}

// New constructs a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{client: anthropic.NewClient(opts...)}, nil
}

// Stream opens a streaming completion for the request.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	return &stream{events: p.client.Messages.NewStreaming(ctx, params)}, nil
}

type stream struct {
	events *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// Recv returns the next text delta, io.EOF at normal termination, or a
// normalized upstream error.
func (s *stream) Recv(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for s.events.Next() {
		event := s.events.Current()
		switch v := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := v.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				return d.Text, nil
			}
		case anthropic.MessageStopEvent:
			return "", io.EOF
		}
	}
	if err := s.events.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", mapErr(err)
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	return s.events.Close()
}

// mapErr normalizes SDK failures to the llm error taxonomy.
func mapErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		return fmt.Errorf("%w: %v", llm.ErrThrottled, err)
	}
	return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
}

var _ llm.Provider = (*Provider)(nil)
