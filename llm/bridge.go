package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/wire"
)

// chunkBuffer bounds the bridge-to-session channel.
const chunkBuffer = 32

// closeGrace bounds how long a cancelled stream may hold its provider handle.
const closeGrace = 2 * time.Second

// Bridge converts inbound user messages into streaming provider calls and
// frames the deltas as chat_chunk envelopes sharing the inbound message id.
type Bridge struct {
	provider    Provider
	cache       *ResponseCache
	model       string
	temperature float64
	maxTokens   int
	sink        telemetry.Sink
	log         *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCache installs the response cache.
func WithCache(cache *ResponseCache) Option {
	return func(b *Bridge) { b.cache = cache }
}

// WithTemperature sets the sampling temperature (default 0).
func WithTemperature(t float64) Option {
	return func(b *Bridge) { b.temperature = t }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithSink sets the telemetry sink.
func WithSink(sink telemetry.Sink) Option {
	return func(b *Bridge) { b.sink = sink }
}

// NewBridge constructs a Bridge for the given provider and model.
func NewBridge(provider Provider, model string, opts ...Option) *Bridge {
	b := &Bridge{
		provider:  provider,
		model:     model,
		maxTokens: 4096,
		sink:      telemetry.Noop{},
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// buildRequest formats the conversation for the provider, extracting the
// system prompt from the first system-role message.
func (b *Bridge) buildRequest(history []*wire.ChatMessage, msg *wire.ChatMessage) Request {
	req := Request{
		Model:       b.model,
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	}
	all := append(append([]*wire.ChatMessage{}, history...), msg)
	for _, m := range all {
		if m.Role == wire.RoleSystem && req.System == "" {
			req.System = m.Content
			continue
		}
		role := "user"
		if m.Role == wire.RoleAssistant {
			role = "assistant"
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: m.Content})
	}
	return req
}

// Respond streams the assistant response for msg. The returned channel yields
// chat_chunk envelopes and is closed after the terminating final chunk; on an
// upstream failure one error envelope comes just before that final chunk.
// Cancel ctx to abort: the bridge stops reading upstream, closes its provider
// handle within a bounded grace window, and emits a final chunk carrying a
// cancelled marker.
func (b *Bridge) Respond(ctx context.Context, msg *wire.ChatMessage, history []*wire.ChatMessage) <-chan wire.Envelope {
	out := make(chan wire.Envelope, chunkBuffer)
	req := b.buildRequest(history, msg)

	go func() {
		defer close(out)
		b.run(ctx, req, msg.ID, out)
	}()
	return out
}

// send delivers an envelope unless the consumer is gone.
func send(ctx context.Context, out chan<- wire.Envelope, env wire.Envelope) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) run(ctx context.Context, req Request, id string, out chan<- wire.Envelope) {
	if cached, ok, err := b.cache.Get(ctx, req); err == nil && ok {
		b.sink.IncCounter(telemetry.CounterBridgeCacheHits, 1)
		send(ctx, out, &wire.ChatChunk{
			Type: wire.TypeChatChunk, ID: id, Sequence: 0, Delta: cached, Final: true,
			Metadata: wire.Metadata{"cached": true},
		})
		return
	} else if err != nil {
		b.log.WarnContext(ctx, "response cache read failed", "error", err)
	}
	if b.cache.Cacheable(req) {
		b.sink.IncCounter(telemetry.CounterBridgeCacheMisses, 1)
	}

	started := time.Now()
	stream, err := b.provider.Stream(ctx, req)
	if err != nil {
		b.failStream(ctx, id, 0, err, out)
		return
	}
	defer b.closeWithGrace(stream)

	var (
		seq     int
		builder strings.Builder
		first   = true
	)
	for {
		delta, err := stream.Recv(ctx)
		switch {
		case err == nil:
			if first {
				b.sink.Observe(telemetry.HistogramBridgeLatency, time.Since(started).Seconds())
				first = false
			}
			if !send(ctx, out, &wire.ChatChunk{
				Type: wire.TypeChatChunk, ID: id, Sequence: seq, Delta: delta,
			}) {
				return
			}
			b.sink.IncCounter(telemetry.CounterBridgeChunks, 1)
			builder.WriteString(delta)
			seq++

		case errors.Is(err, io.EOF):
			send(ctx, out, &wire.ChatChunk{
				Type: wire.TypeChatChunk, ID: id, Sequence: seq, Final: true,
			})
			if err := b.cache.Put(context.WithoutCancel(ctx), req, builder.String()); err != nil {
				b.log.WarnContext(ctx, "response cache write failed", "error", err)
			}
			return

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			b.sink.IncCounter(telemetry.CounterBridgeCancelled, 1)
			// The consumer may still be draining: ctx is already dead, so the
			// terminator gets its own bounded delivery window.
			select {
			case out <- &wire.ChatChunk{
				Type: wire.TypeChatChunk, ID: id, Sequence: seq, Final: true,
				Metadata: wire.Metadata{"cancelled": true},
			}:
			case <-time.After(closeGrace):
			}
			return

		default:
			b.failStream(ctx, id, seq, err, out)
			return
		}
	}
}

// failStream reports an upstream failure as an error envelope followed by the
// terminating chunk so the peer can release the request id.
func (b *Bridge) failStream(ctx context.Context, id string, seq int, err error, out chan<- wire.Envelope) {
	b.sink.IncCounter(telemetry.CounterBridgeUpstreamErrors, 1)
	b.log.WarnContext(ctx, "upstream stream failed", "id", id, "error", err)

	kind := wire.KindUpstreamUnavailable
	if errors.Is(err, ErrThrottled) {
		kind = wire.KindUpstreamThrottled
	}
	if !send(ctx, out, wire.NewError(kind, "upstream provider failed")) {
		return
	}
	send(ctx, out, &wire.ChatChunk{
		Type: wire.TypeChatChunk, ID: id, Sequence: seq, Final: true,
	})
}

// closeWithGrace closes the provider handle, abandoning it if Close blocks
// past the grace window.
func (b *Bridge) closeWithGrace(stream Stream) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Close()
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		b.log.Warn("provider stream close exceeded grace window")
	}
}
