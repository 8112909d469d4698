// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/chatbridge/chat-server-go/llm"
)

// Script describes one provider interaction.
type Script struct {
	// Deltas are returned in order before the stream terminates.
	Deltas []string
	// Err, when set, ends the stream with this error after Deltas.
	Err error
	// DelayPerDelta pauses before each delta so cancellation tests have a
	// window to act in.
	DelayPerDelta time.Duration
	// StreamErr, when set, fails Stream itself.
	StreamErr error
}

// Provider replays a Script for every Stream call and records the requests
// it saw.
type Provider struct {
	mu       sync.Mutex
	script   Script
	requests []llm.Request
}

// NewProvider creates a Provider replaying the given script.
func NewProvider(script Script) *Provider {
	return &Provider{script: script}
}

// SetScript replaces the script for subsequent calls.
func (p *Provider) SetScript(script Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = script
}

// Requests returns the formatted requests seen so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	script := p.script
	p.mu.Unlock()

	if script.StreamErr != nil {
		return nil, script.StreamErr
	}
	return &stream{script: script}, nil
}

type stream struct {
	script Script
	pos    int
	closed bool
}

func (s *stream) Recv(ctx context.Context) (string, error) {
	if s.script.DelayPerDelta > 0 {
		select {
		case <-time.After(s.script.DelayPerDelta):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.script.Deltas) {
		delta := s.script.Deltas[s.pos]
		s.pos++
		return delta, nil
	}
	if s.script.Err != nil {
		return "", s.script.Err
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

var _ llm.Provider = (*Provider)(nil)
