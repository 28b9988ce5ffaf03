package backend

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// StubReply is the placeholder text returned while no backend is available.
func StubReply(prompt string) string {
	return "[stub] Claude CLI not available. Received: " + prompt
}

// Stub answers every prompt with StubReply. It stands in for the CLI when
// the claude executable is missing.
type Stub struct{}

func (Stub) Available() bool { return true }

func (Stub) Open(ctx context.Context, _ Options) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &stubClient{sessionID: "stub_" + uuid.NewString()}, nil
}

func (Stub) RunOnce(_ context.Context, prompt string, _ Options) iter.Seq2[Message, error] {
	return stubTurn(prompt, "stub_"+uuid.NewString())
}

type stubClient struct {
	sessionID string

	mu      sync.Mutex
	pending []string
	closed  bool
}

func (c *stubClient) Send(_ context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending = append(c.pending, prompt)
	return nil
}

func (c *stubClient) Receive(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			yield(nil, ErrClosed)
			return
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			<-ctx.Done()
			yield(nil, ctx.Err())
			return
		}
		prompt := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		for m, err := range stubTurn(prompt, c.sessionID) {
			if !yield(m, err) {
				return
			}
		}
	}
}

func (c *stubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	return nil
}

func stubTurn(prompt, sessionID string) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if !yield(TextMessage{Text: StubReply(prompt)}, nil) {
			return
		}
		yield(CompleteMessage{SessionID: sessionID, NumTurns: 1}, nil)
	}
}
