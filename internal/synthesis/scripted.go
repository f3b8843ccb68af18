package synthesis

import (
	"context"
	"sync"
)

// ScriptedClient is an LLMClient that replays canned responses in order,
// repeating the last one. It records every prompt it receives.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	prompts   []string
}

// ScriptedResponse is one canned reply.
type ScriptedResponse struct {
	Text string
	Err  error

	// Block waits for ctx to end before replying.
	Block bool
}

// NewScriptedClient returns a client replaying responses.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Complete implements LLMClient.
func (c *ScriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	idx := len(c.prompts)
	c.prompts = append(c.prompts, prompt)
	var r ScriptedResponse
	if len(c.responses) > 0 {
		if idx >= len(c.responses) {
			idx = len(c.responses) - 1
		}
		r = c.responses[idx]
	}
	c.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.Text, r.Err
}

// Prompts returns the prompts received so far.
func (c *ScriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// Calls returns the number of calls made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}
