package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptEntry defines a single scripted mock response.
type ScriptEntry struct {
	// Response content (exactly one should be set).
	Chunks []Chunk // pre-built chunks to return
	Text   string  // shorthand: wrapped as TextChunk + UsageChunk
	Err    error   // returned from Generate

	// Test control.
	BlockUntilCancelled bool            // hold the stream open until ctx is cancelled
	WaitCh              <-chan struct{} // block Generate until closed, then respond normally
	OnBlock             chan<- struct{} // notified when Generate enters its blocking path
}

// MockClient is the deterministic in-process provider: sequential dispatch
// for single-agent traffic plus routed dispatch for concurrent runs where
// call order is non-deterministic. An unscripted client echoes the last user
// message so the default configuration serves runs without credentials.
type MockClient struct {
	mu         sync.Mutex
	scripted   bool
	sequential []ScriptEntry
	seqIndex   int
	routes     map[string][]ScriptEntry
	routeIndex map[string]int
	captured   []*GenerateInput
}

// NewMockClient creates an empty mock provider.
func NewMockClient() *MockClient {
	return &MockClient{
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in order for non-routed calls.
func (c *MockClient) AddSequential(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted = true
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for a specific agent name, matched from the system
// prompt.
func (c *MockClient) AddRouted(agentName string, entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted = true
	c.routes[agentName] = append(c.routes[agentName], entry)
}

// Generate implements Client.
func (c *MockClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	c.mu.Lock()
	c.captured = append(c.captured, input)
	if !c.scripted {
		c.mu.Unlock()
		return c.echo(input), nil
	}
	entry, err := c.nextEntry(input)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.BlockUntilCancelled {
		ch := make(chan Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		return ch, nil
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			ch := make(chan Chunk)
			close(ch)
			return ch, nil
		}
	}

	if entry.Err != nil {
		return nil, entry.Err
	}

	chunks := entry.Chunks
	if len(chunks) == 0 && entry.Text != "" {
		chunks = []Chunk{
			&TextChunk{Content: entry.Text},
			&UsageChunk{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
	}
	ch := make(chan Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Close implements Client.
func (c *MockClient) Close() error { return nil }

// CallCount returns the number of Generate calls made.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// Inputs returns the captured Generate inputs in call order.
func (c *MockClient) Inputs() []*GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*GenerateInput, len(c.captured))
	copy(out, c.captured)
	return out
}

// echo streams a canned completion derived from the last user message.
func (c *MockClient) echo(input *GenerateInput) <-chan Chunk {
	text := "mock response"
	if input != nil {
		for i := len(input.Messages) - 1; i >= 0; i-- {
			if input.Messages[i].Role == "user" && input.Messages[i].Content != "" {
				text = "mock response: " + input.Messages[i].Content
				break
			}
		}
	}
	ch := make(chan Chunk, 2)
	ch <- &TextChunk{Content: text}
	ch <- &UsageChunk{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	close(ch)
	return ch
}

// nextEntry selects the next script entry using routed-then-sequential
// dispatch. Must be called with c.mu held.
func (c *MockClient) nextEntry(input *GenerateInput) (*ScriptEntry, error) {
	agentName := extractAgentName(input)
	if agentName != "" {
		if entries, ok := c.routes[agentName]; ok {
			idx := c.routeIndex[agentName]
			if idx < len(entries) {
				c.routeIndex[agentName] = idx + 1
				return &entries[idx], nil
			}
		}
	}
	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}
	return nil, fmt.Errorf("mock llm: no more entries (agent=%q, sequential=%d/%d)",
		agentName, c.seqIndex, len(c.sequential))
}

// extractAgentName finds "You are <Name>" in the system prompt so routed
// entries can target one agent in parallel scenarios.
func extractAgentName(input *GenerateInput) string {
	if input == nil {
		return ""
	}
	for _, msg := range input.Messages {
		if msg.Role != "system" {
			continue
		}
		idx := strings.Index(msg.Content, "You are ")
		if idx < 0 {
			return ""
		}
		rest := msg.Content[idx+len("You are "):]
		end := len(rest)
		for i, r := range rest {
			if r == '.' || r == ',' || r == '\n' {
				end = i
				break
			}
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}
