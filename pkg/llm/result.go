package llm

import (
	"context"
	"strings"
)

// Result is the assembled output of a fully drained chunk stream.
type Result struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Usage     UsageChunk
}

// Accumulator folds streaming chunks into a Result. Not safe for concurrent
// use.
type Accumulator struct {
	text      strings.Builder
	thinking  strings.Builder
	toolCalls []ToolCall
	usage     UsageChunk
	failure   *ErrorChunk
}

// Add folds one chunk.
func (a *Accumulator) Add(chunk Chunk) {
	switch c := chunk.(type) {
	case *TextChunk:
		a.text.WriteString(c.Content)
	case *ThinkingChunk:
		a.thinking.WriteString(c.Content)
	case *ToolCallChunk:
		a.toolCalls = append(a.toolCalls, ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
	case *UsageChunk:
		a.usage.InputTokens += c.InputTokens
		a.usage.OutputTokens += c.OutputTokens
		a.usage.TotalTokens += c.TotalTokens
	case *ErrorChunk:
		if a.failure == nil {
			a.failure = c
		}
	}
}

// Err returns the first error chunk seen, as a taxonomy error.
func (a *Accumulator) Err() error {
	if a.failure == nil {
		return nil
	}
	return a.failure.Err()
}

// Result returns the folded output.
func (a *Accumulator) Result() *Result {
	return &Result{
		Text:      a.text.String(),
		Thinking:  a.thinking.String(),
		ToolCalls: a.toolCalls,
		Usage:     a.usage,
	}
}

// Drain consumes a stream to completion and returns the folded result. An
// error chunk anywhere in the stream fails the whole call.
func Drain(ctx context.Context, ch <-chan Chunk) (*Result, error) {
	var acc Accumulator
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if err := acc.Err(); err != nil {
					return nil, err
				}
				return acc.Result(), nil
			}
			acc.Add(chunk)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
