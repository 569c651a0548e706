// Package tokens provides token counting for context-window assembly,
// backed by tiktoken-go. It lazily initializes the cl100k_base encoding on
// first use and falls back to a character-based heuristic if initialization
// fails. Counts are memoized in a bounded LRU because context assembly
// re-counts the same messages on every run.
package tokens

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// Strings longer than this bypass the memo cache to bound memory.
const cacheMaxLen = 8 * 1024

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
	cache    *lru.Cache[string, int]
)

func initEncoding() {
	once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
		cache, _ = lru.New[string, int](4096)
	})
}

// Count returns an accurate token count using cl100k_base encoding.
// If tiktoken is unavailable, it falls back to EstimateFast.
func Count(text string) int {
	initEncoding()
	if encoding == nil {
		return EstimateFast(text)
	}
	cacheable := len(text) <= cacheMaxLen
	if cacheable {
		if n, ok := cache.Get(text); ok {
			return n
		}
	}
	n := len(encoding.Encode(text, nil, nil))
	if cacheable {
		cache.Add(text, n)
	}
	return n
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word count).
// Use when tiktoken overhead is unacceptable in tight loops.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate shortens text to approximately maxTokens, using tiktoken for
// accurate truncation when available.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	initEncoding()
	if encoding == nil {
		return truncateHeuristic(text, maxTokens)
	}
	toks := encoding.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return encoding.Decode(toks[:maxTokens])
}

func truncateHeuristic(text string, maxTokens int) string {
	runes := []rune(text)
	limit := maxTokens * 4
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
