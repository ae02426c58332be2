// Package bpe counts tokens the same way the upstream model's own
// tokenizer would, for the one place usage can't come from an upstream
// response: accounting a stream the client abandoned mid-flight.
package bpe

import (
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const encoding = "o200k_base"

var (
	mu       sync.Mutex
	cached   *tiktoken.Tiktoken
	loadErr  error
	attempted bool
)

func encoder() (*tiktoken.Tiktoken, error) {
	mu.Lock()
	defer mu.Unlock()
	if attempted {
		return cached, loadErr
	}
	attempted = true
	cached, loadErr = tiktoken.GetEncoding(encoding)
	return cached, loadErr
}

// Count returns the bpe token length of text, falling back to a
// conservative 4-chars-per-token estimate if the encoding table can't be
// loaded (e.g. no network access to fetch its vocabulary on first use).
func Count(text string) int {
	if text == "" {
		return 0
	}
	enc, err := encoder()
	if err != nil || enc == nil {
		n := utf8.RuneCountInString(text) / 4
		if n == 0 {
			return 1
		}
		return n
	}
	return len(enc.Encode(text, nil, nil))
}
