package agenthttp

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model name prefixes to tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Tokenizer counts tokens with tiktoken. The encoding is loaded on first
// use; if it cannot be loaded, counts fall back to len/4.
type Tokenizer struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	load     func(string) (*tiktoken.Tiktoken, error)
}

// NewTokenizer picks the encoding for model, defaulting to cl100k_base.
func NewTokenizer(model string) *Tokenizer {
	enc := "cl100k_base"
	best := 0
	for prefix, e := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			enc, best = e, len(prefix)
		}
	}
	return &Tokenizer{encoding: enc, load: tiktoken.GetEncoding}
}

// NewApproxTokenizer never loads an encoding and always uses len/4.
func NewApproxTokenizer() *Tokenizer {
	return &Tokenizer{load: nil}
}

// Encoding returns the selected encoding name.
func (t *Tokenizer) Encoding() string { return t.encoding }

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		if t.load == nil {
			return
		}
		if enc, err := t.load(t.encoding); err == nil {
			t.enc = enc
		}
	})
	if t.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
