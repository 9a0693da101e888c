package usage

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens with tiktoken where the model has a known encoding,
// falling back to a character-length estimate otherwise.
type Counter struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

func NewCounter() *Counter {
	return &Counter{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count returns the token count for text under the given model and whether
// the count is an estimate.
func (c *Counter) Count(model, text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	codec, err := c.codec(model)
	if err != nil {
		return estimate(text), true
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return estimate(text), true
	}
	return len(ids), false
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec, nil
	}

	encoding := encodingFor(model)

	c.mu.RLock()
	cached, ok := c.cache[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// estimate approximates tokens as one per four characters, the usual rule of
// thumb for English text.
func estimate(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 {
		n = 1
	}
	return n
}
