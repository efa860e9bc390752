package conversation

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// WordCountTokenCounter is the honest fallback used when no tokenizer.json
// is configured: it estimates token count as whitespace-separated word
// count. It undercounts relative to a real subword tokenizer, so the
// budget admits more text than a subword count would, but a bound is
// still enforced.
type WordCountTokenCounter struct{}

func (WordCountTokenCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// HFTokenCounter wraps a HuggingFace tokenizer.json (loaded lazily, the
// same way pkg/turn's ONNX detector loads its own) to produce an exact
// subword token count for the history token budget.
type HFTokenCounter struct {
	ModelPath string

	once sync.Once
	tk   *tokenizer.Tokenizer
	err  error
}

func NewHFTokenCounter(modelPath string) *HFTokenCounter {
	return &HFTokenCounter{ModelPath: modelPath}
}

func (c *HFTokenCounter) load() error {
	c.once.Do(func() {
		if c.ModelPath == "" {
			c.err = fmt.Errorf("conversation: no tokenizer model path configured")
			return
		}
		if _, statErr := os.Stat(c.ModelPath); statErr != nil {
			c.err = fmt.Errorf("conversation: tokenizer file not found: %s", c.ModelPath)
			return
		}
		tk, err := pretrained.FromFile(c.ModelPath)
		if err != nil {
			c.err = fmt.Errorf("conversation: failed to load tokenizer: %w", err)
			return
		}
		c.tk = tk
	})
	return c.err
}

// Count returns the exact subword token count for text, or falls back to
// a word-count estimate when the tokenizer cannot be loaded.
func (c *HFTokenCounter) Count(text string) int {
	if err := c.load(); err != nil {
		return WordCountTokenCounter{}.Count(text)
	}
	encoding, err := c.tk.EncodeSingle(text, false)
	if err != nil {
		return WordCountTokenCounter{}.Count(text)
	}
	return len(encoding.GetIds())
}

var _ TokenCounter = (*HFTokenCounter)(nil)
var _ TokenCounter = WordCountTokenCounter{}
