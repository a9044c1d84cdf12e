package chunker

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter reports how many model tokens a text occupies.
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates tokens as one per four characters.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding such as cl100k_base.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter returns the counter selected by name. "tiktoken" falls back to
// the estimate when the encoding cannot be loaded (it is fetched on first
// use and may be unavailable offline).
func NewCounter(name string, logger *slog.Logger) TokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	if name != "tiktoken" {
		return EstimateCounter{}
	}
	c, err := NewTiktokenCounter("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken unavailable, using character estimate", "error", err)
		return EstimateCounter{}
	}
	return c
}
