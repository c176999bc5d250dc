package tokens

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// PerTurnOverhead models the fixed framing cost of one turn on the wire.
const PerTurnOverhead = 8

// Estimator estimates the token cost of a text span.
type Estimator interface {
	Estimate(text string) int
}

// Heuristic estimates ceil(runes/4).
type Heuristic struct{}

func (Heuristic) Estimate(text string) int {
	return fallback(text)
}

func fallback(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Safe runs est and falls back to the heuristic when est is nil, panics or
// returns a negative count.
func Safe(est Estimator, text string) (n int) {
	if est == nil {
		return fallback(text)
	}
	defer func() {
		if r := recover(); r != nil {
			n = fallback(text)
		}
	}()
	n = est.Estimate(text)
	if n < 0 {
		return fallback(text)
	}
	return n
}

// TurnCost is the estimated cost of a turn with the given text.
func TurnCost(est Estimator, text string) int {
	return Safe(est, text) + PerTurnOverhead
}

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Tiktoken counts BPE tokens. A nil encoder degrades to the heuristic.
type Tiktoken struct {
	enc encoder
}

// NewTiktoken loads the named encoding. The BPE ranks may be fetched over the
// network on first use; callers usually fall back to Heuristic on error.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokens: load encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Estimate(text string) (n int) {
	if t == nil || t.enc == nil {
		return fallback(text)
	}
	defer func() {
		if r := recover(); r != nil {
			n = fallback(text)
		}
	}()
	return len(t.enc.Encode(text, nil, nil))
}

// New returns the estimator named by kind ("tiktoken" or anything else for
// the heuristic). Loading failures are logged and degrade to the heuristic.
func New(kind string) Estimator {
	if kind != "tiktoken" {
		return Heuristic{}
	}
	t, err := NewTiktoken("cl100k_base")
	if err != nil {
		slog.Warn("tokenizer unavailable, using heuristic", "err", err)
		return Heuristic{}
	}
	return t
}
