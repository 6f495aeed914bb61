package chat

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator converts text into approximate backend cost units. Implementations
// must be deterministic; the store applies credits exactly once, at the
// terminal transition of each message.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator approximates tokens as ceil(len/4). It is a documented
// proxy for the backend's real tokenizer, not an exact count.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenEstimator counts tokens with a real BPE codec. It satisfies the same
// interface as the heuristic so callers can swap it in without touching the
// correlator or store.
type TiktokenEstimator struct {
	codec tokenizer.Codec
}

func NewTiktokenEstimator(enc tokenizer.Encoding) (*TiktokenEstimator, error) {
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, errors.Wrap(err, "loading tokenizer codec")
	}
	return &TiktokenEstimator{codec: codec}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		// Fall back to the heuristic rather than losing the credit entirely.
		return HeuristicEstimator{}.Estimate(text)
	}
	return len(ids)
}

// creditInput records the cost of an accepted outbound user message.
func (u *TokenUsage) creditInput(n int) {
	u.Input += n
	u.Total += n
}

// creditOutput records the cost of a completed inbound assistant message.
func (u *TokenUsage) creditOutput(n int) {
	u.Output += n
	u.Total += n
}
