package history

import (
	"log"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates how many model tokens a piece of text costs.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to Estimator.
type EstimatorFunc func(string) int

func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// CharEstimator is the deterministic fallback: one token per four bytes, rounded down.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int { return len(text) / 4 }

// TiktokenEstimator counts tokens with the model's BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (t *TiktokenEstimator) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

const fallbackEncoding = "cl100k_base"

// NewEstimator returns an exact tokenizer for model when its encoding can be
// loaded and the character fallback otherwise.
func NewEstimator(model string) Estimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		log.Printf("history: tokenizer unavailable for %q, using character estimate: %v", model, err)
		return CharEstimator{}
	}
	return &TiktokenEstimator{enc: enc}
}
