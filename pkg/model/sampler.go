package model

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Sampler draws token ids from logits with temperature scaling and nucleus
// (top-p) truncation. All randomness comes from the injected source.
type Sampler struct {
	Temperature float64
	TopP        float64
	rng         *rand.Rand

	// scratch buffers reused between draws
	probs []float64
	order []int
}

// NewSampler validates the settings. temperature must be > 0 and topP in
// (0, 1]; topP == 1 disables truncation.
func NewSampler(temperature, topP float64, rng *rand.Rand) (*Sampler, error) {
	if !(temperature > 0) || math.IsInf(temperature, 0) {
		return nil, fmt.Errorf("%w: temperature must be positive, got %v", ErrConfiguration, temperature)
	}
	if !(topP > 0 && topP <= 1) {
		return nil, fmt.Errorf("%w: top_p must be in (0, 1], got %v", ErrConfiguration, topP)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: sampler needs a random source", ErrConfiguration)
	}
	return &Sampler{Temperature: temperature, TopP: topP, rng: rng}, nil
}

// Distribution returns the probabilities Sample draws from: softmax of
// logits/temperature, truncated to the nucleus and renormalized. The
// returned slice is reused by the next call.
func (s *Sampler) Distribution(logits []float32) ([]float64, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("%w: empty logits", ErrConfiguration)
	}

	probs := slices.Grow(s.probs[:0], len(logits))[:len(logits)]
	s.probs = probs
	for i, l := range logits {
		probs[i] = float64(l) / s.Temperature
	}
	if floats.HasNaN(probs) || math.IsInf(floats.Max(probs), 0) || math.IsInf(floats.Min(probs), 0) {
		return nil, fmt.Errorf("%w: logits contain NaN or Inf", ErrNumericInstability)
	}

	// Stable softmax.
	maxLogit := floats.Max(probs)
	for i, v := range probs {
		probs[i] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(probs), probs)

	if s.TopP < 1 {
		s.truncate(probs)
	}

	return probs, nil
}

// truncate keeps the smallest descending-probability prefix whose mass
// reaches TopP, including the token that crosses the threshold, and
// renormalizes. Equal probabilities are ordered by token id.
func (s *Sampler) truncate(probs []float64) {
	order := slices.Grow(s.order[:0], len(probs))[:len(probs)]
	s.order = order
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})

	kept, cut := 0.0, len(order)
	for i, id := range order {
		kept += probs[id]
		if kept >= s.TopP {
			cut = i + 1
			break
		}
	}

	for _, id := range order[cut:] {
		probs[id] = 0
	}
	floats.Scale(1/kept, probs)
}

// Sample draws one token id from logits.
func (s *Sampler) Sample(logits []float32) (int, error) {
	probs, err := s.Distribution(logits)
	if err != nil {
		return 0, err
	}
	return drawCategorical(probs, s.rng.Float64()), nil
}

// drawCategorical inverts the cumulative distribution at u in [0, 1).
// Tokens with zero probability are never returned.
func drawCategorical(probs []float64, u float64) int {
	last := -1
	cum := 0.0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cum += p
		last = i
		if u < cum {
			return i
		}
	}
	// Rounding can leave cum slightly below 1.
	return last
}

// Argmax returns the index of the largest logit, the lowest index on ties.
func Argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
