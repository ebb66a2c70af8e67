package model

import (
	"fmt"
	"math/rand/v2"
)

// GenerateOptions configures Generate.
type GenerateOptions struct {
	// MaxNewTokens is the number of tokens to append (fewer if EOS stops
	// generation early).
	MaxNewTokens int

	// Temperature divides the logits; must be > 0.
	Temperature float64

	// TopP is the nucleus threshold in (0, 1]; 1 disables truncation.
	TopP float64

	// Seed seeds the random source when Rand is nil.
	Seed uint64

	// Rand, if set, is used instead of a source seeded from Seed.
	Rand *rand.Rand

	// StopAtEOS ends generation right after EOSID is drawn. The EOS token
	// is kept in the output.
	StopAtEOS bool
	EOSID     int

	// StartID conditions the model when the prompt is empty. It is not part
	// of the returned sequence.
	StartID int

	// UseCache reuses attention keys and values between steps while the
	// sequence still fits in the context window.
	UseCache bool
}

// DefaultGenerateOptions returns the library defaults: 32 new tokens,
// temperature 1, no truncation, no EOS stop.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxNewTokens: 32,
		Temperature:  1.0,
		TopP:         1.0,
	}
}

// Generate extends prompt by sampling one token at a time and returns the
// prompt followed by the new tokens.
//
// Once the sequence is longer than ContextLength, only the last
// ContextLength tokens are fed to the model, at positions 0 .. ContextLength-1;
// the returned sequence keeps the full history. With a fixed seed, prompt,
// settings and parameters the result is exactly reproducible.
func Generate(m *GPTModel, prompt []int, opts GenerateOptions) ([]int, error) {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	}
	sampler, err := NewSampler(opts.Temperature, opts.TopP, rng)
	if err != nil {
		return nil, err
	}
	return m.generate(prompt, opts, sampler.Sample)
}

// GenerateGreedy is Generate with arg-max decoding: always the most likely
// token, no randomness. Temperature, TopP, Seed and Rand are ignored.
func GenerateGreedy(m *GPTModel, prompt []int, opts GenerateOptions) ([]int, error) {
	return m.generate(prompt, opts, func(logits []float32) (int, error) {
		return Argmax(logits), nil
	})
}

// generate runs the decoding loop, choosing each token with pick.
func (m *GPTModel) generate(prompt []int, opts GenerateOptions, pick func([]float32) (int, error)) ([]int, error) {
	if opts.MaxNewTokens < 0 {
		return nil, fmt.Errorf("%w: max_new_tokens must not be negative, got %d", ErrConfiguration, opts.MaxNewTokens)
	}

	history, skip, err := m.startSequence(prompt, opts.StartID)
	if err != nil {
		return nil, err
	}
	if opts.StopAtEOS && (opts.EOSID < 0 || opts.EOSID >= m.Config.VocabSize) {
		return nil, fmt.Errorf("%w: eos id %d, vocab size is %d", ErrVocabularyRange, opts.EOSID, m.Config.VocabSize)
	}

	var cache *Cache
	if opts.UseCache {
		cache = m.NewCache(1)
	}

	for step := 0; step < opts.MaxNewTokens; step++ {
		logits, err := m.nextLogits(history, cache)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", step, err)
		}

		next, err := pick(logits)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", step, err)
		}

		history = append(history, next)
		if opts.StopAtEOS && next == opts.EOSID {
			break
		}

		// Past this point the window slides and cached positions no longer
		// line up with the window.
		if cache != nil && len(history) > cache.Capacity() {
			cache = nil
		}
	}

	return history[skip:], nil
}

// startSequence copies and validates the prompt. An empty prompt is replaced
// by startID, and skip reports how many leading ids to drop from the output.
func (m *GPTModel) startSequence(prompt []int, startID int) (history []int, skip int, err error) {
	if len(prompt) > m.Config.ContextLength {
		return nil, 0, fmt.Errorf("%w: prompt has %d tokens, context length is %d",
			ErrSequenceLength, len(prompt), m.Config.ContextLength)
	}

	history = make([]int, 0, len(prompt)+1)
	if len(prompt) == 0 {
		history, skip = append(history, startID), 1
	} else {
		history = append(history, prompt...)
	}

	for i, id := range history {
		if id < 0 || id >= m.Config.VocabSize {
			return nil, 0, fmt.Errorf("%w: prompt token %d at position %d, vocab size is %d",
				ErrVocabularyRange, id, i, m.Config.VocabSize)
		}
	}

	return history, skip, nil
}

// nextLogits returns the vocabulary logits for the position after history.
// With a cache, only the tokens not yet cached are run through the model.
func (m *GPTModel) nextLogits(history []int, cache *Cache) ([]float32, error) {
	window := history[max(0, len(history)-m.Config.ContextLength):]

	var input []int
	if cache != nil {
		input = history[cache.Len():]
	} else {
		input = window
	}

	logits, err := m.ForwardWithCache([][]int{input}, cache)
	if err != nil {
		return nil, err
	}

	vocab := m.Config.VocabSize
	last := logits.Data[len(logits.Data)-vocab:]
	return append([]float32(nil), last...), nil
}
