package model

import "errors"

// Error kinds surfaced by the model, the sampler and checkpoint loading.
// Call sites wrap them with context; test with errors.Is.
var (
	// ErrConfiguration reports invalid hyperparameters or sampling settings.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrSequenceLength reports input longer than the context length.
	ErrSequenceLength = errors.New("sequence length exceeds context")

	// ErrVocabularyRange reports a token id outside [0, vocab_size).
	ErrVocabularyRange = errors.New("token id out of vocabulary range")

	// ErrCheckpointMismatch reports stored parameters that disagree with
	// the configured architecture.
	ErrCheckpointMismatch = errors.New("checkpoint does not match architecture")

	// ErrNumericInstability reports NaN or Inf in logits or probabilities.
	ErrNumericInstability = errors.New("non-finite values")
)
