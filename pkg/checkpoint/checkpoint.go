// Package checkpoint saves and restores a trained model as one JSON
// document: architecture, tokenizer, parameters and, for resuming training,
// optimizer state and loss history.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"headlinegpt/pkg/model"
	"headlinegpt/pkg/tensor"
	"headlinegpt/pkg/tokenizer"
)

// Version is the document format version written by Save.
const Version = 1

// TensorState is a serialized tensor.
type TensorState struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Tokenizer records how to rebuild the token codec: the source encoder and
// the compacted vocabulary.
type Tokenizer struct {
	tokenizer.Spec
	SourceIDs []int `json:"source_ids"`
}

// OptimizerState is the resumable state of AdamW.
type OptimizerState struct {
	Step         int                    `json:"step"`
	LearningRate float64                `json:"learning_rate"`
	M            map[string]TensorState `json:"m"`
	V            map[string]TensorState `json:"v"`
}

// History is the loss curve recorded so far, one entry per evaluation.
type History struct {
	Epoch     int       `json:"epoch"`
	Steps     []int     `json:"steps"`
	TrainLoss []float64 `json:"train_loss"`
	ValLoss   []float64 `json:"val_loss"`
}

// Checkpoint is the stored document.
type Checkpoint struct {
	Version   int                    `json:"version"`
	CreatedAt string                 `json:"created_at"`
	Config    model.Config           `json:"config"`
	Tokenizer Tokenizer              `json:"tokenizer"`
	State     map[string]TensorState `json:"state"`
	Optimizer *OptimizerState        `json:"optimizer,omitempty"`
	History   *History               `json:"history,omitempty"`
}

// New snapshots the parameters of m. The snapshot does not share memory
// with the model.
func New(m *model.GPTModel, tok Tokenizer) *Checkpoint {
	params := m.Parameters()
	state := make(map[string]TensorState, len(params))
	for _, p := range params {
		state[p.Name] = FromTensor(p.Tensor)
	}

	return &Checkpoint{
		Version:   Version,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Config:    m.Config,
		Tokenizer: tok,
		State:     state,
	}
}

// FromTensor copies t into a TensorState.
func FromTensor(t *tensor.Tensor) TensorState {
	return TensorState{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Tensor converts s back into a tensor. Data whose length disagrees with
// the shape fails with model.ErrCheckpointMismatch.
func (s TensorState) Tensor() (*tensor.Tensor, error) {
	t, err := tensor.FromSlice(s.Data, s.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCheckpointMismatch, err)
	}
	return t, nil
}

// Save writes the checkpoint to path. The file is replaced atomically so an
// interrupted save never leaves a truncated checkpoint.
func (c *Checkpoint) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := json.NewEncoder(w).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// Load reads a checkpoint and validates its version and configuration.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var c Checkpoint
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}

	if c.Version != Version {
		return nil, fmt.Errorf("%w: checkpoint version %d, expected %d", model.ErrCheckpointMismatch, c.Version, Version)
	}
	if err := c.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}
	if len(c.Tokenizer.SourceIDs) != c.Config.VocabSize {
		return nil, fmt.Errorf("%w: tokenizer has %d ids, config vocab_size is %d",
			model.ErrCheckpointMismatch, len(c.Tokenizer.SourceIDs), c.Config.VocabSize)
	}

	return &c, nil
}

// CheckConfig fails with model.ErrCheckpointMismatch when expected describes
// a different architecture than the stored one.
func (c *Checkpoint) CheckConfig(expected model.Config) error {
	if !c.Config.SameArchitecture(expected) {
		return fmt.Errorf("%w: checkpoint architecture %+v does not match %+v",
			model.ErrCheckpointMismatch, c.Config, expected)
	}
	return nil
}

// Restore builds a model from the stored configuration and copies every
// stored tensor into it. Missing, extra or mis-shaped tensors fail with
// model.ErrCheckpointMismatch.
func (c *Checkpoint) Restore() (*model.GPTModel, error) {
	m, err := model.NewGPTModel(c.Config, 0)
	if err != nil {
		return nil, err
	}

	state := make(map[string]*tensor.Tensor, len(c.State))
	for name, s := range c.State {
		t, err := s.Tensor()
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		state[name] = t
	}

	if err := m.LoadParameters(state); err != nil {
		return nil, err
	}
	return m, nil
}

// Codec rebuilds the token codec the model was trained with.
func (c *Checkpoint) Codec() (*tokenizer.Codec, error) {
	enc, err := tokenizer.Open(c.Tokenizer.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokenizer: %w", err)
	}
	return &tokenizer.Codec{Encoder: enc, Vocab: tokenizer.VocabFromSourceIDs(c.Tokenizer.SourceIDs)}, nil
}
