// Package train fits a GPTModel to a tokenized corpus: AdamW updates on
// random line-aligned windows, periodic validation, learning-rate decay on
// plateaus, and checkpoints that allow training to resume.
package train

import (
	"fmt"

	"headlinegpt/pkg/model"
)

// Config holds training hyperparameters and output paths.
type Config struct {
	BatchSize           int     `json:"batch_size"`
	LearningRate        float64 `json:"learning_rate"`
	MinimalLearningRate float64 `json:"minimal_learning_rate"`
	WeightDecay         float64 `json:"weight_decay"`
	Beta1               float64 `json:"beta1"`
	Beta2               float64 `json:"beta2"`
	Eps                 float64 `json:"eps"`

	// GradClip bounds the global gradient norm; 0 disables clipping.
	GradClip float64 `json:"grad_clip"`

	// EvalInterval is the number of steps between validation passes.
	EvalInterval int `json:"eval_interval"`

	// EpochSteps is the number of random batches per epoch.
	EpochSteps int `json:"epoch_steps"`

	ValBatchSize int    `json:"val_batch_size"`
	Seed         uint64 `json:"seed"`

	// After each epoch the latest validation loss is compared with the one
	// recorded 20% of the evaluations earlier. Above PlateauRatio the
	// learning rate is divided by DecayFactor; at or above StopRatio
	// training stops.
	PlateauRatio float64 `json:"plateau_ratio"`
	DecayFactor  float64 `json:"decay_factor"`
	StopRatio    float64 `json:"stop_ratio"`

	// MaxEpochs caps training; 0 means no cap.
	MaxEpochs int `json:"max_epochs"`

	CheckpointPath string `json:"checkpoint_path"`
	PlotPath       string `json:"plot_path,omitempty"`
	HistoryPath    string `json:"history_path,omitempty"`
}

// DefaultConfig returns the settings used for the headline corpus.
func DefaultConfig() Config {
	return Config{
		BatchSize:           32,
		LearningRate:        3e-4,
		MinimalLearningRate: 1e-6,
		WeightDecay:         0.01,
		Beta1:               0.9,
		Beta2:               0.999,
		Eps:                 1e-8,
		GradClip:            1.0,
		EvalInterval:        100,
		EpochSteps:          1000,
		ValBatchSize:        8,
		Seed:                1337,
		PlateauRatio:        0.996,
		DecayFactor:         1.5,
		StopRatio:           0.998,
		CheckpointPath:      "checkpoint.json",
		PlotPath:            "loss_plot.png",
		HistoryPath:         "loss_history.csv",
	}
}

// Validate checks the hyperparameters. Failures wrap model.ErrConfiguration.
func (c Config) Validate() error {
	positiveInts := []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"eval_interval", c.EvalInterval},
		{"epoch_steps", c.EpochSteps},
		{"val_batch_size", c.ValBatchSize},
	}
	for _, p := range positiveInts {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", model.ErrConfiguration, p.name, p.value)
		}
	}

	switch {
	case !(c.LearningRate > 0):
		return fmt.Errorf("%w: learning_rate must be positive, got %v", model.ErrConfiguration, c.LearningRate)
	case c.MinimalLearningRate < 0:
		return fmt.Errorf("%w: minimal_learning_rate must not be negative, got %v", model.ErrConfiguration, c.MinimalLearningRate)
	case c.WeightDecay < 0:
		return fmt.Errorf("%w: weight_decay must not be negative, got %v", model.ErrConfiguration, c.WeightDecay)
	case !(c.Beta1 >= 0 && c.Beta1 < 1) || !(c.Beta2 >= 0 && c.Beta2 < 1):
		return fmt.Errorf("%w: beta1 and beta2 must be in [0, 1), got %v and %v", model.ErrConfiguration, c.Beta1, c.Beta2)
	case !(c.Eps > 0):
		return fmt.Errorf("%w: eps must be positive, got %v", model.ErrConfiguration, c.Eps)
	case c.GradClip < 0:
		return fmt.Errorf("%w: grad_clip must not be negative, got %v", model.ErrConfiguration, c.GradClip)
	case !(c.DecayFactor > 1):
		return fmt.Errorf("%w: decay_factor must be greater than 1, got %v", model.ErrConfiguration, c.DecayFactor)
	case !(c.PlateauRatio > 0) || !(c.StopRatio > 0):
		return fmt.Errorf("%w: plateau_ratio and stop_ratio must be positive", model.ErrConfiguration)
	case c.MaxEpochs < 0:
		return fmt.Errorf("%w: max_epochs must not be negative, got %d", model.ErrConfiguration, c.MaxEpochs)
	case c.CheckpointPath == "":
		return fmt.Errorf("%w: checkpoint_path is required", model.ErrConfiguration)
	}
	return nil
}
