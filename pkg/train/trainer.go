package train

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"headlinegpt/pkg/checkpoint"
	"headlinegpt/pkg/data"
	"headlinegpt/pkg/model"
)

// StopReason says why Run returned.
type StopReason string

const (
	StopConverged   StopReason = "converged"
	StopMinimalRate StopReason = "minimal_learning_rate"
	StopMaxEpochs   StopReason = "max_epochs"
	StopInterrupted StopReason = "interrupted"
)

// Result summarizes a finished run.
type Result struct {
	Reason       StopReason
	Epochs       int
	Steps        int
	TrainLoss    float64
	ValLoss      float64
	LearningRate float64
	Duration     time.Duration
}

// Trainer owns a model, its optimizer and the loss history of one training
// run. It is not safe for concurrent use.
type Trainer struct {
	Model     *model.GPTModel
	Optimizer *AdamW
	Config    Config
	Train     *data.BlockDataset
	Val       *data.BlockDataset
	Tokenizer checkpoint.Tokenizer
	Logger    *slog.Logger
	History   History

	rng    *rand.Rand
	losses []float64 // training losses since the last evaluation
}

// NewTrainer prepares a run over train and val. Both datasets must fit the
// model's context window.
func NewTrainer(m *model.GPTModel, config Config, train, val *data.BlockDataset, tok checkpoint.Tokenizer, logger *slog.Logger) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if train == nil || val == nil {
		return nil, fmt.Errorf("%w: training and validation datasets are required", model.ErrConfiguration)
	}
	for _, d := range []*data.BlockDataset{train, val} {
		if d.BlockSize() > m.Config.ContextLength {
			return nil, fmt.Errorf("%w: block size %d exceeds context length %d",
				model.ErrSequenceLength, d.BlockSize(), m.Config.ContextLength)
		}
	}
	if n := len(tok.SourceIDs); n != 0 && n != m.Config.VocabSize {
		return nil, fmt.Errorf("%w: tokenizer has %d ids, model vocab_size is %d",
			model.ErrConfiguration, n, m.Config.VocabSize)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Trainer{
		Model:     m,
		Optimizer: NewAdamW(config.LearningRate, config.Beta1, config.Beta2, config.Eps, config.WeightDecay),
		Config:    config,
		Train:     train,
		Val:       val,
		Tokenizer: tok,
		Logger:    logger,
		rng:       rand.New(rand.NewPCG(config.Seed, 0)),
	}, nil
}

// Resume continues from ckpt, which must have been written by a trainer
// over the same model and vocabulary. The model parameters are restored by
// the caller through ckpt.Restore; Resume restores optimizer state and
// history.
func (t *Trainer) Resume(ckpt *checkpoint.Checkpoint) error {
	if err := ckpt.CheckConfig(t.Model.Config); err != nil {
		return err
	}
	if len(t.Tokenizer.SourceIDs) != 0 && !slices.Equal(ckpt.Tokenizer.SourceIDs, t.Tokenizer.SourceIDs) {
		return fmt.Errorf("%w: checkpoint vocabulary differs from the corpus vocabulary", model.ErrCheckpointMismatch)
	}
	if ckpt.Optimizer != nil {
		if err := t.Optimizer.LoadState(ckpt.Optimizer, t.Model.Parameters()); err != nil {
			return err
		}
	}
	if ckpt.History != nil {
		t.History = History{History: *ckpt.History}
	}

	// Draw different batches than the run that wrote the checkpoint.
	t.rng = rand.New(rand.NewPCG(t.Config.Seed, uint64(t.Optimizer.Steps())))

	t.Logger.Info("resumed from checkpoint",
		"step", t.Optimizer.Steps(),
		"epoch", t.History.Epoch,
		"learning_rate", t.Optimizer.LearningRate)
	return nil
}

// Step runs one forward, backward and update on batch and returns the
// training loss and the gradient norm before clipping.
func (t *Trainer) Step(batch data.Batch) (loss, gradNorm float64, err error) {
	logits, trace, err := t.Model.ForwardTrain(batch.Inputs, t.rng)
	if err != nil {
		return 0, 0, err
	}
	loss, dlogits, err := model.CrossEntropy(logits, batch.Targets)
	if err != nil {
		return 0, 0, err
	}
	grads, err := t.Model.Backward(trace, dlogits)
	if err != nil {
		return 0, 0, err
	}
	gradNorm = ClipGradNorm(grads, t.Config.GradClip)
	if err := t.Optimizer.Step(t.Model.Parameters(), grads); err != nil {
		return 0, 0, err
	}
	return loss, gradNorm, nil
}

// Evaluate returns the mean loss over the whole validation set without
// dropout.
func (t *Trainer) Evaluate() (float64, error) {
	batches := t.Val.Batches(t.Config.ValBatchSize)
	losses := make([]float64, 0, len(batches))
	for _, b := range batches {
		logits, err := t.Model.Forward(b.Inputs)
		if err != nil {
			return 0, err
		}
		loss, _, err := model.CrossEntropy(logits, b.Targets)
		if err != nil {
			return 0, err
		}
		losses = append(losses, loss)
	}
	return stat.Mean(losses, nil), nil
}

// Run trains epoch by epoch until the validation loss stops improving, the
// learning rate decays below its minimum, MaxEpochs is reached or ctx is
// cancelled. A checkpoint is written in every case; cancellation is not an
// error.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	t.Logger.Info("training started",
		"parameters", t.Model.ParameterCount(),
		"train_windows", t.Train.Len(),
		"val_windows", t.Val.Len(),
		"batch_size", t.Config.BatchSize,
		"learning_rate", t.Optimizer.LearningRate)

	reason := StopInterrupted
	for {
		if r, done := t.stopReason(); done {
			reason = r
			break
		}
		if err := t.runEpoch(ctx); err != nil {
			if ctx.Err() == nil {
				return t.result(reason, start), err
			}
			t.Logger.Warn("training interrupted", "step", t.Optimizer.Steps())
			break
		}
		t.endEpoch()
	}

	if err := t.Save(); err != nil {
		return t.result(reason, start), err
	}
	t.writeHistory()

	res := t.result(reason, start)
	t.Logger.Info("training finished",
		"reason", res.Reason,
		"steps", res.Steps,
		"val_loss", res.ValLoss,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// stopReason applies the continuation rule: keep going while fewer than two
// evaluations exist, or while the trailing improvement ratio is below
// StopRatio and the learning rate is above its minimum.
func (t *Trainer) stopReason() (StopReason, bool) {
	if t.Config.MaxEpochs > 0 && t.History.Epoch >= t.Config.MaxEpochs {
		return StopMaxEpochs, true
	}
	ratio, ok := t.History.Ratio()
	if !ok {
		return "", false
	}
	if ratio >= t.Config.StopRatio {
		return StopConverged, true
	}
	if t.Optimizer.LearningRate <= t.Config.MinimalLearningRate {
		return StopMinimalRate, true
	}
	return "", false
}

func (t *Trainer) runEpoch(ctx context.Context) error {
	epochStart := time.Now()
	for range t.Config.EpochSteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := t.Train.RandomBatch(t.rng, t.Config.BatchSize)
		loss, norm, err := t.Step(batch)
		if err != nil {
			return fmt.Errorf("step %d: %w", t.Optimizer.Steps()+1, err)
		}
		t.losses = append(t.losses, loss)

		step := t.Optimizer.Steps()
		if step%t.Config.EvalInterval != 0 {
			continue
		}

		valLoss, err := t.Evaluate()
		if err != nil {
			return fmt.Errorf("evaluation at step %d: %w", step, err)
		}
		trainLoss := stat.Mean(t.losses, nil)
		t.losses = t.losses[:0]
		t.History.Record(step, trainLoss, valLoss)

		t.Logger.Info("evaluation",
			"step", step,
			"train_loss", trainLoss,
			"val_loss", valLoss,
			"grad_norm", norm)
	}

	t.History.Epoch++
	t.Logger.Info("epoch finished",
		"epoch", t.History.Epoch,
		"steps", t.Optimizer.Steps(),
		"duration", time.Since(epochStart).Round(time.Millisecond))
	return nil
}

// endEpoch refreshes the plot and history file and decays the learning rate
// when the validation loss has plateaued.
func (t *Trainer) endEpoch() {
	if t.History.Len() < 2 {
		return
	}

	if t.Config.PlotPath != "" {
		if err := PlotLosses(t.Config.PlotPath, &t.History); err != nil {
			t.Logger.Warn("failed to plot losses", "error", err)
		}
	}
	t.writeHistory()

	ratio, _ := t.History.Ratio()
	t.Logger.Info("validation trend",
		"improvement_pct", (1-ratio)*100,
		"window", min(int(float64(t.History.Len())*0.2)+2, t.History.Len()))

	if ratio > t.Config.PlateauRatio {
		t.Optimizer.LearningRate /= t.Config.DecayFactor
		t.Logger.Info("reducing learning rate", "learning_rate", t.Optimizer.LearningRate)
	} else {
		t.Logger.Debug("learning rate kept", "learning_rate", t.Optimizer.LearningRate)
	}
}

func (t *Trainer) writeHistory() {
	if t.Config.HistoryPath == "" || t.History.Len() == 0 {
		return
	}
	if err := t.History.WriteCSV(t.Config.HistoryPath); err != nil {
		t.Logger.Warn("failed to write loss history", "error", err)
	}
}

// Checkpoint snapshots the model, optimizer and history.
func (t *Trainer) Checkpoint() *checkpoint.Checkpoint {
	ckpt := checkpoint.New(t.Model, t.Tokenizer)
	ckpt.Optimizer = t.Optimizer.State()
	h := t.History.History
	ckpt.History = &h
	return ckpt
}

// Save writes a checkpoint to Config.CheckpointPath.
func (t *Trainer) Save() error {
	if err := t.Checkpoint().Save(t.Config.CheckpointPath); err != nil {
		return err
	}
	t.Logger.Info("checkpoint saved", "path", t.Config.CheckpointPath, "step", t.Optimizer.Steps())
	return nil
}

func (t *Trainer) result(reason StopReason, start time.Time) Result {
	res := Result{
		Reason:       reason,
		Epochs:       t.History.Epoch,
		Steps:        t.Optimizer.Steps(),
		LearningRate: t.Optimizer.LearningRate,
		Duration:     time.Since(start),
	}
	if n := t.History.Len(); n > 0 {
		res.TrainLoss = t.History.TrainLoss[n-1]
		res.ValLoss = t.History.ValLoss[n-1]
	}
	return res
}
