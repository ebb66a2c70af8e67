package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"headlinegpt/pkg/checkpoint"
	"headlinegpt/pkg/config"
	"headlinegpt/pkg/data"
	"headlinegpt/pkg/model"
	"headlinegpt/pkg/tokenizer"
	"headlinegpt/pkg/train"
	"headlinegpt/pkg/ui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "JSON configuration file")
	resume := fs.Bool("resume", false, "continue from the checkpoint at train.checkpoint_path")
	verbose := fs.Bool("v", false, "log debug messages")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Fprintln(stdout, ui.Banner("Headline Model Training"))

	lines, err := data.ReadLines(cfg.Data.Path, cfg.Data.Column)
	if err != nil {
		return err
	}
	logger.Info("corpus loaded", "path", cfg.Data.Path, "lines", len(lines))

	enc, err := openEncoder(cfg.Data, lines, logger)
	if err != nil {
		return err
	}

	corpus, err := tokenizer.BuildCorpus(enc, lines)
	if err != nil {
		return err
	}
	stats := data.Describe(corpus.Lengths)
	logger.Info("corpus tokenized",
		"tokens", len(corpus.Stream),
		"vocab_size", corpus.Codec.Vocab.Size(),
		"mean_length", stats.Mean,
		"std_length", stats.StdDev,
		"max_length", stats.Max)
	if stats.Max+1 > cfg.Model.ContextLength {
		logger.Warn("longest line does not fit the context window",
			"max_length", stats.Max, "context_length", cfg.Model.ContextLength)
	}
	if cfg.Data.LengthPlotPath != "" {
		if err := train.PlotLengths(cfg.Data.LengthPlotPath, corpus.Lengths); err != nil {
			logger.Warn("failed to plot line lengths", "error", err)
		}
	}

	cfg.Model.VocabSize = corpus.Codec.Vocab.Size()
	if err := cfg.Model.Validate(); err != nil {
		return err
	}

	trainSet, valSet, err := splitDatasets(corpus, cfg.Data.Split, cfg.Model.ContextLength)
	if err != nil {
		return err
	}

	tok := checkpoint.Tokenizer{Spec: cfg.Data.Tokenizer, SourceIDs: corpus.Codec.Vocab.SourceIDs}

	var (
		m    *model.GPTModel
		ckpt *checkpoint.Checkpoint
	)
	if *resume {
		ckpt, err = checkpoint.Load(cfg.Train.CheckpointPath)
		if err != nil {
			return err
		}
		if err := ckpt.CheckConfig(cfg.Model); err != nil {
			return err
		}
		if m, err = ckpt.Restore(); err != nil {
			return err
		}
	} else {
		if m, err = model.NewGPTModel(cfg.Model, cfg.Train.Seed); err != nil {
			return err
		}
	}

	fmt.Fprint(stdout, ui.Fields(
		ui.Field{Key: "Parameters", Value: m.ParameterCount()},
		ui.Field{Key: "Vocabulary", Value: m.Config.VocabSize},
		ui.Field{Key: "Context length", Value: m.Config.ContextLength},
		ui.Field{Key: "Layers x heads", Value: fmt.Sprintf("%d x %d", m.Config.NumLayers, m.Config.NumHeads)},
		ui.Field{Key: "Train windows", Value: trainSet.Len()},
		ui.Field{Key: "Val windows", Value: valSet.Len()},
	))

	trainer, err := train.NewTrainer(m, cfg.Train, trainSet, valSet, tok, logger)
	if err != nil {
		return err
	}
	if ckpt != nil {
		if err := trainer.Resume(ckpt); err != nil {
			return err
		}
	}

	res, err := trainer.Run(ctx)
	if err != nil {
		return err
	}

	status := ui.OK.Render(string(res.Reason))
	if res.Reason == train.StopInterrupted {
		status = ui.Warn.Render(string(res.Reason))
	}
	fmt.Fprint(stdout, ui.Fields(
		ui.Field{Key: "Stopped", Value: status},
		ui.Field{Key: "Epochs", Value: res.Epochs},
		ui.Field{Key: "Steps", Value: res.Steps},
		ui.Field{Key: "Train loss", Value: fmt.Sprintf("%.4f", res.TrainLoss)},
		ui.Field{Key: "Val loss", Value: fmt.Sprintf("%.4f", res.ValLoss)},
		ui.Field{Key: "Learning rate", Value: fmt.Sprintf("%.4g", res.LearningRate)},
		ui.Field{Key: "Checkpoint", Value: cfg.Train.CheckpointPath},
		ui.Field{Key: "Duration", Value: res.Duration.Round(time.Millisecond)},
	))
	return nil
}

// openEncoder opens the configured source encoder. A bpe backend whose
// ranks file does not exist yet is trained on the corpus and saved there.
func openEncoder(d config.Data, lines []string, logger *slog.Logger) (tokenizer.Encoder, error) {
	if d.Tokenizer.Backend == tokenizer.BackendBPE && d.Tokenizer.Path != "" && d.BPEMerges > 0 {
		if _, err := os.Stat(d.Tokenizer.Path); errors.Is(err, os.ErrNotExist) {
			logger.Info("training BPE tokenizer", "merges", d.BPEMerges)
			bpe, err := tokenizer.TrainBPE(lines, d.BPEMerges)
			if err != nil {
				return nil, err
			}
			if err := bpe.Save(d.Tokenizer.Path); err != nil {
				return nil, err
			}
			logger.Info("BPE tokenizer saved", "path", d.Tokenizer.Path, "tokens", bpe.Size())
		}
	}

	enc, err := tokenizer.Open(d.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s tokenizer: %w", d.Tokenizer.Backend, err)
	}
	return enc, nil
}

// splitDatasets splits the token stream and builds line-aligned windows of
// the context length over each part.
func splitDatasets(corpus *tokenizer.Corpus, split float64, contextLength int) (trainSet, valSet *data.BlockDataset, err error) {
	trainIDs, valIDs, err := data.Split(corpus.Stream, split)
	if err != nil {
		return nil, nil, err
	}
	eos := corpus.Codec.EOS()
	if trainSet, err = data.NewBlockDataset(trainIDs, contextLength, eos); err != nil {
		return nil, nil, fmt.Errorf("training set: %w", err)
	}
	if valSet, err = data.NewBlockDataset(valIDs, contextLength, eos); err != nil {
		return nil, nil, fmt.Errorf("validation set: %w", err)
	}
	return trainSet, valSet, nil
}
