package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"headlinegpt/pkg/checkpoint"
	"headlinegpt/pkg/config"
	"headlinegpt/pkg/model"
	"headlinegpt/pkg/tokenizer"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()

	corpus := strings.Repeat("rates rise\nrates fall\nrain falls\n", 20)
	dataPath := filepath.Join(dir, "headlines.txt")
	if err := os.WriteFile(dataPath, []byte(corpus), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Model = model.Config{
		ContextLength:        12,
		EmbeddingDim:         8,
		NumLayers:            1,
		NumHeads:             2,
		FeedForwardExpansion: 2,
	}
	cfg.Data.Path = dataPath
	cfg.Data.Split = 0.8
	cfg.Data.Tokenizer = tokenizer.Spec{Backend: tokenizer.BackendByte}
	cfg.Data.LengthPlotPath = filepath.Join(dir, "lengths.png")
	cfg.Train.BatchSize = 2
	cfg.Train.EvalInterval = 2
	cfg.Train.EpochSteps = 4
	cfg.Train.ValBatchSize = 8
	cfg.Train.MaxEpochs = 1
	cfg.Train.LearningRate = 1e-2
	cfg.Train.PlateauRatio = 100
	cfg.Train.StopRatio = 100
	cfg.Train.CheckpointPath = filepath.Join(dir, "checkpoint.json")
	cfg.Train.PlotPath = filepath.Join(dir, "loss.png")
	cfg.Train.HistoryPath = filepath.Join(dir, "history.csv")

	path := filepath.Join(dir, "config.json")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-config", configPath}, &stdout, &stderr); err != nil {
		t.Fatalf("run failed: %v\n%s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "max_epochs") {
		t.Errorf("Summary missing stop reason:\n%s", stdout.String())
	}

	ckpt, err := checkpoint.Load(filepath.Join(dir, "checkpoint.json"))
	if err != nil {
		t.Fatalf("Checkpoint not written: %v", err)
	}
	if ckpt.Optimizer == nil || ckpt.Optimizer.Step != 4 {
		t.Errorf("Unexpected optimizer state %+v", ckpt.Optimizer)
	}
	if _, err := os.Stat(filepath.Join(dir, "lengths.png")); err != nil {
		t.Errorf("Length histogram not written: %v", err)
	}

	// Resuming with a higher epoch cap continues from step 4.
	stdout.Reset()
	err = run(context.Background(), []string{"-config", configPath, "-resume", "-max-epochs", "2"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("resumed run failed: %v\n%s", err, stderr.String())
	}
	ckpt, err = checkpoint.Load(filepath.Join(dir, "checkpoint.json"))
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.Optimizer.Step != 8 || ckpt.History.Epoch != 2 {
		t.Errorf("Resume did not continue: step %d epoch %d", ckpt.Optimizer.Step, ckpt.History.Epoch)
	}
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir)

	tests := []struct {
		name string
		args []string
	}{
		{"missing config", []string{"-config", filepath.Join(dir, "nope.json")}},
		{"bad override", []string{"-config", configPath, "-batch-size", "x"}},
		{"bad split", []string{"-config", configPath, "-split", "1.5"}},
		{"heads do not divide width", []string{"-config", configPath, "-heads", "3"}},
		{"resume without checkpoint", []string{"-config", configPath, "-resume", "-checkpoint", filepath.Join(dir, "none.json")}},
		{"unknown flag", []string{"-bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if err := run(context.Background(), tt.args, &stdout, &stderr); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
