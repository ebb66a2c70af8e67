package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"headlinegpt/pkg/checkpoint"
	"headlinegpt/pkg/model"
	"headlinegpt/pkg/ui"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ckptPath := fs.String("checkpoint", "checkpoint.json", "trained model checkpoint")
	prompt := fs.String("prompt", "", "text to continue (empty starts a new headline)")
	defaults := model.DefaultGenerateOptions()
	maxTokens := fs.Int("max-tokens", defaults.MaxNewTokens, "maximum number of tokens to generate")
	temperature := fs.Float64("temperature", 1.0, "sampling temperature (> 0)")
	topP := fs.Float64("top-p", 1.0, "nucleus sampling threshold in (0, 1]")
	seed := fs.Uint64("seed", 1337, "random seed; sample i uses seed+i")
	stopAtEOS := fs.Bool("eos", true, "stop each sample at the end-of-headline token")
	useCache := fs.Bool("cache", false, "reuse attention keys and values between steps")
	greedy := fs.Bool("greedy", false, "always pick the most likely token")
	samples := fs.Int("n", 1, "number of samples")
	verbose := fs.Bool("v", false, "log debug messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *samples < 1 {
		return fmt.Errorf("%w: -n must be at least 1, got %d", model.ErrConfiguration, *samples)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ckpt, err := checkpoint.Load(*ckptPath)
	if err != nil {
		return err
	}
	m, err := ckpt.Restore()
	if err != nil {
		return err
	}
	codec, err := ckpt.Codec()
	if err != nil {
		return err
	}
	logger.Info("model loaded",
		"checkpoint", *ckptPath,
		"parameters", m.ParameterCount(),
		"vocab_size", m.Config.VocabSize,
		"context_length", m.Config.ContextLength)

	ids, err := codec.Encode(*prompt)
	if err != nil {
		return fmt.Errorf("failed to encode prompt: %w", err)
	}

	eos := codec.EOS()
	opts := defaults
	opts.MaxNewTokens = *maxTokens
	opts.Temperature = *temperature
	opts.TopP = *topP
	opts.UseCache = *useCache
	opts.StartID = max(eos, 0)
	if *stopAtEOS && eos >= 0 {
		opts.StopAtEOS = true
		opts.EOSID = eos
	}

	if *useCache {
		logger.Debug("attention cache", "bytes", m.NewCache(1).SizeBytes())
	}

	fmt.Fprintln(stdout, ui.Banner("Headline Generation"))
	if *prompt != "" {
		fmt.Fprintln(stdout, ui.Dim.Render("prompt: "+*prompt))
	}

	start := time.Now()
	rows := make([][]string, 0, *samples)
	for i := range *samples {
		var out []int
		if *greedy {
			out, err = model.GenerateGreedy(m, ids, opts)
		} else {
			opts.Seed = *seed + uint64(i)
			out, err = model.Generate(m, ids, opts)
		}
		if err != nil {
			return fmt.Errorf("sample %d: %w", i+1, err)
		}
		logger.Debug("sample generated", "sample", i+1, "tokens", len(out)-len(ids))
		text := strings.TrimRight(codec.Decode(out, true), "\n")
		rows = append(rows, []string{strconv.Itoa(i + 1), text})
	}

	fmt.Fprintln(stdout, ui.Table([]string{"#", "headline"}, rows))
	logger.Debug("generation finished", "samples", *samples, "duration", time.Since(start))
	return nil
}
