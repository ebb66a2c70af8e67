// Package config loads the training configuration: a JSON file with model,
// train and data sections laid over the defaults, then command-line
// overrides for the settings most often tuned per run.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"

	"headlinegpt/pkg/data"
	"headlinegpt/pkg/model"
	"headlinegpt/pkg/tokenizer"
	"headlinegpt/pkg/train"
)

// Data describes the corpus and how it is tokenized.
type Data struct {
	// Path is a CSV file (read from Column) or a plain text file with one
	// line per sample.
	Path   string `json:"path"`
	Column string `json:"column,omitempty"`

	// Split is the fraction of the token stream used for training.
	Split float64 `json:"split"`

	Tokenizer tokenizer.Spec `json:"tokenizer"`

	// BPEMerges trains a BPE tokenizer on the corpus when the bpe backend
	// is selected and Tokenizer.Path does not exist yet.
	BPEMerges int `json:"bpe_merges,omitempty"`

	// LengthPlotPath, when set, receives a histogram of line lengths.
	LengthPlotPath string `json:"length_plot_path,omitempty"`
}

// File is the whole configuration document.
type File struct {
	Model model.Config `json:"model"`
	Train train.Config `json:"train"`
	Data  Data         `json:"data"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Model: model.DefaultConfig(),
		Train: train.DefaultConfig(),
		Data: Data{
			Column:    data.DefaultColumn,
			Split:     0.9,
			Tokenizer: tokenizer.Spec{Backend: tokenizer.BackendTiktoken},
			BPEMerges: 2000,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected so typos do
// not silently fall back to defaults. An empty path returns the defaults.
func Load(path string) (*File, error) {
	f := Default()
	if path == "" {
		return f, nil
	}

	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer r.Close()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", model.ErrConfiguration, path, err)
	}
	return f, nil
}

// Validate checks the train and data sections. The model section is
// validated once the corpus has fixed vocab_size.
func (f *File) Validate() error {
	if err := f.Train.Validate(); err != nil {
		return err
	}
	switch {
	case f.Data.Path == "":
		return fmt.Errorf("%w: data.path is required", model.ErrConfiguration)
	case !(f.Data.Split > 0 && f.Data.Split < 1):
		return fmt.Errorf("%w: data.split must be in (0, 1), got %v", model.ErrConfiguration, f.Data.Split)
	case f.Data.BPEMerges < 0:
		return fmt.Errorf("%w: data.bpe_merges must not be negative", model.ErrConfiguration)
	}
	return nil
}

// Save writes f as indented JSON.
func (f *File) Save(path string) error {
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

type override struct {
	usage string
	set   func(f *File, v string) error
}

var overrides = map[string]override{
	"data":      {"corpus file (CSV or text)", func(f *File, v string) error { f.Data.Path = v; return nil }},
	"column":    {"CSV column holding the text", func(f *File, v string) error { f.Data.Column = v; return nil }},
	"tokenizer": {"tokenizer backend: tiktoken, bpe, huggingface or byte", func(f *File, v string) error { f.Data.Tokenizer.Backend = v; return nil }},
	"tokenizer-path": {"BPE ranks file or tokenizer.json", func(f *File, v string) error {
		f.Data.Tokenizer.Path = v
		return nil
	}},
	"split":          {"training fraction of the token stream", floatSetter(func(f *File) *float64 { return &f.Data.Split })},
	"batch-size":     {"training batch size", intSetter(func(f *File) *int { return &f.Train.BatchSize })},
	"learning-rate":  {"initial learning rate", floatSetter(func(f *File) *float64 { return &f.Train.LearningRate })},
	"eval-interval":  {"steps between evaluations", intSetter(func(f *File) *int { return &f.Train.EvalInterval })},
	"epoch-steps":    {"steps per epoch", intSetter(func(f *File) *int { return &f.Train.EpochSteps })},
	"max-epochs":     {"stop after this many epochs (0 = no limit)", intSetter(func(f *File) *int { return &f.Train.MaxEpochs })},
	"checkpoint":     {"checkpoint output path", func(f *File, v string) error { f.Train.CheckpointPath = v; return nil }},
	"context-length": {"model context length", intSetter(func(f *File) *int { return &f.Model.ContextLength })},
	"embedding-dim":  {"model width", intSetter(func(f *File) *int { return &f.Model.EmbeddingDim })},
	"layers":         {"number of transformer blocks", intSetter(func(f *File) *int { return &f.Model.NumLayers })},
	"heads":          {"attention heads per block", intSetter(func(f *File) *int { return &f.Model.NumHeads })},
	"seed": {"random seed for batches and initialization", func(f *File, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		f.Train.Seed = n
		return nil
	}},
}

func intSetter(field func(*File) *int) func(*File, string) error {
	return func(f *File, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(f) = n
		return nil
	}
}

func floatSetter(field func(*File) *float64) func(*File, string) error {
	return func(f *File, v string) error {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(f) = x
		return nil
	}
}

// RegisterFlags adds one override flag per tunable setting to fs. Flags
// left unset do not touch the loaded file.
func RegisterFlags(fs *flag.FlagSet) {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fs.String(name, "", overrides[name].usage)
	}
}

// ApplyFlags copies every override flag that was set on fs into f.
func (f *File) ApplyFlags(fs *flag.FlagSet) error {
	var errs []error
	fs.Visit(func(fl *flag.Flag) {
		o, ok := overrides[fl.Name]
		if !ok {
			return
		}
		if err := o.set(f, fl.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("%w: -%s: %v", model.ErrConfiguration, fl.Name, err))
		}
	})
	return errors.Join(errs...)
}
