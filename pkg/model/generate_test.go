package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

func TestArgmax(t *testing.T) {
	tests := []struct {
		name     string
		logits   []float32
		expected int
	}{
		{"first", []float32{5, 1, 2}, 0},
		{"last", []float32{1, 2, 9}, 2},
		{"negative", []float32{-3, -1, -2}, 1},
		{"tie takes lowest index", []float32{1, 4, 4, 0}, 1},
		{"single", []float32{0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Argmax(tt.logits); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestNewSampler_Validation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))

	tests := []struct {
		name        string
		temperature float64
		topP        float64
		rng         *rand.Rand
		valid       bool
	}{
		{"defaults", 1, 1, rng, true},
		{"sharp", 0.1, 0.9, rng, true},
		{"zero temperature", 0, 1, rng, false},
		{"negative temperature", -1, 1, rng, false},
		{"NaN temperature", math.NaN(), 1, rng, false},
		{"infinite temperature", math.Inf(1), 1, rng, false},
		{"zero top_p", 1, 0, rng, false},
		{"top_p above one", 1, 1.5, rng, false},
		{"NaN top_p", 1, math.NaN(), rng, false},
		{"no random source", 1, 1, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSampler(tt.temperature, tt.topP, tt.rng)
			if tt.valid && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func newTestSampler(t *testing.T, temperature, topP float64) *Sampler {
	t.Helper()
	s, err := NewSampler(temperature, topP, rand.New(rand.NewPCG(7, 7)))
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}
	return s
}

func logitsOf(probs ...float64) []float32 {
	logits := make([]float32, len(probs))
	for i, p := range probs {
		logits[i] = float32(math.Log(p))
	}
	return logits
}

func TestSampler_Distribution(t *testing.T) {
	logits := []float32{2.5, -1, 0, 3, 0.5, -4}

	for _, topP := range []float64{1, 0.9, 0.5, 0.01} {
		probs, err := newTestSampler(t, 0.8, topP).Distribution(logits)
		if err != nil {
			t.Fatalf("Distribution failed: %v", err)
		}

		sum := 0.0
		for i, p := range probs {
			if p < 0 {
				t.Errorf("top_p %v: negative probability %g at %d", topP, p, i)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("top_p %v: probabilities sum to %g", topP, sum)
		}
	}

	// Large logits must not overflow.
	probs, err := newTestSampler(t, 1, 1).Distribution([]float32{1e30, 0, -1e30})
	if err != nil {
		t.Fatalf("Distribution failed: %v", err)
	}
	if probs[0] != 1 {
		t.Errorf("Expected all mass on the largest logit, got %v", probs)
	}
}

func TestSampler_Temperature(t *testing.T) {
	logits := []float32{1, 2, 3, 0.5}

	peak := func(temperature float64) float64 {
		probs, err := newTestSampler(t, temperature, 1).Distribution(logits)
		if err != nil {
			t.Fatalf("Distribution failed: %v", err)
		}
		return probs[2]
	}

	cold, neutral, hot := peak(0.5), peak(1), peak(2)
	if !(cold > neutral && neutral > hot) {
		t.Errorf("Expected lower temperature to sharpen: cold %g, neutral %g, hot %g", cold, neutral, hot)
	}
}

func TestSampler_Nucleus(t *testing.T) {
	logits := logitsOf(0.5, 0.2, 0.15, 0.1, 0.05)

	tests := []struct {
		name string
		topP float64
		kept []int
	}{
		// The token that crosses the threshold is kept.
		{"crossing token kept", 0.45, []int{0}},
		{"two tokens", 0.6, []int{0, 1}},
		{"three tokens", 0.8, []int{0, 1, 2}},
		{"no truncation", 1, []int{0, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probs, err := newTestSampler(t, 1, tt.topP).Distribution(logits)
			if err != nil {
				t.Fatalf("Distribution failed: %v", err)
			}

			var kept []int
			for i, p := range probs {
				if p > 0 {
					kept = append(kept, i)
				}
			}
			if !slices.Equal(kept, tt.kept) {
				t.Errorf("Expected nucleus %v, got %v (probs %v)", tt.kept, kept, probs)
			}
		})
	}
}

func TestSampler_NucleusTies(t *testing.T) {
	probs, err := newTestSampler(t, 1, 0.5).Distribution([]float32{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("Distribution failed: %v", err)
	}
	expected := []float64{0.5, 0.5, 0, 0}
	if !slices.Equal(probs, expected) {
		t.Errorf("Expected ties broken by token id %v, got %v", expected, probs)
	}
}

func TestSampler_SamplesStayInNucleus(t *testing.T) {
	s := newTestSampler(t, 1, 0.8)
	logits := logitsOf(0.5, 0.2, 0.15, 0.1, 0.05)

	counts := make([]int, len(logits))
	for i := 0; i < 2000; i++ {
		id, err := s.Sample(logits)
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		counts[id]++
	}

	if counts[3] != 0 || counts[4] != 0 {
		t.Errorf("Sampled tokens outside the nucleus: %v", counts)
	}
	if counts[0] <= counts[1] || counts[1] == 0 || counts[2] == 0 {
		t.Errorf("Unexpected sample counts %v", counts)
	}
}

func TestSampler_NonFinite(t *testing.T) {
	s := newTestSampler(t, 1, 1)
	for _, logits := range [][]float32{
		{1, float32(math.NaN())},
		{float32(math.Inf(1)), 0},
		{0, float32(math.Inf(-1))},
	} {
		if _, err := s.Sample(logits); !errors.Is(err, ErrNumericInstability) {
			t.Errorf("%v: expected ErrNumericInstability, got %v", logits, err)
		}
	}
}

func TestDrawCategorical(t *testing.T) {
	probs := []float64{0, 0.5, 0, 0.5}

	tests := []struct {
		u        float64
		expected int
	}{
		{0, 1},
		{0.49, 1},
		{0.5, 3},
		{0.9999999, 3},
	}

	for _, tt := range tests {
		if got := drawCategorical(probs, tt.u); got != tt.expected {
			t.Errorf("u=%v: expected %d, got %d", tt.u, tt.expected, got)
		}
	}
}

func TestGenerate_Scenario(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 42)

	opts := DefaultGenerateOptions()
	opts.MaxNewTokens = 5
	opts.Seed = 42

	first, err := Generate(m, []int{3, 7}, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(first) != 7 {
		t.Fatalf("Expected 7 tokens, got %d: %v", len(first), first)
	}
	if first[0] != 3 || first[1] != 7 {
		t.Errorf("Output must start with the prompt, got %v", first)
	}
	for _, id := range first {
		if id < 0 || id >= 50 {
			t.Errorf("token %d out of range", id)
		}
	}

	// Same seed and parameters give the same sequence, also on a fresh model.
	again, err := Generate(newTestModel(t, exampleConfig(), 42), []int{3, 7}, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !slices.Equal(first, again) {
		t.Errorf("Generation is not reproducible: %v vs %v", first, again)
	}
}

func TestGenerate_Lengths(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 1)

	tests := []struct {
		name     string
		prompt   []int
		maxNew   int
		expected int
	}{
		{"zero new tokens", []int{4, 5, 6}, 0, 3},
		{"empty prompt", nil, 4, 4},
		{"fills context", []int{1, 2}, 6, 8},
		// Past the context length the window slides.
		{"slides past context", sequence(8, 50, 3), 10, 18},
		{"empty prompt past context", nil, 12, 12},
	}

	for _, tt := range tests {
		for _, useCache := range []bool{false, true} {
			opts := DefaultGenerateOptions()
			opts.MaxNewTokens = tt.maxNew
			opts.UseCache = useCache

			out, err := Generate(m, tt.prompt, opts)
			if err != nil {
				t.Fatalf("%s (cache %v): Generate failed: %v", tt.name, useCache, err)
			}
			if len(out) != tt.expected {
				t.Errorf("%s (cache %v): expected %d tokens, got %d", tt.name, useCache, tt.expected, len(out))
			}
			if !slices.Equal(out[:len(tt.prompt)], tt.prompt) {
				t.Errorf("%s: prompt not preserved", tt.name)
			}
		}
	}
}

func TestGenerate_DoesNotAliasPrompt(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 1)
	prompt := []int{1, 2, 3}

	opts := DefaultGenerateOptions()
	opts.MaxNewTokens = 0
	out, err := Generate(m, prompt, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	out[0] = 49
	if prompt[0] != 1 {
		t.Error("Generate returned a slice sharing memory with the prompt")
	}
}

func TestGenerate_CacheMatchesFullWindow(t *testing.T) {
	for _, positional := range []string{PositionalLearned, PositionalRoPE} {
		config := exampleConfig()
		config.Positional = positional
		m := newTestModel(t, config, 5)

		opts := DefaultGenerateOptions()
		opts.MaxNewTokens = 12
		opts.Seed = 9

		plain, err := Generate(m, []int{3, 7}, opts)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		opts.UseCache = true
		cached, err := Generate(m, []int{3, 7}, opts)
		if err != nil {
			t.Fatalf("Generate with cache failed: %v", err)
		}

		if !slices.Equal(plain, cached) {
			t.Errorf("%s: cached generation %v differs from %v", positional, cached, plain)
		}
	}
}

// forceToken makes every position predict id with near certainty.
func forceToken(m *GPTModel, id int) {
	for i := range m.FinalNorm.Scale.Data {
		m.FinalNorm.Scale.Data[i] = 0
		m.FinalNorm.Shift.Data[i] = 1
	}
	vocab := m.Config.VocabSize
	for i := range m.OutHead.Data {
		m.OutHead.Data[i] = 0
		if i%vocab == id {
			m.OutHead.Data[i] = 10
		}
	}
}

func TestGenerate_StopAtEOS(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 1)
	forceToken(m, 5)

	opts := DefaultGenerateOptions()
	opts.MaxNewTokens = 6
	opts.EOSID = 5

	out, err := Generate(m, []int{1, 2}, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !slices.Equal(out, []int{1, 2, 5, 5, 5, 5, 5, 5}) {
		t.Errorf("Without StopAtEOS generation should run to the end, got %v", out)
	}

	opts.StopAtEOS = true
	out, err = Generate(m, []int{1, 2}, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !slices.Equal(out, []int{1, 2, 5}) {
		t.Errorf("Expected generation to stop after EOS, got %v", out)
	}
}

func TestGenerate_Errors(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 1)

	tests := []struct {
		name   string
		prompt []int
		modify func(*GenerateOptions)
		want   error
	}{
		{"zero temperature", []int{1}, func(o *GenerateOptions) { o.Temperature = 0 }, ErrConfiguration},
		{"zero top_p", []int{1}, func(o *GenerateOptions) { o.TopP = 0 }, ErrConfiguration},
		{"top_p above one", []int{1}, func(o *GenerateOptions) { o.TopP = 1.01 }, ErrConfiguration},
		{"negative max tokens", []int{1}, func(o *GenerateOptions) { o.MaxNewTokens = -1 }, ErrConfiguration},
		{"prompt id out of range", []int{1, 50}, func(o *GenerateOptions) {}, ErrVocabularyRange},
		{"negative prompt id", []int{-2}, func(o *GenerateOptions) {}, ErrVocabularyRange},
		{"start id out of range", nil, func(o *GenerateOptions) { o.StartID = 99 }, ErrVocabularyRange},
		{"eos out of range", []int{1}, func(o *GenerateOptions) { o.StopAtEOS = true; o.EOSID = 50 }, ErrVocabularyRange},
		{"prompt too long", sequence(9, 50, 0), func(o *GenerateOptions) {}, ErrSequenceLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultGenerateOptions()
			tt.modify(&opts)

			out, err := Generate(m, tt.prompt, opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if out != nil {
				t.Errorf("No output expected on error, got %v", out)
			}
		})
	}
}

func greedyOptions(maxNew int) GenerateOptions {
	opts := DefaultGenerateOptions()
	opts.MaxNewTokens = maxNew
	return opts
}

func TestGenerateGreedy(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 3)

	a, err := GenerateGreedy(m, []int{3, 7}, greedyOptions(10))
	if err != nil {
		t.Fatalf("GenerateGreedy failed: %v", err)
	}
	b, err := GenerateGreedy(m, []int{3, 7}, greedyOptions(10))
	if err != nil {
		t.Fatalf("GenerateGreedy failed: %v", err)
	}
	if len(a) != 12 || !slices.Equal(a, b) {
		t.Errorf("Greedy decoding should be deterministic with 12 tokens, got %v and %v", a, b)
	}

	// Each greedy token is the arg-max of the logits for its prefix.
	logits, err := m.Forward([][]int{a[:8]})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	vocab := m.Config.VocabSize
	for s := 1; s < 7; s++ {
		if want := Argmax(logits.Data[s*vocab : (s+1)*vocab]); a[s+1] != want {
			t.Errorf("position %d: greedy chose %d, arg-max is %d", s+1, a[s+1], want)
		}
	}

	cachedOpts := greedyOptions(10)
	cachedOpts.UseCache = true
	cached, err := GenerateGreedy(m, []int{3, 7}, cachedOpts)
	if err != nil {
		t.Fatalf("GenerateGreedy with cache failed: %v", err)
	}
	if !slices.Equal(a, cached) {
		t.Errorf("Cached greedy decoding %v differs from %v", cached, a)
	}

	forceToken(m, 8)
	out, err := GenerateGreedy(m, []int{1}, greedyOptions(3))
	if err != nil {
		t.Fatalf("GenerateGreedy failed: %v", err)
	}
	if !slices.Equal(out, []int{1, 8, 8, 8}) {
		t.Errorf("Expected forced token, got %v", out)
	}
}

func TestGenerateGreedy_EmptyPromptUsesStartID(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 3)

	for _, start := range []int{0, 5, 49} {
		opts := greedyOptions(6)
		opts.StartID = start

		fromEmpty, err := GenerateGreedy(m, nil, opts)
		if err != nil {
			t.Fatalf("start %d: GenerateGreedy failed: %v", start, err)
		}
		fromStart, err := GenerateGreedy(m, []int{start}, opts)
		if err != nil {
			t.Fatalf("start %d: GenerateGreedy failed: %v", start, err)
		}
		if !slices.Equal(fromEmpty, fromStart[1:]) {
			t.Errorf("start %d: empty prompt gave %v, expected %v", start, fromEmpty, fromStart[1:])
		}
	}

	if _, err := GenerateGreedy(m, nil, GenerateOptions{StartID: 50}); !errors.Is(err, ErrVocabularyRange) {
		t.Errorf("Expected ErrVocabularyRange for start id 50, got %v", err)
	}
}

func TestGenerateGreedy_StopAtEOS(t *testing.T) {
	m := newTestModel(t, exampleConfig(), 1)
	forceToken(m, 5)

	opts := greedyOptions(6)
	opts.EOSID = 5
	out, err := GenerateGreedy(m, []int{1, 2}, opts)
	if err != nil {
		t.Fatalf("GenerateGreedy failed: %v", err)
	}
	if !slices.Equal(out, []int{1, 2, 5, 5, 5, 5, 5, 5}) {
		t.Errorf("Without StopAtEOS greedy decoding should run to the end, got %v", out)
	}

	opts.StopAtEOS = true
	out, err = GenerateGreedy(m, []int{1, 2}, opts)
	if err != nil {
		t.Fatalf("GenerateGreedy failed: %v", err)
	}
	if !slices.Equal(out, []int{1, 2, 5}) {
		t.Errorf("Expected greedy decoding to stop after EOS, got %v", out)
	}
}

func BenchmarkGenerate(b *testing.B) {
	m := newTestModel(b, exampleConfig(), 1)
	opts := DefaultGenerateOptions()
	opts.MaxNewTokens = 16
	opts.UseCache = true

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Generate(m, []int{3, 7}, opts); err != nil {
			b.Fatal(err)
		}
	}
}
