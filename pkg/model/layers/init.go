package layers

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"headlinegpt/pkg/tensor"
)

// Initializers draw from gonum distributions through their quantile
// function, fed by the caller's seeded source, so that two models built
// with the same seed have identical parameters.

// NormalInit fills t with samples from N(0, std^2).
func NormalInit(t *tensor.Tensor, std float64, rng *rand.Rand) {
	dist := distuv.Normal{Mu: 0, Sigma: std}
	for i := range t.Data {
		t.Data[i] = float32(dist.Quantile(openUnit(rng)))
	}
}

// XavierUniformInit fills a (fan_in, fan_out) weight with
// U[-limit, limit], limit = sqrt(6 / (fan_in + fan_out)).
func XavierUniformInit(t *tensor.Tensor, rng *rand.Rand) {
	fanIn, fanOut := 1, 1
	if n := len(t.Shape); n >= 2 {
		fanIn, fanOut = t.Shape[n-2], t.Shape[n-1]
	} else if n == 1 {
		fanIn = t.Shape[0]
	}

	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	dist := distuv.Uniform{Min: -limit, Max: limit}
	for i := range t.Data {
		t.Data[i] = float32(dist.Quantile(rng.Float64()))
	}
}

// openUnit draws from (0, 1); the normal quantile is infinite at 0.
func openUnit(rng *rand.Rand) float64 {
	for {
		if u := rng.Float64(); u > 0 {
			return u
		}
	}
}
