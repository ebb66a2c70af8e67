package train

import (
	"fmt"
	"math"

	"headlinegpt/pkg/checkpoint"
	"headlinegpt/pkg/model"
	"headlinegpt/pkg/tensor"
)

// AdamW is Adam with bias correction and decoupled weight decay. Moment
// estimates are kept per parameter name so the state can be checkpointed.
type AdamW struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Eps          float64
	WeightDecay  float64

	step int
	m    map[string]*tensor.Tensor
	v    map[string]*tensor.Tensor
}

// NewAdamW creates an optimizer with empty moment estimates.
func NewAdamW(lr, beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{
		LearningRate: lr,
		Beta1:        beta1,
		Beta2:        beta2,
		Eps:          eps,
		WeightDecay:  weightDecay,
		m:            make(map[string]*tensor.Tensor),
		v:            make(map[string]*tensor.Tensor),
	}
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int {
	return o.step
}

// Step updates every parameter in place:
//
//	p -= lr * wd * p
//	p -= lr * mhat / (sqrt(vhat) + eps)
//
// Every parameter needs a gradient of its shape.
func (o *AdamW) Step(params []model.NamedParameter, grads model.Gradients) error {
	for _, p := range params {
		g, ok := grads[p.Name]
		if !ok {
			return fmt.Errorf("no gradient for %q", p.Name)
		}
		if !g.ShapeEquals(p.Tensor) {
			return fmt.Errorf("gradient for %q has shape %v, expected %v", p.Name, g.Shape, p.Tensor.Shape)
		}
	}

	o.step++
	c1 := 1 / (1 - math.Pow(o.Beta1, float64(o.step)))
	c2 := 1 / (1 - math.Pow(o.Beta2, float64(o.step)))
	decay := 1 - o.LearningRate*o.WeightDecay

	for _, p := range params {
		m, v := o.moments(p)
		g := grads[p.Name].Data
		w := p.Tensor.Data

		for i := range w {
			gi := float64(g[i])
			mi := o.Beta1*float64(m.Data[i]) + (1-o.Beta1)*gi
			vi := o.Beta2*float64(v.Data[i]) + (1-o.Beta2)*gi*gi
			m.Data[i], v.Data[i] = float32(mi), float32(vi)

			wi := float64(w[i]) * decay
			w[i] = float32(wi - o.LearningRate*(mi*c1)/(math.Sqrt(vi*c2)+o.Eps))
		}
	}
	return nil
}

func (o *AdamW) moments(p model.NamedParameter) (m, v *tensor.Tensor) {
	m, ok := o.m[p.Name]
	if !ok {
		m = tensor.ZerosLike(p.Tensor)
		o.m[p.Name] = m
	}
	v, ok = o.v[p.Name]
	if !ok {
		v = tensor.ZerosLike(p.Tensor)
		o.v[p.Name] = v
	}
	return m, v
}

// State snapshots the optimizer for a checkpoint.
func (o *AdamW) State() *checkpoint.OptimizerState {
	s := &checkpoint.OptimizerState{
		Step:         o.step,
		LearningRate: o.LearningRate,
		M:            make(map[string]checkpoint.TensorState, len(o.m)),
		V:            make(map[string]checkpoint.TensorState, len(o.v)),
	}
	for name, t := range o.m {
		s.M[name] = checkpoint.FromTensor(t)
	}
	for name, t := range o.v {
		s.V[name] = checkpoint.FromTensor(t)
	}
	return s
}

// LoadState restores a snapshot taken from an optimizer over the same
// parameters. Moments for unknown names or of the wrong shape fail with
// model.ErrCheckpointMismatch.
func (o *AdamW) LoadState(s *checkpoint.OptimizerState, params []model.NamedParameter) error {
	shapes := make(map[string][]int, len(params))
	for _, p := range params {
		shapes[p.Name] = p.Tensor.Shape
	}

	restore := func(src map[string]checkpoint.TensorState) (map[string]*tensor.Tensor, error) {
		dst := make(map[string]*tensor.Tensor, len(src))
		for name, ts := range src {
			shape, ok := shapes[name]
			if !ok {
				return nil, fmt.Errorf("%w: optimizer state for unknown parameter %q", model.ErrCheckpointMismatch, name)
			}
			t, err := ts.Tensor()
			if err != nil {
				return nil, fmt.Errorf("optimizer state %q: %w", name, err)
			}
			if !tensor.SameShape(t.Shape, shape) {
				return nil, fmt.Errorf("%w: optimizer state %q has shape %v, expected %v",
					model.ErrCheckpointMismatch, name, t.Shape, shape)
			}
			dst[name] = t
		}
		return dst, nil
	}

	m, err := restore(s.M)
	if err != nil {
		return err
	}
	v, err := restore(s.V)
	if err != nil {
		return err
	}

	o.step, o.LearningRate, o.m, o.v = s.Step, s.LearningRate, m, v
	return nil
}

// ClipGradNorm scales all gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGradNorm(grads model.Gradients, maxNorm float64) float64 {
	sum := 0.0
	for _, g := range grads {
		for _, x := range g.Data {
			sum += float64(x) * float64(x)
		}
	}
	norm := math.Sqrt(sum)

	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, g := range grads {
			for i := range g.Data {
				g.Data[i] *= scale
			}
		}
	}
	return norm
}
