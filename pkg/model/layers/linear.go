package layers

import (
	"fmt"

	"headlinegpt/pkg/tensor"
)

// LinearBackward computes the gradients of y = x @ w.
//
// x is (..., in), w is (in, out) and dout is (..., out). The leading
// dimensions of x are flattened so the weight gradient is a single
// (in, out) product: dw = x^T @ dout, dx = dout @ w^T.
func LinearBackward(x, w, dout *tensor.Tensor) (dx, dw *tensor.Tensor, err error) {
	if len(w.Shape) != 2 {
		return nil, nil, fmt.Errorf("expected 2D weight, got shape %v", w.Shape)
	}
	in, out := w.Shape[0], w.Shape[1]
	if x.Shape[len(x.Shape)-1] != in || dout.Shape[len(dout.Shape)-1] != out {
		return nil, nil, fmt.Errorf("linear backward shapes don't line up: x %v, w %v, dout %v",
			x.Shape, w.Shape, dout.Shape)
	}

	rows := len(x.Data) / in
	if len(dout.Data)/out != rows {
		return nil, nil, fmt.Errorf("x %v and dout %v disagree on leading dimensions", x.Shape, dout.Shape)
	}

	x2, err := x.View([]int{rows, in})
	if err != nil {
		return nil, nil, err
	}
	d2, err := dout.View([]int{rows, out})
	if err != nil {
		return nil, nil, err
	}

	dw, err = tensor.MatmulT(x2, d2, true, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute weight gradient: %w", err)
	}

	dx, err = tensor.MatmulT(dout, w, false, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute input gradient: %w", err)
	}

	return dx, dw, nil
}
