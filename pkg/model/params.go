package model

import (
	"fmt"

	"headlinegpt/pkg/model/attention"
	"headlinegpt/pkg/tensor"
)

// NamedParameter pairs a parameter tensor with its stable checkpoint name.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Gradients maps parameter names to gradients of the same shape.
type Gradients map[string]*tensor.Tensor

// Parameters returns every trainable tensor in a fixed order. The tensors are
// the model's own storage; the optimizer updates them in place.
func (m *GPTModel) Parameters() []NamedParameter {
	params := []NamedParameter{{"tok_emb", m.TokEmb}}
	if m.PosEmb != nil {
		params = append(params, NamedParameter{"pos_emb", m.PosEmb})
	}

	for i, b := range m.Blocks {
		params = append(params,
			NamedParameter{blockParam(i, "norm1.scale"), b.Norm1.Scale},
			NamedParameter{blockParam(i, "norm1.shift"), b.Norm1.Shift},
			NamedParameter{blockParam(i, "attn.w_query"), b.Attn.WQuery},
			NamedParameter{blockParam(i, "attn.w_key"), b.Attn.WKey},
			NamedParameter{blockParam(i, "attn.w_value"), b.Attn.WValue},
			NamedParameter{blockParam(i, "attn.out_proj"), b.Attn.OutProj},
			NamedParameter{blockParam(i, "norm2.scale"), b.Norm2.Scale},
			NamedParameter{blockParam(i, "norm2.shift"), b.Norm2.Shift},
			NamedParameter{blockParam(i, "ff.fc1"), b.FF.FC1},
			NamedParameter{blockParam(i, "ff.fc2"), b.FF.FC2},
		)
	}

	return append(params,
		NamedParameter{"final_norm.scale", m.FinalNorm.Scale},
		NamedParameter{"final_norm.shift", m.FinalNorm.Shift},
		NamedParameter{"out_head", m.OutHead},
	)
}

// ParameterCount returns the total number of scalar parameters.
func (m *GPTModel) ParameterCount() int {
	n := 0
	for _, p := range m.Parameters() {
		n += len(p.Tensor.Data)
	}
	return n
}

// LoadParameters copies state into the model. Every parameter must be
// present with the exact shape and no extra names are allowed; otherwise
// ErrCheckpointMismatch is returned and the model is left unchanged.
func (m *GPTModel) LoadParameters(state map[string]*tensor.Tensor) error {
	params := m.Parameters()
	if len(state) != len(params) {
		return fmt.Errorf("%w: expected %d tensors, got %d", ErrCheckpointMismatch, len(params), len(state))
	}

	for _, p := range params {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrCheckpointMismatch, p.Name)
		}
		if !src.ShapeEquals(p.Tensor) || len(src.Data) != len(p.Tensor.Data) {
			return fmt.Errorf("%w: tensor %q has shape %v, expected %v",
				ErrCheckpointMismatch, p.Name, src.Shape, p.Tensor.Shape)
		}
	}

	for _, p := range params {
		copy(p.Tensor.Data, state[p.Name].Data)
	}
	return nil
}

func blockParam(i int, name string) string {
	return fmt.Sprintf("blocks.%d.%s", i, name)
}

func (g Gradients) addBlock(i int, bg *attention.BlockGrads) {
	g[blockParam(i, "norm1.scale")] = bg.Norm1Scale
	g[blockParam(i, "norm1.shift")] = bg.Norm1Shift
	g[blockParam(i, "attn.w_query")] = bg.Attn.WQuery
	g[blockParam(i, "attn.w_key")] = bg.Attn.WKey
	g[blockParam(i, "attn.w_value")] = bg.Attn.WValue
	g[blockParam(i, "attn.out_proj")] = bg.Attn.OutProj
	g[blockParam(i, "norm2.scale")] = bg.Norm2Scale
	g[blockParam(i, "norm2.shift")] = bg.Norm2Shift
	g[blockParam(i, "ff.fc1")] = bg.FC1
	g[blockParam(i, "ff.fc2")] = bg.FC2
}
