package nn

import (
	"github.com/roformer/rotary/ml"
)

// Linear projects the last axis of its input. Weight has shape
// [outputs, inputs] and the optional Bias [outputs].
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

func (m *Linear) Forward(t *ml.Tensor) *ml.Tensor {
	t = t.Matmul(m.Weight.Transpose(1, 0))
	if m.Bias != nil {
		t = t.Add(m.Bias)
	}

	return t
}
