package nn

import (
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/roformer/rotary/ml"
)

// SplitToInterleaved reorders a query or key projection weight from the
// half-split rotary layout used by most published checkpoints into the
// interleaved layout RotationTable and Rotate expect. w has shape
// [heads·headDim, inputs]; within each head, output row d of the first half
// moves to row 2d and row d of the second half to row 2d+1, so the projected
// features pair up adjacently.
func SplitToInterleaved(w *ml.Tensor, heads int) (*ml.Tensor, error) {
	shape := w.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("weight must have 2 axes, got shape %v", shape)
	}

	if heads <= 0 || shape[0]%(2*heads) != 0 {
		return nil, fmt.Errorf("%d output features do not split across %d heads", shape[0], heads)
	}

	n := tensor.New(tensor.WithShape(heads, 2, shape[0]/heads/2, shape[1]), tensor.WithBacking(w.Floats()))
	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	ts, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, err
	}

	var f32s []float32
	for _, t := range ts {
		f32s = append(f32s, t...)
	}

	slog.Debug("repacked weight for interleaved rotary", "heads", heads, "shape", shape)

	return ml.FromFloats(w.DType(), f32s, shape...)
}
