package nn

import (
	"fmt"
	"math"
	"slices"

	"github.com/roformer/rotary/logutil"
	"github.com/roformer/rotary/ml"
	"github.com/roformer/rotary/ml/nn/rope"
)

// RotationTable builds the sine and cosine tables that Rotate mixes into a
// feature tensor. Row p holds the angles for position p, each of the width/2
// raw values duplicated into the coordinate pair it rotates:
//
//	angle[p][i] = scale · (offset + p) · base^(-2i/(width/2))
//
// The tables depend only on the position geometry, never on feature content.
// Angles are computed in float64 and rounded to dtype once, when the
// finished tables are stored.
func RotationTable(length, width int, dtype ml.DType, opts ...func(*rope.Options)) (sin, cos *ml.Tensor, err error) {
	options := rope.Options{Base: 10000, Scale: 1}
	for _, opt := range opts {
		opt(&options)
	}

	switch {
	case length < 0:
		return nil, nil, fmt.Errorf("rotation table length must not be negative, got %d", length)
	case width <= 0 || width%2 != 0:
		return nil, nil, fmt.Errorf("rotation table width must be a positive even number, got %d", width)
	case dtype.Size() == 0:
		return nil, nil, fmt.Errorf("unsupported dtype %d", dtype)
	case options.Base <= 0:
		return nil, nil, fmt.Errorf("rotation table base must be positive, got %v", options.Base)
	}

	steps := width / 2
	freqs := make([]float64, steps)
	for i := range freqs {
		freqs[i] = math.Pow(options.Base, -2*float64(i)/float64(steps))
	}

	bank, err := ml.FromFloat64s(ml.DTypeF64, freqs, 1, steps)
	if err != nil {
		return nil, nil, err
	}

	// Positions are synthesized from integers in float64; float32 cannot
	// resolve consecutive integers past 2^24.
	s := make([]float64, length)
	for p := range s {
		s[p] = options.Scale * float64(options.Offset+p)
	}

	positions, err := ml.FromFloat64s(ml.DTypeF64, s, length, 1)
	if err != nil {
		return nil, nil, err
	}

	angles := positions.Matmul(bank)

	sin, err = duplicate(angles.Sin(), dtype, options.Type)
	if err != nil {
		return nil, nil, err
	}

	cos, err = duplicate(angles.Cos(), dtype, options.Type)
	if err != nil {
		return nil, nil, err
	}

	logutil.Trace("built rotation table", "length", length, "width", width, "dtype", dtype, "base", options.Base, "offset", options.Offset)

	return sin, cos, nil
}

// duplicate spreads a [length, width/2] table of raw values over the
// [length, width] coordinates each value rotates: adjacent pairs for the
// interleaved layout, same offset in both halves for NeoX. The result is
// stored in dtype.
func duplicate(half *ml.Tensor, dtype ml.DType, typ int) (*ml.Tensor, error) {
	length, steps := half.Dim(0), half.Dim(1)
	vals := half.Float64s()

	full := make([]float64, 2*len(vals))
	for p := range length {
		for i := range steps {
			v := vals[p*steps+i]
			if typ == rope.TypeNeoX {
				full[p*2*steps+i] = v
				full[p*2*steps+steps+i] = v
			} else {
				full[p*2*steps+2*i] = v
				full[p*2*steps+2*i+1] = v
			}
		}
	}

	return ml.FromFloat64s(dtype, full, length, 2*steps)
}

// Rotate applies the rotation held in the sin and cos tables to t, returning
// a tensor of the same shape and dtype. t has shape [..., length, width] and
// the tables [length, width]; each feature pair is turned by its position
// angle, preserving the pair's norm. Only the pairing layout is read from
// the options, and it must match the one the tables were built with.
func Rotate(t, sin, cos *ml.Tensor, opts ...func(*rope.Options)) *ml.Tensor {
	options := rope.Options{Base: 10000, Scale: 1}
	for _, opt := range opts {
		opt(&options)
	}

	shape := t.Shape()
	if len(shape) < 2 {
		panic(fmt.Errorf("features in rotate operation need at least 2 axes, got shape %v", shape))
	}

	width := shape[len(shape)-1]
	if width%2 != 0 {
		panic(fmt.Errorf("feature width in rotate operation must be even, got %d", width))
	}

	if !slices.Equal(sin.Shape(), cos.Shape()) {
		panic(fmt.Errorf("sin(%v) and cos(%v) tables in rotate operation do not match", sin.Shape(), cos.Shape()))
	}

	steps := width / 2
	vals := t.Float64s()
	swapped := make([]float64, len(vals))
	if options.Type == rope.TypeNeoX {
		for off := 0; off < len(vals); off += width {
			for i := range steps {
				swapped[off+i] = -vals[off+steps+i]
				swapped[off+steps+i] = vals[off+i]
			}
		}
	} else {
		for off := 0; off < len(vals); off += width {
			for i := range steps {
				swapped[off+2*i] = -vals[off+2*i+1]
				swapped[off+2*i+1] = vals[off+2*i]
			}
		}
	}

	t2, err := ml.FromFloat64s(t.DType(), swapped, shape...)
	if err != nil {
		panic(err)
	}

	return t.Mul(cos).Add(t2.Mul(sin))
}

// RotaryEmbedding rotates query and key tensors by their positions ahead of
// attention, the composable replacement for baking position vectors into the
// embeddings. Construct with NewRotaryEmbedding; the zero value rejects
// every input.
type RotaryEmbedding struct {
	width int
	dtype ml.DType
	opts  []func(*rope.Options)
}

func NewRotaryEmbedding(width int, dtype ml.DType, opts ...func(*rope.Options)) (*RotaryEmbedding, error) {
	// surface bad geometry here rather than on first use
	if _, _, err := RotationTable(0, width, dtype, opts...); err != nil {
		return nil, err
	}

	return &RotaryEmbedding{width: width, dtype: dtype, opts: opts}, nil
}

// Apply rotates t with tables sized to its second-to-last axis. t must have
// the configured width and dtype.
func (r *RotaryEmbedding) Apply(t *ml.Tensor) *ml.Tensor {
	shape := t.Shape()
	if len(shape) < 2 || shape[len(shape)-1] != r.width {
		panic(fmt.Errorf("feature shape %v does not match rotary width %d", shape, r.width))
	}

	if t.DType() != r.dtype {
		panic(fmt.Errorf("dtype in rotary operation does not match between %v and %v", t.DType(), r.dtype))
	}

	sin, cos, err := RotationTable(shape[len(shape)-2], r.width, r.dtype, r.opts...)
	if err != nil {
		panic(err)
	}

	return Rotate(t, sin, cos, r.opts...)
}

// Transform implements attention.QKTransform. Query and key are rotated
// independently, so their lengths may differ, as in cross attention.
func (r *RotaryEmbedding) Transform(query, key *ml.Tensor) (*ml.Tensor, *ml.Tensor) {
	return r.Apply(query), r.Apply(key)
}
