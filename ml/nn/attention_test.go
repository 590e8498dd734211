package nn

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/roformer/rotary/ml"
	"github.com/roformer/rotary/ml/nn/attention"
)

func eye(t testing.TB, n int) *ml.Tensor {
	t.Helper()
	s := make([]float64, n*n)
	for i := range n {
		s[i*n+i] = 1
	}
	return mustTensor(t, ml.DTypeF32, s, n, n)
}

func TestAttention(t *testing.T) {
	t.Run("uniform and peaked rows", func(t *testing.T) {
		// a zero query averages the values; a strongly aligned query
		// picks its value out
		query := mustTensor(t, ml.DTypeF32, []float64{0, 0, 100, 0}, 2, 2)
		value := mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4}, 2, 2)

		out, scores := AttentionWithScores(query, eye(t, 2), value, 1)

		compareValues(t, "out", []float64{2, 3, 1, 2}, out, 0)
		compareValues(t, "scores", []float64{0.5, 0.5, 1, 0}, scores, 1e-9)
	})

	t.Run("mask", func(t *testing.T) {
		query := mustTensor(t, ml.DTypeF32, []float64{1, 0, 1, 0}, 2, 2)
		value := mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4}, 2, 2)

		causal := CausalMask(2, ml.DTypeF32)
		compareValues(t, "mask", []float64{0, math.Inf(-1), 0, 0}, causal, 0)

		out, scores := AttentionWithScores(query, eye(t, 2), value, 1, attention.WithMask(causal))

		// row 0 sees only the first key; row 1 splits e : 1
		compareValues(t, "out", []float64{
			1, 2,
			1.5378828427, 2.5378828427,
		}, out, 1e-6)
		compareValues(t, "scores", []float64{
			1, 0,
			0.7310585786, 0.2689414214,
		}, scores, 1e-6)
	})

	t.Run("scale", func(t *testing.T) {
		query := mustTensor(t, ml.DTypeF32, []float64{2, 0}, 1, 2)
		value := mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4}, 2, 2)

		// halving the scale is the same as halving the query
		_, got := AttentionWithScores(query, eye(t, 2), value, 0.5)
		_, want := AttentionWithScores(query.Scale(0.5), eye(t, 2), value, 1)

		if diff := cmp.Diff(want.Float64s(), got.Float64s()); diff != "" {
			t.Errorf("scores (-want +got):\n%s", diff)
		}
	})

	t.Run("rotary transform", func(t *testing.T) {
		r, err := NewRotaryEmbedding(4, ml.DTypeF32)
		require.NoError(t, err)

		query := mustTensor(t, ml.DTypeF32, []float64{0.5, -1, 0.25, 2, 1, 0, -0.5, 0.75}, 2, 4)
		key := mustTensor(t, ml.DTypeF32, []float64{1, 1, -1, 0.5, 0.25, -0.75, 2, -1}, 2, 4)
		value := mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4, 5, 6}, 2, 3)

		scale := 1 / math.Sqrt(4)
		out, scores := AttentionWithScores(query, key, value, scale, attention.WithTransform(r))
		wantOut, wantScores := AttentionWithScores(r.Apply(query), r.Apply(key), value, scale)

		if diff := cmp.Diff(wantOut.Float64s(), out.Float64s()); diff != "" {
			t.Errorf("out (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(wantScores.Float64s(), scores.Float64s()); diff != "" {
			t.Errorf("scores (-want +got):\n%s", diff)
		}
	})

	t.Run("identity transform", func(t *testing.T) {
		query := mustTensor(t, ml.DTypeF32, []float64{0.5, -1, 1, 0.25}, 2, 2)
		value := mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4}, 2, 2)

		got := Attention(query, eye(t, 2), value, 1, attention.WithTransform(Identity{}))
		want := Attention(query, eye(t, 2), value, 1)

		if diff := cmp.Diff(want.Float64s(), got.Float64s()); diff != "" {
			t.Errorf("out (-want +got):\n%s", diff)
		}
	})

	t.Run("contract violations", func(t *testing.T) {
		q22 := mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4}, 2, 2)

		require.Panics(t, func() { Attention(q22, q22, nil, 1) })
		require.Panics(t, func() { Attention(mustTensor(t, ml.DTypeF32, []float64{1, 2}, 2), q22, q22, 1) })
		require.Panics(t, func() { Attention(mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4, 5, 6}, 2, 3), q22, q22, 1) })
		require.Panics(t, func() { Attention(q22, mustTensor(t, ml.DTypeF32, []float64{1, 2, 3, 4, 5, 6}, 3, 2), q22, 1) })
	})
}

func TestMultiHeadAttention(t *testing.T) {
	identity := func(n int) *MultiHeadAttention {
		return &MultiHeadAttention{
			Query:  &Linear{Weight: eye(t, n)},
			Key:    &Linear{Weight: eye(t, n)},
			Value:  &Linear{Weight: eye(t, n)},
			Output: &Linear{Weight: eye(t, n)},
			Heads:  1,
		}
	}

	query := mustTensor(t, ml.DTypeF32, []float64{
		0.5, -1, 0.25, 2,
		1, 0, -0.5, 0.75,
		-0.25, 1.5, 0.5, -1,
	}, 3, 4)
	key := mustTensor(t, ml.DTypeF32, []float64{
		1, 1, -1, 0.5,
		0.25, -0.75, 2, -1,
		-0.5, 0.5, 1, 1.25,
	}, 3, 4)
	value := mustTensor(t, ml.DTypeF32, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		-1, -2, -3, -4,
	}, 3, 4)

	t.Run("single head matches attention", func(t *testing.T) {
		m := identity(4)

		got := m.Forward(query, key, value)
		want := Attention(query, key, value, 1/math.Sqrt(4))

		if diff := cmp.Diff(want.Float64s(), got.Float64s()); diff != "" {
			t.Errorf("out (-want +got):\n%s", diff)
		}
	})

	t.Run("two heads match per-head attention", func(t *testing.T) {
		m := identity(4)
		m.Heads = 2

		columns := func(t2 *ml.Tensor, lo, hi int) *ml.Tensor {
			s := t2.Float64s()
			width := t2.Dim(1)
			var out []float64
			for row := 0; row < t2.Dim(0); row++ {
				out = append(out, s[row*width+lo:row*width+hi]...)
			}
			return mustTensor(t, t2.DType(), out, t2.Dim(0), hi-lo)
		}

		got, scores := m.ForwardWithScores(query, key, value)
		if diff := cmp.Diff([]int{2, 3, 3}, scores.Shape()); diff != "" {
			t.Errorf("scores shape (-want +got):\n%s", diff)
		}

		for head := range 2 {
			lo, hi := head*2, head*2+2
			want, wantScores := AttentionWithScores(
				columns(query, lo, hi), columns(key, lo, hi), columns(value, lo, hi), 1/math.Sqrt(2))

			if diff := cmp.Diff(want.Float64s(), columns(got, lo, hi).Float64s()); diff != "" {
				t.Errorf("head %d out (-want +got):\n%s", head, diff)
			}
			if diff := cmp.Diff(wantScores.Float64s(), scores.Float64s()[head*9:(head+1)*9]); diff != "" {
				t.Errorf("head %d scores (-want +got):\n%s", head, diff)
			}
		}
	})

	t.Run("projections apply", func(t *testing.T) {
		m := identity(4)
		m.Value = &Linear{Weight: eye(t, 4).Scale(2)}

		got := m.Forward(query, key, value)
		want := Attention(query, key, value.Scale(2), 1/math.Sqrt(4))

		if diff := cmp.Diff(want.Float64s(), got.Float64s()); diff != "" {
			t.Errorf("out (-want +got):\n%s", diff)
		}
	})

	t.Run("rotary transform", func(t *testing.T) {
		r, err := NewRotaryEmbedding(4, ml.DTypeF32)
		require.NoError(t, err)

		m := identity(4)
		m.Transform = r

		got := m.Forward(query, key, value)
		want := Attention(r.Apply(query), r.Apply(key), value, 1/math.Sqrt(4))

		if diff := cmp.Diff(want.Float64s(), got.Float64s()); diff != "" {
			t.Errorf("out (-want +got):\n%s", diff)
		}
	})

	t.Run("call site overrides transform", func(t *testing.T) {
		r, err := NewRotaryEmbedding(4, ml.DTypeF32)
		require.NoError(t, err)

		m := identity(4)
		m.Transform = r

		got := m.Forward(query, key, value, attention.WithTransform(Identity{}))
		want := identity(4).Forward(query, key, value)

		if diff := cmp.Diff(want.Float64s(), got.Float64s()); diff != "" {
			t.Errorf("out (-want +got):\n%s", diff)
		}
	})

	t.Run("cross attention", func(t *testing.T) {
		m := identity(4)
		m.Heads = 2

		short := mustTensor(t, ml.DTypeF32, []float64{
			0.5, -1, 0.25, 2,
			1, 0, -0.5, 0.75,
		}, 2, 4)

		out, scores := m.ForwardWithScores(short, key, value)

		if diff := cmp.Diff([]int{2, 4}, out.Shape()); diff != "" {
			t.Errorf("out shape (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int{2, 2, 3}, scores.Shape()); diff != "" {
			t.Errorf("scores shape (-want +got):\n%s", diff)
		}

		// every attention row is a distribution over the keys
		s := scores.Float64s()
		for row := 0; row < len(s); row += 3 {
			if sum := s[row] + s[row+1] + s[row+2]; math.Abs(sum-1) > 1e-6 {
				t.Errorf("row %d: scores sum to %v", row/3, sum)
			}
		}
	})

	t.Run("batched", func(t *testing.T) {
		m := identity(4)
		m.Heads = 2

		stack := func(t2 *ml.Tensor) *ml.Tensor {
			s := t2.Float64s()
			return mustTensor(t, t2.DType(), append(append([]float64(nil), s...), s...), 2, t2.Dim(0), t2.Dim(1))
		}

		got := m.Forward(stack(query), stack(key), stack(value))
		if diff := cmp.Diff([]int{2, 3, 4}, got.Shape()); diff != "" {
			t.Errorf("shape (-want +got):\n%s", diff)
		}

		// identical slices attend identically
		s := got.Float64s()
		if diff := cmp.Diff(s[:12], s[12:]); diff != "" {
			t.Errorf("slices (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(m.Forward(query, key, value).Float64s(), s[:12]); diff != "" {
			t.Errorf("single slice (-want +got):\n%s", diff)
		}
	})

	t.Run("contract violations", func(t *testing.T) {
		m := identity(4)
		m.Heads = 0
		require.Panics(t, func() { m.Forward(query, key, value) })

		m.Heads = 3
		require.Panics(t, func() { m.Forward(query, key, value) })
	})
}
