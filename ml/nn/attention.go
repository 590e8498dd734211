package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/roformer/rotary/ml"
	"github.com/roformer/rotary/ml/nn/attention"
)

// Identity is the no-op query/key transform, the default when attention is
// run without position information.
type Identity struct{}

func (Identity) Transform(query, key *ml.Tensor) (*ml.Tensor, *ml.Tensor) {
	return query, key
}

// CausalMask returns a [length, length] additive mask with -Inf above the
// diagonal, hiding every position after the query's own. Add it through
// attention.WithMask.
func CausalMask(length int, dtype ml.DType) *ml.Tensor {
	s := make([]float64, length*length)
	for i := range length {
		for j := i + 1; j < length; j++ {
			s[i*length+j] = math.Inf(-1)
		}
	}

	out, err := ml.FromFloat64s(dtype, s, length, length)
	if err != nil {
		panic(err)
	}

	return out
}

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T·scale + mask)V
//
// query has shape [..., seq_len_q, d_k], key [..., seq_len_k, d_k] and value
// [..., seq_len_k, d_v], with identical leading batch and head axes. scale
// is typically 1/√d_k. A transform given through the options rewrites query
// and key before the dot product; value is never transformed.
func Attention(query, key, value *ml.Tensor, scale float64, opts ...func(*attention.Options)) *ml.Tensor {
	out, _ := AttentionWithScores(query, key, value, scale, opts...)
	return out
}

// AttentionWithScores is Attention returning the post-softmax attention
// weights, shaped [..., seq_len_q, seq_len_k], alongside the output.
func AttentionWithScores(query, key, value *ml.Tensor, scale float64, opts ...func(*attention.Options)) (*ml.Tensor, *ml.Tensor) {
	options := attention.Options{}
	for _, opt := range opts {
		opt(&options)
	}

	if query == nil || key == nil || value == nil {
		panic(errors.New("query, key and value tensors must be provided"))
	}

	qs, ks, vs := query.Shape(), key.Shape(), value.Shape()
	if len(qs) < 2 || len(ks) < 2 || len(vs) < 2 {
		panic(fmt.Errorf("attention operands need at least 2 axes, got query(%v), key(%v) and value(%v)", qs, ks, vs))
	}

	if qs[len(qs)-1] != ks[len(ks)-1] {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", qs[len(qs)-1], ks[len(ks)-1]))
	}

	if ks[len(ks)-2] != vs[len(vs)-2] {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", ks[len(ks)-2], vs[len(vs)-2]))
	}

	if options.Transform != nil {
		query, key = options.Transform.Transform(query, key)
	}

	perm := make([]int, len(ks))
	for i := range perm {
		perm[i] = i
	}
	perm[len(perm)-2], perm[len(perm)-1] = perm[len(perm)-1], perm[len(perm)-2]

	kq := query.Matmul(key.Transpose(perm...))

	kq = kq.Scale(scale)
	if options.Mask != nil {
		kq = kq.Add(options.Mask)
	}
	kq = kq.Softmax()

	return kq.Matmul(value), kq
}

// MultiHeadAttention projects query, key and value, splits them into heads,
// runs scaled dot-product attention per head and merges the heads back
// through the output projection. Transform, when set, rewrites the per-head
// query and key between projection and attention; rotary position embedding
// plugs in there.
type MultiHeadAttention struct {
	Query  *Linear
	Key    *Linear
	Value  *Linear
	Output *Linear

	Heads int

	Transform attention.QKTransform
}

func (m *MultiHeadAttention) Forward(query, key, value *ml.Tensor, opts ...func(*attention.Options)) *ml.Tensor {
	out, _ := m.ForwardWithScores(query, key, value, opts...)
	return out
}

// ForwardWithScores is Forward returning the per-head attention weights,
// shaped [..., heads, seq_len_q, seq_len_k], alongside the output.
func (m *MultiHeadAttention) ForwardWithScores(query, key, value *ml.Tensor, opts ...func(*attention.Options)) (*ml.Tensor, *ml.Tensor) {
	if m.Heads <= 0 {
		panic(fmt.Errorf("attention heads must be positive, got %d", m.Heads))
	}

	q := splitHeads(m.Query.Forward(query), m.Heads)
	k := splitHeads(m.Key.Forward(key), m.Heads)
	v := splitHeads(m.Value.Forward(value), m.Heads)

	headDim := q.Dim(len(q.Shape()) - 1)

	if m.Transform != nil {
		opts = append([]func(*attention.Options){attention.WithTransform(m.Transform)}, opts...)
	}

	out, scores := AttentionWithScores(q, k, v, 1/math.Sqrt(float64(headDim)), opts...)

	return m.Output.Forward(mergeHeads(out)), scores
}

// splitHeads reshapes [..., seq_len, heads·dim] to [..., heads, seq_len, dim].
func splitHeads(t *ml.Tensor, heads int) *ml.Tensor {
	shape := t.Shape()
	n := len(shape)
	if n < 2 {
		panic(fmt.Errorf("head split needs at least 2 axes, got shape %v", shape))
	}

	width := shape[n-1]
	if width%heads != 0 {
		panic(fmt.Errorf("hidden width %d does not divide into %d heads", width, heads))
	}

	t = t.Reshape(append(shape[:n-1], heads, width/heads)...)

	perm := make([]int, n+1)
	for i := range perm {
		perm[i] = i
	}
	perm[n-2], perm[n-1] = perm[n-1], perm[n-2]

	return t.Transpose(perm...)
}

// mergeHeads is the inverse of splitHeads.
func mergeHeads(t *ml.Tensor) *ml.Tensor {
	shape := t.Shape()
	n := len(shape)
	if n < 3 {
		panic(fmt.Errorf("head merge needs at least 3 axes, got shape %v", shape))
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	perm[n-3], perm[n-2] = perm[n-2], perm[n-3]

	t = t.Transpose(perm...)

	return t.Reshape(append(t.Shape()[:n-2], shape[n-3]*shape[n-1])...)
}
