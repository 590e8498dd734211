package ml

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/roformer/rotary/envconfig"
)

// checkBinary validates the operands of an elementwise operation. t2 may
// carry fewer axes than t, in which case its shape must match a trailing
// suffix of t's shape and it repeats along the leading axes.
func checkBinary(op string, t, t2 *Tensor) {
	if t.dtype != t2.dtype {
		panic(fmt.Errorf("dtype in %s operation does not match between %v and %v", op, t.dtype, t2.dtype))
	}

	if len(t2.shape) > len(t.shape) || !slices.Equal(t2.shape, t.shape[len(t.shape)-len(t2.shape):]) {
		panic(fmt.Errorf("shape in %s operation does not broadcast between %v and %v", op, t.shape, t2.shape))
	}
}

// Add returns t + t2 elementwise. t2 broadcasts along leading axes when its
// shape is a trailing suffix of t's shape.
func (t *Tensor) Add(t2 *Tensor) *Tensor {
	checkBinary("add", t, t2)

	out := Zeros(t.dtype, t.shape...)
	if t.dtype == DTypeF64 {
		copy(out.data64, t.data64)
		for off := 0; off < len(out.data64); off += len(t2.data64) {
			floats.Add(out.data64[off:off+len(t2.data64)], t2.data64)
		}

		return out
	}

	n2 := len(t2.data)
	for i := range t.data {
		out.set(i, t.at(i)+t2.at(i%n2))
	}

	return out
}

// Mul returns the elementwise product of t and t2, with the same broadcast
// rule as Add.
func (t *Tensor) Mul(t2 *Tensor) *Tensor {
	checkBinary("mul", t, t2)

	out := Zeros(t.dtype, t.shape...)
	if t.dtype == DTypeF64 {
		copy(out.data64, t.data64)
		for off := 0; off < len(out.data64); off += len(t2.data64) {
			floats.Mul(out.data64[off:off+len(t2.data64)], t2.data64)
		}

		return out
	}

	n2 := len(t2.data)
	for i := range t.data {
		out.set(i, t.at(i)*t2.at(i%n2))
	}

	return out
}

// Scale returns t with every element multiplied by s.
func (t *Tensor) Scale(s float64) *Tensor {
	out := Zeros(t.dtype, t.shape...)
	if t.dtype == DTypeF64 {
		copy(out.data64, t.data64)
		floats.Scale(s, out.data64)
		return out
	}

	for i := range t.data {
		out.set(i, t.at(i)*s)
	}

	return out
}

// Neg returns t with every element negated.
func (t *Tensor) Neg() *Tensor {
	return t.Scale(-1)
}

// Reshape returns a tensor with the same elements and a new shape. At most
// one dimension may be -1, which is then inferred from the element count.
// The result shares storage with t.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = append([]int(nil), shape...)

	n, infer := 1, -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if infer >= 0 {
				panic(fmt.Errorf("shape %v infers more than one dimension", shape))
			}

			infer = i
		case dim < 0:
			panic(fmt.Errorf("invalid shape %v", shape))
		default:
			n *= dim
		}
	}

	if infer >= 0 {
		if n == 0 || t.Numel()%n != 0 {
			panic(fmt.Errorf("cannot infer shape %v for %d elements", shape, t.Numel()))
		}

		shape[infer] = t.Numel() / n
		n *= shape[infer]
	}

	if n != t.Numel() {
		panic(fmt.Errorf("cannot reshape %v to %v", t.shape, shape))
	}

	return &Tensor{dtype: t.dtype, shape: shape, data: t.data, data64: t.data64}
}

// Transpose returns a copy of t with its axes permuted. perm must name every
// axis exactly once, e.g. Transpose(0, 2, 1, 3).
func (t *Tensor) Transpose(perm ...int) *Tensor {
	if len(perm) != len(t.shape) {
		panic(fmt.Errorf("permutation %v does not match shape %v", perm, t.shape))
	}

	seen := make([]bool, len(perm))
	shape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			panic(fmt.Errorf("invalid permutation %v", perm))
		}

		seen[p] = true
		shape[i] = t.shape[p]
	}

	out := Zeros(t.dtype, shape...)
	if out.Numel() == 0 {
		return out
	}

	strides := t.strides()
	index := make([]int, len(shape))
	for i := range out.Numel() {
		var src int
		for n := range index {
			src += index[n] * strides[perm[n]]
		}

		out.set(i, t.at(src))

		for n := len(index) - 1; n >= 0; n-- {
			index[n]++
			if index[n] < shape[n] {
				break
			}

			index[n] = 0
		}
	}

	return out
}

// Matmul multiplies the last two axes of t and t2, [..., m, k] by
// [..., k, n], giving [..., m, n]. The leading axes must match exactly, or
// t2 may be a single matrix shared across all of t's leading axes. Batches
// run in parallel.
func (t *Tensor) Matmul(t2 *Tensor) *Tensor {
	if t.dtype != t2.dtype {
		panic(fmt.Errorf("dtype in matmul operation does not match between %v and %v", t.dtype, t2.dtype))
	}

	if len(t.shape) < 2 || len(t2.shape) < 2 {
		panic(fmt.Errorf("matmul operands need at least 2 axes, got %v and %v", t.shape, t2.shape))
	}

	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	kk, n := t2.shape[len(t2.shape)-2], t2.shape[len(t2.shape)-1]
	if k != kk {
		panic(fmt.Errorf("inner dimension in matmul operation does not match between %v and %v", t.shape, t2.shape))
	}

	shared := len(t2.shape) == 2
	if !shared && !slices.Equal(t.shape[:len(t.shape)-2], t2.shape[:len(t2.shape)-2]) {
		panic(fmt.Errorf("batch axes in matmul operation do not match between %v and %v", t.shape, t2.shape))
	}

	batch := 1
	for _, dim := range t.shape[:len(t.shape)-2] {
		batch *= dim
	}

	out := Zeros(t.dtype, append(append([]int(nil), t.shape[:len(t.shape)-2]...), m, n)...)

	limit := runtime.GOMAXPROCS(0)
	if envconfig.NumThreads > 0 {
		limit = envconfig.NumThreads
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for b := range batch {
		g.Go(func() error {
			lhs, rhs, dst := b*m*k, b*k*n, b*m*n
			if shared {
				rhs = 0
			}

			for i := range m {
				for j := range n {
					var sum float64
					for p := range k {
						sum += t.at(lhs+i*k+p) * t2.at(rhs+p*n+j)
					}

					out.set(dst+i*n+j, sum)
				}
			}

			return nil
		})
	}

	g.Wait()

	return out
}

// Sin returns the elementwise sine of t.
func (t *Tensor) Sin() *Tensor {
	out := Zeros(t.dtype, t.shape...)
	for i := range t.Numel() {
		out.set(i, math.Sin(t.at(i)))
	}

	return out
}

// Cos returns the elementwise cosine of t.
func (t *Tensor) Cos() *Tensor {
	out := Zeros(t.dtype, t.shape...)
	for i := range t.Numel() {
		out.set(i, math.Cos(t.at(i)))
	}

	return out
}

// Softmax returns softmax of t over its last axis, computed against the row
// maximum. Rows whose mass underflows to zero, such as fully masked rows,
// come back as zeros rather than NaN.
func (t *Tensor) Softmax() *Tensor {
	if len(t.shape) == 0 {
		panic(errors.New("softmax needs at least one axis"))
	}

	out := Zeros(t.dtype, t.shape...)

	width := t.shape[len(t.shape)-1]
	if t.Numel() == 0 || width == 0 {
		return out
	}

	row := make([]float64, width)
	for off := 0; off < t.Numel(); off += width {
		for i := range row {
			row[i] = t.at(off + i)
		}

		max := floats.Max(row)
		if math.IsInf(max, -1) {
			continue
		}

		var sum float64
		for i, v := range row {
			row[i] = math.Exp(v - max)
			sum += row[i]
		}

		floats.Scale(1/sum, row)
		for i, v := range row {
			out.set(off+i, v)
		}
	}

	return out
}
