// Package ml implements a small eager tensor library for transformer math.
// Tensors are dense, row-major and immutable once built; every operation
// allocates its result, so values can be shared freely across goroutines.
package ml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type Tensor struct {
	dtype DType
	shape []int

	// exactly one backing is populated. data holds the F16, BF16 and F32
	// kinds; every value written there has already been rounded to the
	// storage precision. data64 holds F64.
	data   []float32
	data64 []float64
}

func empty(dtype DType, shape []int) (*Tensor, error) {
	if !dtype.valid() {
		return nil, fmt.Errorf("unsupported dtype %d", dtype)
	}

	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid shape %v", shape)
		}

		n *= dim
	}

	t := &Tensor{dtype: dtype, shape: append([]int(nil), shape...)}
	if dtype == DTypeF64 {
		t.data64 = make([]float64, n)
	} else {
		t.data = make([]float32, n)
	}

	return t, nil
}

// Zeros returns a zero-filled Tensor with the given shape.
func Zeros(dtype DType, shape ...int) *Tensor {
	t, err := empty(dtype, shape)
	if err != nil {
		panic(err)
	}

	return t
}

// FromFloats builds a Tensor with the given shape from s, rounding each
// value to the storage precision of dtype.
func FromFloats(dtype DType, s []float32, shape ...int) (*Tensor, error) {
	t, err := empty(dtype, shape)
	if err != nil {
		return nil, err
	}

	if len(s) != t.Numel() {
		return nil, fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	for i, v := range s {
		t.set(i, float64(v))
	}

	return t, nil
}

// FromFloat64s is FromFloats for float64 input.
func FromFloat64s(dtype DType, s []float64, shape ...int) (*Tensor, error) {
	t, err := empty(dtype, shape)
	if err != nil {
		return nil, err
	}

	if len(s) != t.Numel() {
		return nil, fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	for i, v := range s {
		t.set(i, v)
	}

	return t, nil
}

// Arange returns a 1D Tensor holding start, start+step, and so on up to but
// not including stop.
func Arange(start, stop, step float32, dtype DType) *Tensor {
	if step == 0 {
		panic(errors.New("arange step must not be zero"))
	}

	// Size the result up front and synthesize each element from its index.
	// A float32 counter stops advancing once the values outgrow the float32
	// integer range.
	var n int
	if (step > 0 && start < stop) || (step < 0 && start > stop) {
		n = int(math.Ceil(float64(stop-start) / float64(step)))
	}

	s := make([]float64, n)
	for i := range n {
		s[i] = float64(start) + float64(i)*float64(step)
	}

	t, err := FromFloat64s(dtype, s, n)
	if err != nil {
		panic(err)
	}

	return t
}

// Dim returns the size of axis n.
func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) DType() DType {
	return t.dtype
}

// Numel returns the total element count.
func (t *Tensor) Numel() int {
	n := 1
	for _, dim := range t.shape {
		n *= dim
	}

	return n
}

// Floats returns the stored values as float32 in row-major order. The slice
// is a copy.
func (t *Tensor) Floats() []float32 {
	if t.data64 != nil {
		s := make([]float32, len(t.data64))
		for i, v := range t.data64 {
			s[i] = float32(v)
		}

		return s
	}

	return append([]float32(nil), t.data...)
}

// Float64s returns the stored values widened to float64 in row-major order.
// The slice is a copy.
func (t *Tensor) Float64s() []float64 {
	if t.data64 != nil {
		return append([]float64(nil), t.data64...)
	}

	s := make([]float64, len(t.data))
	for i, v := range t.data {
		s[i] = float64(v)
	}

	return s
}

// Bytes encodes the stored values at their storage width, little endian.
func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case DTypeF16:
		bts := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(bts[2*i:], float16.Fromfloat32(v).Bits())
		}

		return bts
	case DTypeBF16:
		bts := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(bts[2*i:], uint16(bfloat16.FromFloat32(v)))
		}

		return bts
	case DTypeF32:
		bts := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(bts[4*i:], math.Float32bits(v))
		}

		return bts
	case DTypeF64:
		bts := make([]byte, 8*len(t.data64))
		for i, v := range t.data64 {
			binary.LittleEndian.PutUint64(bts[8*i:], math.Float64bits(v))
		}

		return bts
	}

	return nil
}

// At returns the element at the given multi-index.
func (t *Tensor) At(index ...int) float64 {
	if len(index) != len(t.shape) {
		panic(fmt.Errorf("index %v does not match shape %v", index, t.shape))
	}

	var i int
	for n, x := range index {
		if x < 0 || x >= t.shape[n] {
			panic(fmt.Errorf("index %v out of range for shape %v", index, t.shape))
		}

		i = i*t.shape[n] + x
	}

	return t.at(i)
}

// Convert returns a copy of t with values re-rounded to dtype.
func (t *Tensor) Convert(dtype DType) *Tensor {
	out := Zeros(dtype, t.shape...)
	for i := range t.Numel() {
		out.set(i, t.at(i))
	}

	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v)", t.dtype, t.shape)
}

func (t *Tensor) at(i int) float64 {
	if t.data64 != nil {
		return t.data64[i]
	}

	return float64(t.data[i])
}

func (t *Tensor) set(i int, v float64) {
	if t.data64 != nil {
		t.data64[i] = v
		return
	}

	t.data[i] = float32(t.dtype.round(v))
}

// strides returns row-major strides in elements.
func (t *Tensor) strides() []int {
	s := make([]int, len(t.shape))
	stride := 1
	for n := len(t.shape) - 1; n >= 0; n-- {
		s[n] = stride
		stride *= t.shape[n]
	}

	return s
}
