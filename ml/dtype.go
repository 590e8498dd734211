package ml

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a Tensor. Every kind holds IEEE floating
// point values; the reduced-width kinds round each stored value to their
// storage precision, so arithmetic on them observes the same precision loss
// as a packed buffer would.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeF64
)

func (dtype DType) String() string {
	switch dtype {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeF64:
		return "F64"
	default:
		return "unknown"
	}
}

// Size returns the width of one stored element in bytes.
func (dtype DType) Size() int {
	switch dtype {
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeF32:
		return 4
	case DTypeF64:
		return 8
	default:
		return 0
	}
}

func (dtype DType) valid() bool {
	switch dtype {
	case DTypeF32, DTypeF16, DTypeBF16, DTypeF64:
		return true
	}

	return false
}

// round quantizes v to the storage precision of the dtype. float16 rounds to
// nearest even, bfloat16 truncates the mantissa, matching how those formats
// are packed on the wire.
func (dtype DType) round(v float64) float64 {
	switch dtype {
	case DTypeF16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case DTypeBF16:
		return float64(bfloat16.ToFloat32(bfloat16.FromFloat32(float32(v))))
	case DTypeF32:
		return float64(float32(v))
	default:
		return v
	}
}
