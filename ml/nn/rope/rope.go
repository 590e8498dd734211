// Package rope carries the optional parameters for rotary position
// embedding.
package rope

const (
	// TypeInterleaved pairs adjacent feature coordinates (2i, 2i+1), the
	// layout of the original RoFormer.
	TypeInterleaved = 0

	// TypeNeoX pairs coordinate i with i+width/2, the GPT-NeoX layout used
	// by most converted checkpoints.
	TypeNeoX = 2
)

// Options contains optional parameters for building rotation tables.
type Options struct {
	Type   int
	Base   float64
	Scale  float64
	Offset int
}

// WithTypeNeoX selects the NeoX pairing instead of the interleaved default.
func WithTypeNeoX() func(*Options) {
	return func(opts *Options) {
		opts.Type = TypeNeoX
	}
}

// WithBase sets the frequency base. Default is 10000.
func WithBase(base float64) func(*Options) {
	return func(opts *Options) {
		opts.Base = base
	}
}

// WithScale multiplies every position by scale. Default is 1.
func WithScale(scale float64) func(*Options) {
	return func(opts *Options) {
		opts.Scale = scale
	}
}

// WithOffset shifts the first position from 0 to n, for rotating a window
// that starts partway into a sequence.
func WithOffset(n int) func(*Options) {
	return func(opts *Options) {
		opts.Offset = n
	}
}
