// Package attention carries the optional parameters for scaled dot-product
// attention.
package attention

import (
	"github.com/roformer/rotary/ml"
)

// QKTransform rewrites query and key ahead of the attention dot product,
// for example to mix position information into them. Implementations return
// fresh tensors and leave their inputs intact.
type QKTransform interface {
	Transform(query, key *ml.Tensor) (*ml.Tensor, *ml.Tensor)
}

type Options struct {
	// Mask is added to the attention scores before softmax to mask out
	// certain positions.
	Mask *ml.Tensor

	// Transform is applied to query and key before the dot product.
	Transform QKTransform
}

func WithMask(mask *ml.Tensor) func(*Options) {
	return func(o *Options) {
		o.Mask = mask
	}
}

func WithTransform(transform QKTransform) func(*Options) {
	return func(o *Options) {
		o.Transform = transform
	}
}
