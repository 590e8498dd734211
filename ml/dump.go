package ml

import (
	"fmt"
	"strconv"
	"strings"
)

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump formats a tensor for debugging, eliding the middle of any axis longer
// than twice DumpOptions.Items.
func Dump(t *Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	s := t.Float64s()
	if len(t.shape) == 0 {
		return strconv.FormatFloat(s[0], 'f', opts[0].Precision, 64)
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(t.shape)-len(dims)+1)
		sb.WriteString("[")
		defer func() { sb.WriteString("]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts[0].Items && i < dims[0]-opts[0].Items {
				sb.WriteString("..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts[0].Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				sb.WriteString(strconv.FormatFloat(s[stride+i], 'f', opts[0].Precision, 64))
				if i < dims[0]-1 {
					sb.WriteString(", ")
				}
			}
		}
	}
	f(t.shape, 0)

	return sb.String()
}

func mul(s ...int) int {
	p := 1
	for _, v := range s {
		p *= v
	}

	return p
}
