package globalpointer

import (
	"github.com/gomlx/go-globalpointer/ner"
)

// Feature holds the model inputs and targets of one example, padded to MaxLen.
// It is never modified after being created.
type Feature struct {
	Example *ner.Example
	Offsets *OffsetMap

	InputIDs, AttentionMask, TokenTypeIDs []int32

	// Labels and CriterionMask are flat [NumLabels, MaxLen, MaxLen] matrices, in row-major order.
	Labels, CriterionMask []int8

	// Spans are the entities encoded in Labels.
	Spans []EncodedSpan

	NumLabels, MaxLen int
}

func (f *Feature) index(label, i, j int) int {
	return (label*f.MaxLen+i)*f.MaxLen + j
}

// At returns the label cell of the given entity type, start token i and end token j.
func (f *Feature) At(label, i, j int) int8 {
	return f.Labels[f.index(label, i, j)]
}

// Valid reports whether the cell counts for the loss, according to the criterion mask.
func (f *Feature) Valid(label, i, j int) bool {
	return f.CriterionMask[f.index(label, i, j)] != 0
}

// NumTokens returns the number of non-padding positions.
func (f *Feature) NumTokens() int {
	n := 0
	for _, m := range f.AttentionMask {
		if m != 0 {
			n++
		}
	}
	return n
}
