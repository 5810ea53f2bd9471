package globalpointer

import (
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Decoder converts global pointer scores back into entities.
// It is immutable and safe for concurrent use.
type Decoder struct {
	labels    *ner.LabelSet
	threshold float32
}

// DecoderOption configures a Decoder.
type DecoderOption func(d *Decoder)

// WithThreshold sets the score above which a cell is an entity. The default is 0, which is a
// probability of 0.5 for the sigmoid of the score.
func WithThreshold(threshold float32) DecoderOption {
	return func(d *Decoder) {
		d.threshold = threshold
	}
}

// NewDecoder creates a Decoder for the given labels.
func NewDecoder(labels *ner.LabelSet, opts ...DecoderOption) *Decoder {
	d := &Decoder{labels: labels}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DecodeFeature returns the entities of one example, given its scores shaped [numLabels, maxLen, maxLen]
// in row-major order.
//
// Every cell (i, j) with i <= j and a score above the threshold becomes an entity, in order of label, i and j.
// Cells where i or j doesn't map to a character of the text (special tokens, padding) are discarded.
// No overlap resolution is done.
func (d *Decoder) DecodeFeature(f *Feature, scores []float32) ([]ner.Entity, error) {
	numLabels, maxLen := d.labels.Len(), f.MaxLen
	if f.NumLabels != numLabels {
		return nil, errors.Errorf("feature was encoded with %d labels, but the decoder has %d", f.NumLabels, numLabels)
	}
	if len(scores) != numLabels*maxLen*maxLen {
		return nil, errors.Errorf("got %d scores, expected [%d labels, %d, %d] = %d",
			len(scores), numLabels, maxLen, maxLen, numLabels*maxLen*maxLen)
	}
	var entities []ner.Entity
	for labelID := range numLabels {
		labelName, _ := d.labels.Label(labelID)
		for i := range maxLen {
			startChar, found := f.Offsets.TokenStartChar(i)
			if !found {
				continue
			}
			row := scores[(labelID*maxLen+i)*maxLen : (labelID*maxLen+i+1)*maxLen]
			for j := i; j < maxLen; j++ {
				if row[j] <= d.threshold {
					continue
				}
				endChar, found := f.Offsets.TokenEndChar(j)
				if !found {
					continue
				}
				text, ok := f.Example.Span(startChar, endChar)
				if !ok {
					continue
				}
				entities = append(entities, ner.Entity{StartIdx: startChar, EndIdx: endChar, Entity: text, Type: labelName})
			}
		}
	}
	return entities, nil
}

// Decode returns one predicted example per feature, given the scores of all of them flat in
// row-major [len(features), numLabels, maxLen, maxLen] order.
func (d *Decoder) Decode(features []*Feature, scores []float32) ([]*ner.Example, error) {
	if len(features) == 0 {
		return nil, nil
	}
	maxLen := features[0].MaxLen
	exampleSize := d.labels.Len() * maxLen * maxLen
	if len(scores) != len(features)*exampleSize {
		return nil, errors.Errorf("got %d scores for %d features of shape [%d, %d, %d]",
			len(scores), len(features), d.labels.Len(), maxLen, maxLen)
	}
	preds := make([]*ner.Example, len(features))
	for n, f := range features {
		if f.MaxLen != maxLen {
			return nil, errors.Errorf("feature #%d has length %d, but feature #0 has length %d", n, f.MaxLen, maxLen)
		}
		entities, err := d.DecodeFeature(f, scores[n*exampleSize:(n+1)*exampleSize])
		if err != nil {
			return nil, errors.WithMessagef(err, "feature #%d", n)
		}
		preds[n] = ner.NewExample(f.Example.Text, entities)
	}
	return preds, nil
}

// DecodeTensor is like Decode, with the scores given as a float32 tensor shaped [len(features), numLabels, maxLen, maxLen].
func (d *Decoder) DecodeTensor(features []*Feature, logits *tensors.Tensor) ([]*ner.Example, error) {
	shape := logits.Shape()
	if shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("logits must be float32, got %s", shape)
	}
	if len(features) > 0 {
		maxLen := features[0].MaxLen
		want := []int{len(features), d.labels.Len(), maxLen, maxLen}
		if len(shape.Dimensions) != len(want) {
			return nil, errors.Errorf("logits shape %s doesn't match expected dimensions %v", shape, want)
		}
		for axis, dim := range want {
			if shape.Dimensions[axis] != dim {
				return nil, errors.Errorf("logits shape %s doesn't match expected dimensions %v", shape, want)
			}
		}
	}
	return d.Decode(features, tensors.MustCopyFlatData[float32](logits))
}
