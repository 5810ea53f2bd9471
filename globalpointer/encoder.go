// Package globalpointer implements the global pointer span-tagging scheme for named entities:
// every (start token, end token) pair of a sequence is scored independently for each entity type,
// so nested and overlapping entities can be represented.
//
// Encoder converts character-offset entities into the per-type [maxLen, maxLen] 0/1 label
// matrices and their criterion mask, Decoder converts model scores back into entities, and
// Dataset produces the padded model features of a list of examples.
package globalpointer

import (
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/pkg/errors"
)

// Encoder converts entities into global pointer label matrices.
// It is immutable and safe for concurrent use.
type Encoder struct {
	labels *ner.LabelSet
	maxLen int
}

// NewEncoder creates an Encoder for sequences of maxLen tokens.
func NewEncoder(labels *ner.LabelSet, maxLen int) (*Encoder, error) {
	if labels == nil || labels.Len() == 0 {
		return nil, errors.New("encoder requires a non-empty label set")
	}
	if maxLen <= 0 {
		return nil, errors.Errorf("invalid maxLen %d", maxLen)
	}
	return &Encoder{labels: labels, maxLen: maxLen}, nil
}

// Labels returns the label set of the encoder.
func (e *Encoder) Labels() *ner.LabelSet { return e.labels }

// MaxLen returns the sequence length of the encoder.
func (e *Encoder) MaxLen() int { return e.maxLen }

// EncodedSpan is an entity placed in the label matrices.
type EncodedSpan struct {
	Label, StartToken, EndToken int
	Entity                      ner.Entity
}

// Encoding holds the label matrices of one example, flat in row-major [numLabels, maxLen, maxLen] order.
type Encoding struct {
	Labels, CriterionMask []int8

	// Spans lists the entities that made it into Labels, in the order of the example entities.
	Spans []EncodedSpan
}

// Encode builds the label matrix and the criterion mask of the entities, given the offset map of the
// encoded sequence and its attention mask (of length maxLen).
//
// Entities that can't be placed are skipped: unknown type, characters not covered by any token,
// tokens beyond maxLen or on padding, or a start token after the end token.
//
// The criterion mask is 1 for cells (i, j) with i <= j where both positions are attended, for every label,
// regardless of the entities.
func (e *Encoder) Encode(entities []ner.Entity, offsets *OffsetMap, attentionMask []int32) (*Encoding, error) {
	if len(attentionMask) != e.maxLen {
		return nil, errors.Errorf("attention mask has length %d, expected %d", len(attentionMask), e.maxLen)
	}
	numLabels, maxLen := e.labels.Len(), e.maxLen
	matrixSize := maxLen * maxLen
	enc := &Encoding{
		Labels:        make([]int8, numLabels*matrixSize),
		CriterionMask: make([]int8, numLabels*matrixSize),
	}

	valid := func(token int) bool {
		return token >= 0 && token < maxLen && attentionMask[token] != 0
	}
	for _, entity := range entities {
		labelID, found := e.labels.ID(entity.Type)
		if !found {
			continue
		}
		start, startFound := offsets.CharToToken(entity.StartIdx)
		end, endFound := offsets.CharToEndToken(entity.EndIdx)
		if !startFound || !endFound || !valid(start) || !valid(end) || start > end {
			continue
		}
		enc.Labels[labelID*matrixSize+start*maxLen+end] = 1
		enc.Spans = append(enc.Spans, EncodedSpan{Label: labelID, StartToken: start, EndToken: end, Entity: entity})
	}

	// The mask is the same for every label: build it once and copy it.
	for i := range maxLen {
		if attentionMask[i] == 0 {
			continue
		}
		for j := i; j < maxLen; j++ {
			if attentionMask[j] != 0 {
				enc.CriterionMask[i*maxLen+j] = 1
			}
		}
	}
	for labelID := 1; labelID < numLabels; labelID++ {
		copy(enc.CriterionMask[labelID*matrixSize:(labelID+1)*matrixSize], enc.CriterionMask[:matrixSize])
	}
	return enc, nil
}
