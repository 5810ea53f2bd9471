package globalpointer

import (
	"strings"
	"unicode"

	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrTokenizationMismatch is returned by the tokenization check when the tokens of an encoded
// entity don't decode back to the entity text.
var ErrTokenizationMismatch = errors.New("tokenization mismatch")

// LoadMode selects when the features of a Dataset are built.
type LoadMode int

const (
	// Eager builds all features when the Dataset is created.
	Eager LoadMode = iota

	// Lazy builds the feature of an example each time it is requested, and keeps nothing.
	Lazy
)

// String implements fmt.Stringer.
func (m LoadMode) String() string {
	if m == Lazy {
		return "lazy"
	}
	return "eager"
}

// Dataset produces the features of a list of examples.
//
// Both load modes produce identical features. A Dataset is read-only after creation and can be
// used concurrently.
type Dataset struct {
	examples  []*ner.Example
	tokenizer api.TokenizerWithSpans
	encoder   *Encoder
	mode      LoadMode
	check     bool

	clsID, sepID, padID int
	hasCLS, hasSEP      bool

	features []*Feature
}

// DatasetOption configures a Dataset.
type DatasetOption func(d *Dataset)

// WithLoadMode sets when features are built. The default is Eager.
func WithLoadMode(mode LoadMode) DatasetOption {
	return func(d *Dataset) { d.mode = mode }
}

// WithTokenizationCheck enables decoding the tokens of every encoded entity and comparing them to the
// entity text. It is expensive, and a mismatch makes Feature fail with ErrTokenizationMismatch.
func WithTokenizationCheck(check bool) DatasetOption {
	return func(d *Dataset) { d.check = check }
}

// NewDataset creates the Dataset of examples, encoded in sequences of maxLen tokens.
//
// The tokenizer must implement api.TokenizerWithSpans. Sequences are wrapped in the classification
// and end-of-sentence special tokens if the tokenizer has them.
func NewDataset(examples []*ner.Example, tokenizer api.Tokenizer, labels *ner.LabelSet, maxLen int, opts ...DatasetOption) (*Dataset, error) {
	withSpans, ok := tokenizer.(api.TokenizerWithSpans)
	if !ok {
		return nil, errors.Errorf("tokenizer %T doesn't report token spans, which global pointer encoding requires", tokenizer)
	}
	encoder, err := NewEncoder(labels, maxLen)
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		examples:  examples,
		tokenizer: withSpans,
		encoder:   encoder,
	}
	for _, opt := range opts {
		opt(d)
	}

	if id, err := tokenizer.SpecialTokenID(api.TokClassification); err == nil {
		d.clsID, d.hasCLS = id, true
	}
	if id, err := tokenizer.SpecialTokenID(api.TokEndOfSentence); err == nil {
		d.sepID, d.hasSEP = id, true
	}
	if id, err := tokenizer.SpecialTokenID(api.TokPad); err == nil {
		d.padID = id
	} else {
		klog.Warningf("tokenizer %T has no padding token, padding with id 0", tokenizer)
	}
	if numSpecial := d.numSpecialTokens(); maxLen <= numSpecial {
		return nil, errors.Errorf("maxLen %d leaves no room for text tokens besides %d special tokens", maxLen, numSpecial)
	}

	if d.mode == Eager {
		d.features = make([]*Feature, len(examples))
		for i := range examples {
			d.features[i], err = d.build(i)
			if err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func (d *Dataset) numSpecialTokens() int {
	n := 0
	if d.hasCLS {
		n++
	}
	if d.hasSEP {
		n++
	}
	return n
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.examples)
}

// Examples returns the examples of the dataset.
func (d *Dataset) Examples() []*ner.Example {
	return d.examples
}

// Labels returns the label set used to encode the entities.
func (d *Dataset) Labels() *ner.LabelSet {
	return d.encoder.Labels()
}

// MaxLen returns the sequence length of the features.
func (d *Dataset) MaxLen() int {
	return d.encoder.MaxLen()
}

// Mode returns the load mode of the dataset.
func (d *Dataset) Mode() LoadMode {
	return d.mode
}

// Feature returns the feature of the i-th example.
func (d *Dataset) Feature(i int) (*Feature, error) {
	if i < 0 || i >= len(d.examples) {
		return nil, errors.Errorf("example index %d out of range [0, %d)", i, len(d.examples))
	}
	if d.features != nil {
		return d.features[i], nil
	}
	return d.build(i)
}

// build tokenizes and encodes the i-th example.
func (d *Dataset) build(i int) (*Feature, error) {
	ex := d.examples[i]
	maxLen := d.encoder.MaxLen()
	encoding := d.tokenizer.EncodeWithSpans(ex.Text)
	if len(encoding.Spans) != len(encoding.IDs) {
		return nil, errors.Errorf("example #%d: tokenizer returned %d ids but %d spans", i, len(encoding.IDs), len(encoding.Spans))
	}

	// Truncate the text tokens so the special tokens fit, then wrap them. Special tokens get empty spans.
	numText := min(len(encoding.IDs), maxLen-d.numSpecialTokens())
	ids := make([]int, 0, numText+2)
	spans := make([]api.TokenSpan, 0, numText+2)
	if d.hasCLS {
		ids = append(ids, d.clsID)
		spans = append(spans, api.TokenSpan{})
	}
	ids = append(ids, encoding.IDs[:numText]...)
	spans = append(spans, encoding.Spans[:numText]...)
	if d.hasSEP {
		ids = append(ids, d.sepID)
		spans = append(spans, api.TokenSpan{})
	}

	f := &Feature{
		Example:       ex,
		Offsets:       NewOffsetMap(ex.Text, spans),
		InputIDs:      make([]int32, maxLen),
		AttentionMask: make([]int32, maxLen),
		TokenTypeIDs:  make([]int32, maxLen),
		NumLabels:     d.encoder.Labels().Len(),
		MaxLen:        maxLen,
	}
	for pos := range maxLen {
		if pos < len(ids) {
			f.InputIDs[pos] = int32(ids[pos])
			f.AttentionMask[pos] = 1
		} else {
			f.InputIDs[pos] = int32(d.padID)
		}
	}
	enc, err := d.encoder.Encode(ex.Entities, f.Offsets, f.AttentionMask)
	if err != nil {
		return nil, errors.WithMessagef(err, "example #%d", i)
	}
	f.Labels, f.CriterionMask, f.Spans = enc.Labels, enc.CriterionMask, enc.Spans

	if d.check {
		if err := d.checkTokenization(ids, enc.Spans); err != nil {
			return nil, errors.WithMessagef(err, "example #%d (%q)", i, ex.Text)
		}
	}
	return f, nil
}

// checkTokenization decodes the tokens of each encoded span and compares them with the entity text.
func (d *Dataset) checkTokenization(ids []int, spans []EncodedSpan) error {
	for _, span := range spans {
		decoded := d.tokenizer.Decode(ids[span.StartToken : span.EndToken+1])
		want := span.Entity.Entity
		if normalizer, ok := d.tokenizer.(api.TokenizerWithNormalizer); ok {
			want = normalizer.Normalize(want)
		}
		if canonicalText(decoded) != canonicalText(want) {
			return errors.Wrapf(ErrTokenizationMismatch, "entity %q at tokens [%d, %d] decodes to %q",
				span.Entity.Entity, span.StartToken, span.EndToken, decoded)
		}
	}
	return nil
}

// canonicalText removes whitespace and word-piece continuation markers, and folds case.
func canonicalText(text string) string {
	text = strings.ReplaceAll(text, "##", "")
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, text)
}
