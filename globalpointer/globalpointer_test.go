package globalpointer

import (
	"testing"

	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/gomlx/go-globalpointer/tokenizers/hftokenizer"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ids: [PAD]=0 [UNK]=1 [CLS]=2 [SEP]=3 [MASK]=4 我=5 在=6 北=7 京=8 天=9 安=10 门=11.
const testVocab = "[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\n我\n在\n北\n京\n天\n安\n门\n"

func newTestTokenizer(t *testing.T) *hftokenizer.Tokenizer {
	tok, err := hftokenizer.NewFromVocab(nil, []byte(testVocab))
	require.NoError(t, err)
	tok.AddSpecialTokens(" ", "\n")
	return tok
}

var testLabels = ner.MustNewLabelSet("ns", "nt", "nr")

func TestOffsetMap(t *testing.T) {
	// [CLS] 北 京 ok [SEP], with "ok" a 2-byte token and "京" a 3-byte token.
	text := "北京ok"
	m := NewOffsetMap(text, []api.TokenSpan{{}, {0, 3}, {3, 6}, {6, 8}, {}})
	assert.Equal(t, 4, m.NumChars())
	assert.Equal(t, 5, m.NumTokens())

	for char, wantToken := range []int{1, 2, 3, 3} {
		token, found := m.CharToToken(char)
		require.True(t, found)
		assert.Equal(t, wantToken, token, "char %d", char)
	}
	_, found := m.CharToToken(4)
	assert.False(t, found)

	start, found := m.TokenStartChar(3)
	require.True(t, found)
	assert.Equal(t, 2, start)
	end, found := m.TokenEndChar(3)
	require.True(t, found)
	assert.Equal(t, 3, end)

	for _, token := range []int{0, 4, 5, -1} {
		_, found := m.TokenStartChar(token)
		assert.False(t, found, "token %d must not map to a character", token)
		_, found = m.TokenEndChar(token)
		assert.False(t, found, "token %d must not map to a character", token)
	}
}

func TestOffsetMapSharedCharacter(t *testing.T) {
	// Byte-level tokens: "北" split in two tokens.
	m := NewOffsetMap("北", []api.TokenSpan{{0, 3}, {0, 3}})
	first, _ := m.CharToToken(0)
	last, _ := m.CharToEndToken(0)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, last)
}

func TestEncodeBeijing(t *testing.T) {
	ex := ner.NewExample("北京天安门", []ner.Entity{{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}})
	ds, err := NewDataset([]*ner.Example{ex}, newTestTokenizer(t), testLabels, 16)
	require.NoError(t, err)
	f, err := ds.Feature(0)
	require.NoError(t, err)

	assert.Equal(t, []int32{2, 7, 8, 9, 10, 11, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0}, f.InputIDs)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}, f.AttentionMask)
	assert.Equal(t, make([]int32, 16), f.TokenTypeIDs)

	t0, _ := f.Offsets.CharToToken(0)
	t1, _ := f.Offsets.CharToToken(1)
	assert.Equal(t, 1, t0)
	assert.Equal(t, 2, t1)
	numOnes := 0
	for _, v := range f.Labels {
		numOnes += int(v)
	}
	assert.Equal(t, 1, numOnes)
	assert.Equal(t, int8(1), f.At(0, t0, t1))

	// Decoding the encoded matrix gives back exactly the entity.
	scores := make([]float32, len(f.Labels))
	for i, v := range f.Labels {
		scores[i] = float32(v)
	}
	entities, err := NewDecoder(testLabels).DecodeFeature(f, scores)
	require.NoError(t, err)
	assert.Equal(t, []ner.Entity{{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}}, entities)
}

func TestCriterionMask(t *testing.T) {
	ex := ner.NewExample("我在北京", nil)
	ds, err := NewDataset([]*ner.Example{ex}, newTestTokenizer(t), testLabels, 10)
	require.NoError(t, err)
	f, err := ds.Feature(0)
	require.NoError(t, err)
	numTokens := f.NumTokens()
	assert.Equal(t, 6, numTokens)
	for label := range testLabels.Len() {
		for i := range f.MaxLen {
			for j := range f.MaxLen {
				want := i <= j && i < numTokens && j < numTokens
				assert.Equal(t, want, f.Valid(label, i, j), "label=%d i=%d j=%d", label, i, j)
			}
		}
	}
}

func TestEncoderSkipsUnmappableEntities(t *testing.T) {
	text := "我在北京天安门"
	ex := ner.NewExample(text, []ner.Entity{
		{StartIdx: 2, EndIdx: 3, Entity: "北京", Type: "ns"},
		{StartIdx: 4, EndIdx: 6, Entity: "天安门", Type: "ns"},  // Truncated away.
		{StartIdx: 2, EndIdx: 3, Entity: "北京", Type: "city"}, // Unknown type.
		{StartIdx: 3, EndIdx: 2, Entity: "", Type: "ns"},      // Reversed.
		{StartIdx: 5, EndIdx: 9, Entity: "安门", Type: "nt"},    // Outside the text.
	})
	// maxLen=6: [CLS] 我 在 北 京 [SEP]
	ds, err := NewDataset([]*ner.Example{ex}, newTestTokenizer(t), testLabels, 6)
	require.NoError(t, err)
	f, err := ds.Feature(0)
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 5, 6, 7, 8, 3}, f.InputIDs)
	require.Len(t, f.Spans, 1)
	assert.Equal(t, EncodedSpan{Label: 0, StartToken: 3, EndToken: 4, Entity: ex.Entities[0]}, f.Spans[0])

	// Last character is kept in the truncated offsets, but not the ones after.
	_, found := f.Offsets.CharToToken(3)
	assert.True(t, found)
	_, found = f.Offsets.CharToToken(4)
	assert.False(t, found)
}

func TestEncoderSameSpanDifferentTypes(t *testing.T) {
	encoder, err := NewEncoder(testLabels, 4)
	require.NoError(t, err)
	offsets := NewOffsetMap("北京", []api.TokenSpan{{}, {0, 3}, {3, 6}, {}})
	enc, err := encoder.Encode([]ner.Entity{
		{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"},
		{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "nt"},
		{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"},
	}, offsets, []int32{1, 1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, int8(1), enc.Labels[0*16+1*4+2])
	assert.Equal(t, int8(1), enc.Labels[1*16+1*4+2])
	assert.Equal(t, int8(0), enc.Labels[2*16+1*4+2])

	_, err = encoder.Encode(nil, offsets, []int32{1, 1})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	examples := []*ner.Example{
		ner.NewExample("我在北京天安门", []ner.Entity{
			{StartIdx: 2, EndIdx: 3, Entity: "北京", Type: "ns"},
			{StartIdx: 2, EndIdx: 6, Entity: "北京天安门", Type: "ns"},
			{StartIdx: 4, EndIdx: 6, Entity: "天安门", Type: "nt"},
		}),
		ner.NewExample("北京 天安门", []ner.Entity{
			{StartIdx: 3, EndIdx: 5, Entity: "天安门", Type: "nr"},
			{StartIdx: 0, EndIdx: 0, Entity: "北", Type: "ns"},
		}),
		ner.NewExample("在", nil),
	}
	ds, err := NewDataset(examples, newTestTokenizer(t), testLabels, 12, WithTokenizationCheck(true))
	require.NoError(t, err)

	var features []*Feature
	var scores []float32
	for i := range ds.Len() {
		f, err := ds.Feature(i)
		require.NoError(t, err)
		features = append(features, f)
		for _, v := range f.Labels {
			scores = append(scores, 10*float32(v)-5)
		}
	}
	preds, err := NewDecoder(testLabels).Decode(features, scores)
	require.NoError(t, err)
	require.Len(t, preds, len(examples))
	for i, ex := range examples {
		assert.Equal(t, ex.Text, preds[i].Text)
		assert.ElementsMatch(t, ex.Entities, preds[i].Entities, "example #%d", i)
	}

	logits := tensors.FromFlatDataAndDimensions(scores, len(features), testLabels.Len(), 12, 12)
	fromTensor, err := NewDecoder(testLabels).DecodeTensor(features, logits)
	require.NoError(t, err)
	assert.Equal(t, preds, fromTensor)
}

func TestDecoder(t *testing.T) {
	ex := ner.NewExample("北京天安门", nil)
	ds, err := NewDataset([]*ner.Example{ex}, newTestTokenizer(t), testLabels, 8)
	require.NoError(t, err)
	f, err := ds.Feature(0)
	require.NoError(t, err)

	scores := make([]float32, 3*8*8)
	set := func(label, i, j int, v float32) { scores[(label*8+i)*8+j] = v }
	set(1, 3, 5, 2)   // 天安门 (nt)
	set(0, 1, 5, 0.5) // 北京天安门 (ns)
	set(0, 1, 2, 3)   // 北京 (ns)
	set(0, 2, 1, 9)   // Lower triangle.
	set(0, 0, 2, 9)   // [CLS].
	set(0, 4, 6, 9)   // [SEP].
	set(2, 7, 7, 9)   // Padding.
	set(2, 3, 3, -1)  // Negative.

	entities, err := NewDecoder(testLabels).DecodeFeature(f, scores)
	require.NoError(t, err)
	assert.Equal(t, []ner.Entity{
		{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"},
		{StartIdx: 0, EndIdx: 4, Entity: "北京天安门", Type: "ns"},
		{StartIdx: 2, EndIdx: 4, Entity: "天安门", Type: "nt"},
	}, entities)

	entities, err = NewDecoder(testLabels, WithThreshold(1)).DecodeFeature(f, scores)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	_, err = NewDecoder(testLabels).DecodeFeature(f, scores[:10])
	assert.Error(t, err)
	_, err = NewDecoder(testLabels).DecodeTensor([]*Feature{f}, tensors.FromFlatDataAndDimensions(scores, 1, 3, 4, 16))
	assert.Error(t, err)
}

func TestDecoderLabelCountMismatch(t *testing.T) {
	ds, err := NewDataset([]*ner.Example{ner.NewExample("北京", nil)}, newTestTokenizer(t), testLabels, 4)
	require.NoError(t, err)
	f, err := ds.Feature(0)
	require.NoError(t, err)

	// Scores sized for the decoder's labels, so only the label count is wrong.
	twoLabels := ner.MustNewLabelSet("ns", "nt")
	_, err = NewDecoder(twoLabels).DecodeFeature(f, make([]float32, 2*4*4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels")

	fourLabels := ner.MustNewLabelSet("ns", "nt", "nr", "org")
	_, err = NewDecoder(fourLabels).DecodeFeature(f, make([]float32, 4*4*4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoded with 3 labels")
}

func TestLazyAndEagerMatch(t *testing.T) {
	examples := []*ner.Example{
		ner.NewExample("我在北京天安门", []ner.Entity{{StartIdx: 2, EndIdx: 6, Entity: "北京天安门", Type: "ns"}}),
		ner.NewExample("天安门\n北京", []ner.Entity{{StartIdx: 4, EndIdx: 5, Entity: "北京", Type: "ns"}}),
	}
	tok := newTestTokenizer(t)
	eager, err := NewDataset(examples, tok, testLabels, 9)
	require.NoError(t, err)
	lazy, err := NewDataset(examples, tok, testLabels, 9, WithLoadMode(Lazy))
	require.NoError(t, err)
	assert.Equal(t, Eager, eager.Mode())
	assert.Equal(t, "lazy", lazy.Mode().String())

	for i := range examples {
		fe, err := eager.Feature(i)
		require.NoError(t, err)
		fl, err := lazy.Feature(i)
		require.NoError(t, err)
		assert.Equal(t, fe, fl)
	}
	_, err = lazy.Feature(2)
	assert.Error(t, err)
}

func TestTokenizationCheck(t *testing.T) {
	// "X" is not in the vocabulary and becomes [UNK].
	examples := []*ner.Example{ner.NewExample("北X", []ner.Entity{{StartIdx: 0, EndIdx: 1, Entity: "北X", Type: "ns"}})}
	tok := newTestTokenizer(t)
	_, err := NewDataset(examples, tok, testLabels, 8)
	require.NoError(t, err)

	_, err = NewDataset(examples, tok, testLabels, 8, WithTokenizationCheck(true))
	require.ErrorIs(t, err, ErrTokenizationMismatch)

	lazy, err := NewDataset(examples, tok, testLabels, 8, WithTokenizationCheck(true), WithLoadMode(Lazy))
	require.NoError(t, err)
	_, err = lazy.Feature(0)
	require.ErrorIs(t, err, ErrTokenizationMismatch)
}

func TestTokenizationCheckNormalizesEntities(t *testing.T) {
	// The tokenizer strips accents and lowercases, so "Café" decodes to "cafe".
	tok, err := hftokenizer.NewFromVocab(nil, []byte(testVocab+"cafe\n"))
	require.NoError(t, err)
	assert.Equal(t, "cafe", tok.Normalize("Café"))

	examples := []*ner.Example{ner.NewExample("Café北京", []ner.Entity{
		{StartIdx: 0, EndIdx: 3, Entity: "Café", Type: "nt"},
		{StartIdx: 4, EndIdx: 5, Entity: "北京", Type: "ns"},
	})}
	for _, mode := range []LoadMode{Eager, Lazy} {
		ds, err := NewDataset(examples, tok, testLabels, 8, WithTokenizationCheck(true), WithLoadMode(mode))
		require.NoError(t, err, "mode %s", mode)
		f, err := ds.Feature(0)
		require.NoError(t, err, "mode %s", mode)
		require.Len(t, f.Spans, 2)
		// [CLS] cafe 北 京 [SEP]
		assert.Equal(t, 1, f.Spans[0].StartToken)
		assert.Equal(t, 1, f.Spans[0].EndToken)
		assert.Equal(t, 2, f.Spans[1].StartToken)
		assert.Equal(t, 3, f.Spans[1].EndToken)
	}
}

type noSpansTokenizer struct{ api.Tokenizer }

func TestDatasetErrors(t *testing.T) {
	tok := newTestTokenizer(t)
	_, err := NewDataset(nil, noSpansTokenizer{tok}, testLabels, 8)
	assert.Error(t, err)
	_, err = NewDataset(nil, tok, testLabels, 2)
	assert.Error(t, err)
	_, err = NewDataset(nil, tok, nil, 8)
	assert.Error(t, err)
}
