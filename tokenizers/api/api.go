// Package api defines the Tokenizer API.
// It's just a hack to break the cyclic dependency, and allow the users to import `tokenizers` and get the
// default implementations.
package api

import "fmt"

// TokenSpan represents the byte span of a token in the original text.
// Start and End are byte offsets (not rune offsets), suitable for slicing
// Go strings directly: originalText[span.Start:span.End].
// This is useful for token classification tasks (NER, chunking) where you need
// to map token predictions back to positions in the original text.
type TokenSpan struct {
	Start int // start byte position (inclusive)
	End   int // end byte position (exclusive)
}

// EncodingResult contains tokens with their spans in the original text.
type EncodingResult struct {
	IDs   []int       // token IDs
	Spans []TokenSpan // byte spans for each token (use originalText[span.Start:span.End] to extract)
}

// Tokenizer interface allows one convert test to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// TokenizerWithSpans extends Tokenizer with span tracking capability.
// This is useful for token classification tasks (NER, chunking) where you need
// to map token predictions back to byte positions in the original text.
type TokenizerWithSpans interface {
	Tokenizer
	// EncodeWithSpans returns tokens along with their byte spans in the original text.
	EncodeWithSpans(text string) EncodingResult
}

// TokenizerWithNormalizer is implemented by tokenizers that normalize the text (case folding,
// accent stripping, etc.) before splitting it into tokens.
type TokenizerWithNormalizer interface {
	// Normalize returns text as the tokenizer sees it before pre-tokenization.
	Normalize(text string) string
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

// SpecialTokenValues lists the valid special tokens, in order.
func SpecialTokenValues() []SpecialToken {
	values := make([]SpecialToken, 0, TokSpecialTokensCount)
	for t := SpecialToken(0); t < TokSpecialTokensCount; t++ {
		values = append(values, t)
	}
	return values
}
