// Package sentencepiece implements a tokenizers.Tokenizer based on SentencePiece tokenizer.
package sentencepiece

import (
	"strconv"
	"strings"
	"unicode"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-globalpointer/hub"
	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/pkg/errors"
)

// New creates a SentencePiece tokenizer based on the "tokenizer.model" file, which must be a
// SentencePiece Model proto.
//
// It implements a tokenizer.TokenizerConstructor function signature.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	if !repo.HasFile("tokenizer.model") {
		return nil, errors.Errorf("\"tokenizer.model\" file not found in %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.model")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download tokenizer.model file")
	}
	return NewFromFile(tokenizerFile)
}

// NewFromFile creates a SentencePiece tokenizer from a local "tokenizer.model" file.
func NewFromFile(filePath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", filePath)
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
	}, nil
}

// Tokenizer implements tokenizers.Tokenizer interface based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

// Compile time assert that sentencepiece.Tokenizer implements tokenizers.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// Compile time assert that sentencepiece.Tokenizer implements tokenizers.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

// EncodeWithSpans returns the text encoded into a sequence of ids along with their byte spans.
// It implements api.TokenizerWithSpans.
func (p *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	pieces := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
		pieces[i] = t.Text
	}
	return api.EncodingResult{IDs: ids, Spans: alignPieces(text, pieces)}
}

// alignPieces finds the byte span of each piece in text, scanning left to right.
//
// SentencePiece replaces spaces with U+2581: the whitespace it stands for is skipped, and a piece
// made only of it covers the whitespace alone. Byte fallback pieces ("<0xE5>") cover
// one byte each. Pieces that can't be found, e.g. because normalization changed them, get an empty
// span at the current position.
func alignPieces(text string, pieces []string) []api.TokenSpan {
	spans := make([]api.TokenSpan, len(pieces))
	pos := 0
	for i, piece := range pieces {
		if _, isByte := byteFallback(piece); isByte {
			end := min(pos+1, len(text))
			spans[i] = api.TokenSpan{Start: pos, End: end}
			pos = end
			continue
		}

		content := strings.TrimLeft(piece, "▁")
		hasLeadingSpace := len(content) < len(piece)
		start := pos
		if hasLeadingSpace {
			for pos < len(text) && unicode.IsSpace(rune(text[pos])) {
				pos++
			}
		}
		if content == "" {
			spans[i] = api.TokenSpan{Start: start, End: pos}
			continue
		}
		if idx := strings.Index(text[pos:], content); idx >= 0 {
			start = pos + idx
			pos = start + len(content)
			spans[i] = api.TokenSpan{Start: start, End: pos}
			continue
		}
		spans[i] = api.TokenSpan{Start: pos, End: pos}
	}
	return spans
}

// byteFallback parses pieces of the form "<0xHH>".
func byteFallback(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	id := -1
	switch token {
	case api.TokUnknown:
		id = p.Info.UnknownID
	case api.TokPad:
		id = p.Info.PadID
	case api.TokBeginningOfSentence:
		id = p.Info.BeginningOfSentenceID
	case api.TokEndOfSentence:
		id = p.Info.EndOfSentenceID
	}
	if id < 0 {
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	return id, nil
}

// VocabSize returns the number of pieces of the model.
func (p *Tokenizer) VocabSize() int {
	return p.Info.VocabularySize
}
