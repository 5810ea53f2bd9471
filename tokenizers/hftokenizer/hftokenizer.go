// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format.
// This format is used by the HuggingFace Tokenizers library (the "fast" tokenizers)
// and supports WordPiece (BERT), BPE (GPT-2, RoBERTa), and Unigram models.
//
// Every token produced keeps the byte span of the original text it was built from, through
// normalization and pre-tokenization, so it can be used for token classification (NER).
package hftokenizer

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/go-globalpointer/hub"
	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/pkg/errors"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
type TokenizerJSON struct {
	Version       string          `json:"version"`
	Truncation    json.RawMessage `json:"truncation"`
	Padding       json.RawMessage `json:"padding"`
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    *Normalizer     `json:"normalizer"`
	PreTokenizer  *PreTokenizer   `json:"pre_tokenizer"`
	PostProcessor *PostProcessor  `json:"post_processor"`
	Decoder       *Decoder        `json:"decoder"`
	Model         Model           `json:"model"`
}

// AddedToken represents a special token added to the vocabulary.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type        string       `json:"type"`
	Lowercase   bool         `json:"lowercase"`
	Normalizer  *Normalizer  `json:"normalizer"`
	Pattern     *Pattern     `json:"pattern"`
	Normalizers []Normalizer `json:"normalizers"`

	// BertNormalizer options: nil means the HuggingFace default.
	CleanText          *bool `json:"clean_text"`
	HandleChineseChars *bool `json:"handle_chinese_chars"`
	StripAccents       *bool `json:"strip_accents"`

	// Replace and Prepend options.
	Content string `json:"content"`
	Prepend string `json:"prepend"`
}

// Pattern for regex-based operations.
type Pattern struct {
	Regex  string `json:"Regex,omitempty"`
	String string `json:"String,omitempty"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type           string         `json:"type"`
	AddPrefixSpace bool           `json:"add_prefix_space"`
	PreTokenizers  []PreTokenizer `json:"pretokenizers"`
	Pattern        *Pattern       `json:"pattern"`
	Behavior       string         `json:"behavior"`
	Invert         bool           `json:"invert"`
}

// PostProcessor represents the post-processor configuration.
type PostProcessor struct {
	Type          string                          `json:"type"`
	Single        []PostProcItem                  `json:"single"`
	Pair          []PostProcItem                  `json:"pair"`
	SpecialTokens map[string]PostProcSpecialToken `json:"special_tokens"`
}

// PostProcItem is an item in post-processing.
type PostProcItem struct {
	ID           string `json:"id,omitempty"`
	TypeID       int    `json:"type_id"`
	SpecialToken *struct {
		ID     string `json:"id"`
		TypeID int    `json:"type_id"`
	} `json:"SpecialToken,omitempty"`
	Sequence *struct {
		ID     string `json:"id"`
		TypeID int    `json:"type_id"`
	} `json:"Sequence,omitempty"`
}

// PostProcSpecialToken defines a special token for post-processing.
type PostProcSpecialToken struct {
	ID     string   `json:"id"`
	IDs    []int    `json:"ids"`
	Tokens []string `json:"tokens"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type     string    `json:"type"`
	Prefix   string    `json:"prefix"`
	Suffix   string    `json:"suffix"`
	Decoders []Decoder `json:"decoders"`
	Pattern  *Pattern  `json:"pattern"`
	Content  string    `json:"content"`
}

// Model represents the tokenizer model (WordPiece, BPE, or Unigram).
type Model struct {
	Type                    string         `json:"type"`
	Vocab                   map[string]int `json:"vocab"`
	Merges                  []string       `json:"merges"`
	UnkToken                string         `json:"unk_token"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
	FuseUnk                 bool           `json:"fuse_unk"`
	ByteFallback            bool           `json:"byte_fallback"`
	Dropout                 *float64       `json:"dropout"`
	EndOfWordSuffix         string         `json:"end_of_word_suffix"`
}

// Tokenizer implements the api.Tokenizer interface for HuggingFace tokenizer.json files.
type Tokenizer struct {
	config     *api.Config
	tokenizer  *TokenizerJSON
	idToToken  map[int]string
	mergeRanks map[string]int // For BPE: maps "token1 token2" to merge priority

	// Special token IDs
	unkID  int
	padID  int
	bosID  int
	eosID  int
	clsID  int
	sepID  int
	maskID int

	// Added tokens lookup (content -> id)
	addedTokens map[string]int

	// rawMatches are the added tokens matched verbatim on the input text, longest first.
	rawMatches []string
}

// Compile time assert that Tokenizer implements api.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// Compile time assert that Tokenizer implements api.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

// New creates a HuggingFace tokenizer from the tokenizer.json file.
// It implements a tokenizer.TokenizerConstructor function signature.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	if !repo.HasFile("tokenizer.json") {
		return nil, errors.Errorf("\"tokenizer.json\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.json")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download tokenizer.json file")
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	return newTokenizer(config, &tj), nil
}

func newTokenizer(config *api.Config, tj *TokenizerJSON) *Tokenizer {
	t := &Tokenizer{
		config:      config,
		tokenizer:   tj,
		idToToken:   make(map[int]string),
		addedTokens: make(map[string]int),
		unkID:       -1,
		padID:       -1,
		bosID:       -1,
		eosID:       -1,
		clsID:       -1,
		sepID:       -1,
		maskID:      -1,
	}

	// Build reverse vocab (id -> token)
	for token, id := range tj.Model.Vocab {
		t.idToToken[id] = token
	}
	for _, at := range tj.AddedTokens {
		t.addedTokens[at.Content] = at.ID
		t.idToToken[at.ID] = at.Content
	}
	t.indexRawMatches()

	if tj.Model.Type == "BPE" {
		t.mergeRanks = make(map[string]int)
		for i, merge := range tj.Model.Merges {
			t.mergeRanks[merge] = i
		}
	}

	t.resolveSpecialTokens()
	return t
}

// indexRawMatches lists the added tokens that are matched on the raw text, before normalization.
func (t *Tokenizer) indexRawMatches() {
	t.rawMatches = t.rawMatches[:0]
	for _, at := range t.tokenizer.AddedTokens {
		if at.Content == "" || (at.Normalized && !at.Special) {
			continue
		}
		t.rawMatches = append(t.rawMatches, at.Content)
	}
	sort.SliceStable(t.rawMatches, func(i, j int) bool {
		return len(t.rawMatches[i]) > len(t.rawMatches[j])
	})
}

// resolveSpecialTokens maps special tokens from config to their IDs.
func (t *Tokenizer) resolveSpecialTokens() {
	if t.tokenizer.Model.UnkToken != "" {
		if id, ok := t.tokenizer.Model.Vocab[t.tokenizer.Model.UnkToken]; ok {
			t.unkID = id
		}
	}

	for _, at := range t.tokenizer.AddedTokens {
		if !at.Special {
			continue
		}
		content := at.Content
		switch {
		case content == "[UNK]" || content == "<unk>":
			t.unkID = at.ID
		case content == "[PAD]" || content == "<pad>":
			t.padID = at.ID
		case content == "[CLS]" || content == "<s>":
			t.clsID = at.ID
		case content == "[SEP]" || content == "</s>":
			t.sepID = at.ID
		case content == "[MASK]" || content == "<mask>":
			t.maskID = at.ID
		}
		if t.config != nil {
			if content == string(t.config.BosToken) {
				t.bosID = at.ID
			}
			if content == string(t.config.EosToken) {
				t.eosID = at.ID
			}
		}
	}

	if t.config == nil {
		return
	}
	fallbacks := []struct {
		id      *int
		content api.TokenContent
	}{
		{&t.unkID, t.config.UnkToken},
		{&t.padID, t.config.PadToken},
		{&t.clsID, t.config.ClsToken},
		{&t.sepID, t.config.SepToken},
		{&t.maskID, t.config.MaskToken},
		{&t.bosID, t.config.BosToken},
		{&t.eosID, t.config.EosToken},
	}
	for _, fb := range fallbacks {
		if *fb.id != -1 || fb.content == "" {
			continue
		}
		if id, ok := t.tokenizer.Model.Vocab[string(fb.content)]; ok {
			*fb.id = id
		}
	}
}

// Encode converts text to a sequence of token IDs.
// No special tokens (like [CLS] or [SEP]) are added.
func (t *Tokenizer) Encode(text string) []int {
	return t.EncodeWithSpans(text).IDs
}

// EncodeWithSpans converts text to a sequence of token IDs, along with the byte span in text each
// token was built from. It implements api.TokenizerWithSpans.
//
// Added tokens are matched on the raw text first; the rest goes through normalization,
// pre-tokenization and the model.
func (t *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	var result api.EncodingResult
	for _, seg := range t.splitOnAddedTokens(text) {
		if seg.id >= 0 {
			result.IDs = append(result.IDs, seg.id)
			result.Spans = append(result.Spans, api.TokenSpan{Start: seg.start, End: seg.end})
			continue
		}
		units := t.normalize(toUnits(text[seg.start:seg.end], seg.start))
		for _, word := range t.preTokenize(units) {
			for _, tok := range t.tokenizeWord(word) {
				result.IDs = append(result.IDs, tok.id)
				result.Spans = append(result.Spans, api.TokenSpan{Start: tok.start, End: tok.end})
			}
		}
	}
	return result
}

// segment of the input text: either an added token (id >= 0) or text to be tokenized (id == -1).
type segment struct {
	start, end int
	id         int
}

func (t *Tokenizer) splitOnAddedTokens(text string) []segment {
	if len(t.rawMatches) == 0 {
		return []segment{{start: 0, end: len(text), id: -1}}
	}
	var segments []segment
	last := 0
	for pos := 0; pos < len(text); {
		content, found := t.matchAddedToken(text, pos)
		if !found {
			_, size := utf8.DecodeRuneInString(text[pos:])
			pos += size
			continue
		}
		if pos > last {
			segments = append(segments, segment{start: last, end: pos, id: -1})
		}
		segments = append(segments, segment{start: pos, end: pos + len(content), id: t.addedTokens[content]})
		pos += len(content)
		last = pos
	}
	if last < len(text) {
		segments = append(segments, segment{start: last, end: len(text), id: -1})
	}
	return segments
}

func (t *Tokenizer) matchAddedToken(text string, pos int) (string, bool) {
	for _, content := range t.rawMatches {
		if strings.HasPrefix(text[pos:], content) {
			return content, true
		}
	}
	return "", false
}

// SpecialTokenID returns the ID for a given special token.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		if t.unkID >= 0 {
			return t.unkID, nil
		}
	case api.TokPad:
		if t.padID >= 0 {
			return t.padID, nil
		}
	case api.TokBeginningOfSentence:
		if t.bosID >= 0 {
			return t.bosID, nil
		}
		// Fall back to CLS for BERT-style models
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	case api.TokEndOfSentence:
		if t.eosID >= 0 {
			return t.eosID, nil
		}
		// Fall back to SEP for BERT-style models
		if t.sepID >= 0 {
			return t.sepID, nil
		}
	case api.TokMask:
		if t.maskID >= 0 {
			return t.maskID, nil
		}
	case api.TokClassification:
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// GetTokenizerType returns the model type (WordPiece, BPE, Unigram).
func (t *Tokenizer) GetTokenizerType() string {
	return t.tokenizer.Model.Type
}
