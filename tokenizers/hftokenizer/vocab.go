package hftokenizer

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/pkg/errors"
)

// NewFromVocabFile creates a BERT WordPiece tokenizer from a "vocab.txt" file, with one token per
// line and the line number as the token id. It is used for models that don't ship a tokenizer.json.
func NewFromVocabFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary file %q", filePath)
	}
	tok, err := NewFromVocab(config, content)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", filePath)
	}
	return tok, nil
}

// NewFromVocab creates a BERT WordPiece tokenizer from the contents of a "vocab.txt" file.
func NewFromVocab(config *api.Config, content []byte) (*Tokenizer, error) {
	vocab := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(content))
	id := 0
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if _, found := vocab[token]; !found && token != "" {
			vocab[token] = id
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan vocabulary")
	}
	if len(vocab) == 0 {
		return nil, errors.New("empty vocabulary")
	}

	lowercase := true
	if config != nil && config.DoLowerCase != nil {
		lowercase = *config.DoLowerCase
	}
	tj := &TokenizerJSON{
		Normalizer:   &Normalizer{Type: "BertNormalizer", Lowercase: lowercase},
		PreTokenizer: &PreTokenizer{Type: "BertPreTokenizer"},
		Decoder:      &Decoder{Type: "WordPiece", Prefix: "##"},
		Model: Model{
			Type:                    "WordPiece",
			Vocab:                   vocab,
			UnkToken:                "[UNK]",
			ContinuingSubwordPrefix: "##",
			MaxInputCharsPerWord:    100,
		},
	}
	specials := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}
	if config != nil {
		if config.UnkToken != "" {
			tj.Model.UnkToken = string(config.UnkToken)
		}
		for _, special := range []api.TokenContent{config.PadToken, config.UnkToken, config.ClsToken, config.SepToken, config.MaskToken} {
			specials = append(specials, string(special))
		}
	}
	seen := make(map[string]bool)
	for _, special := range specials {
		id, ok := vocab[special]
		if !ok || seen[special] {
			continue
		}
		seen[special] = true
		tj.AddedTokens = append(tj.AddedTokens, AddedToken{ID: id, Content: special, Special: true})
	}
	tok := newTokenizer(config, tj)
	if config != nil && len(config.AdditionalSpecialTokens) > 0 {
		extra := make([]string, len(config.AdditionalSpecialTokens))
		for i, special := range config.AdditionalSpecialTokens {
			extra[i] = string(special)
		}
		tok.AddSpecialTokens(extra...)
	}
	return tok, nil
}

// AddSpecialTokens registers the given strings as special tokens: they are matched verbatim on the
// input and never split. Tokens not yet in the vocabulary get new ids after the largest current one.
//
// It returns the number of tokens added to the vocabulary, so the caller knows whether the embedding
// table has to grow.
func (t *Tokenizer) AddSpecialTokens(tokens ...string) int {
	numNew := 0
	nextID := t.VocabSize()
	for _, content := range tokens {
		if content == "" {
			continue
		}
		if _, found := t.addedTokens[content]; found {
			continue
		}
		id, inVocab := t.tokenizer.Model.Vocab[content]
		if !inVocab {
			id = nextID
			nextID++
			numNew++
		}
		t.tokenizer.AddedTokens = append(t.tokenizer.AddedTokens, AddedToken{ID: id, Content: content, Special: true})
		t.addedTokens[content] = id
		t.idToToken[id] = content
	}
	t.indexRawMatches()
	return numNew
}

// VocabSize returns the number of token ids: one more than the largest id used, which is the size
// an embedding table needs to index any token.
func (t *Tokenizer) VocabSize() int {
	maxID := -1
	for id := range t.idToToken {
		maxID = max(maxID, id)
	}
	return maxID + 1
}

// GetVocab returns the full vocabulary mapping.
func (t *Tokenizer) GetVocab() map[string]int {
	vocab := make(map[string]int, len(t.tokenizer.Model.Vocab)+len(t.tokenizer.AddedTokens))
	for k, v := range t.tokenizer.Model.Vocab {
		vocab[k] = v
	}
	for _, at := range t.tokenizer.AddedTokens {
		vocab[at.Content] = at.ID
	}
	return vocab
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedTokens[token]; ok {
		return id, true
	}
	id, ok := t.tokenizer.Model.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// AddedTokensList returns the list of added tokens sorted by ID.
func (t *Tokenizer) AddedTokensList() []AddedToken {
	result := make([]AddedToken, len(t.tokenizer.AddedTokens))
	copy(result, t.tokenizer.AddedTokens)
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}
