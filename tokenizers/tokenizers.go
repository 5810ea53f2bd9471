// Package tokenizers creates the tokenizer of a model repository, auto-detecting its format:
// HuggingFace "tokenizer.json", BERT "vocab.txt", or SentencePiece "tokenizer.model".
package tokenizers

import (
	"github.com/gomlx/go-globalpointer/hub"
	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/gomlx/go-globalpointer/tokenizers/hftokenizer"
	"github.com/gomlx/go-globalpointer/tokenizers/sentencepiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type (
	// Tokenizer converts text to token ids and back.
	Tokenizer = api.Tokenizer

	// TokenizerWithSpans also reports the byte span of each token in the original text.
	TokenizerWithSpans = api.TokenizerWithSpans
)

// TokenizerConstructor creates a tokenizer from the files of a repository.
type TokenizerConstructor func(config *api.Config, repo *hub.Repo) (api.Tokenizer, error)

// New creates the tokenizer of the repository.
//
// If the repository has a "tokenizer_config.json", it is used to resolve the special tokens.
func New(repo *hub.Repo) (TokenizerWithSpans, error) {
	var config *api.Config
	if repo.HasFile("tokenizer_config.json") {
		configPath, err := repo.DownloadFile("tokenizer_config.json")
		if err != nil {
			return nil, err
		}
		config, err = api.ParseConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	var constructor TokenizerConstructor
	switch {
	case repo.HasFile("tokenizer.json"):
		constructor = hftokenizer.New
	case repo.HasFile("vocab.txt"):
		constructor = newFromVocab
	case repo.HasFile("tokenizer.model"):
		constructor = sentencepiece.New
	default:
		return nil, errors.Errorf("no tokenizer found in %s (expected tokenizer.json, vocab.txt or tokenizer.model)", repo)
	}
	tok, err := constructor(config, repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating tokenizer for %s", repo)
	}
	withSpans, ok := tok.(TokenizerWithSpans)
	if !ok {
		return nil, errors.Errorf("tokenizer %T of %s doesn't report token spans", tok, repo)
	}
	klog.V(1).Infof("loaded tokenizer %T for %s", tok, repo)
	return withSpans, nil
}

func newFromVocab(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	vocabPath, err := repo.DownloadFile("vocab.txt")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download vocab.txt file")
	}
	return hftokenizer.NewFromVocabFile(config, vocabPath)
}

// VocabSize returns the number of token ids the tokenizer may produce.
func VocabSize(tok Tokenizer) (int, error) {
	sized, ok := tok.(interface{ VocabSize() int })
	if !ok {
		return 0, errors.Errorf("tokenizer %T doesn't report its vocabulary size", tok)
	}
	return sized.VocabSize(), nil
}

// AddSpecialTokens registers extra special tokens in the tokenizer, and returns how many new ids
// were created.
func AddSpecialTokens(tok Tokenizer, tokens ...string) (int, error) {
	adder, ok := tok.(interface{ AddSpecialTokens(...string) int })
	if !ok {
		return 0, errors.Errorf("tokenizer %T doesn't support adding special tokens", tok)
	}
	return adder.AddSpecialTokens(tokens...), nil
}
