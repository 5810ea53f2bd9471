package cmd

import (
	"math/rand/v2"

	"github.com/gomlx/go-globalpointer/globalpointer"
	"github.com/gomlx/go-globalpointer/hub"
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/go-globalpointer/tokenizers"
	"github.com/gomlx/go-globalpointer/trainer"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

const (
	defaultCorpus       = "msra/ner/data.json"
	defaultPretrained   = "clue/albert_chinese_tiny"
	defaultMaxSeqLength = 128
	defaultSeed         = 2
	defaultCkptDir      = "ckpt/global_pointer"
	defaultPredDir      = "pred/global_pointer"

	trainFraction = 0.8
	valFraction   = 0.1
)

var (
	defaultLabels = []string{"ns", "nt", "nr"}

	// defaultSpecialTokens get their own token ids, so whitespace characters map to a token.
	defaultSpecialTokens = []string{" ", "\n"}
)

// session holds what both training and testing need: the tokenizer, labels and the corpus split.
type session struct {
	repo      *hub.Repo
	tokenizer tokenizers.TokenizerWithSpans
	vocabSize int
	labels    *ner.LabelSet
	maxLen    int
	seed      uint64
	rng       *rand.Rand

	train, val, test []*ner.Example
}

// newSession loads the tokenizer and the corpus, and splits it.
func newSession() (*session, error) {
	s := &session{
		maxLen: viper.GetInt("max_seq_length"),
		seed:   viper.GetUint64("seed"),
	}
	s.rng = trainer.NewRand(s.seed)

	var err error
	s.labels, err = ner.NewLabelSet(viper.GetStringSlice("labels")...)
	if err != nil {
		return nil, err
	}

	s.repo = hub.New(viper.GetString("pretrained")).WithAuth(viper.GetString("hf_token"))
	if cacheDir := viper.GetString("cache_dir"); cacheDir != "" {
		s.repo = s.repo.WithCacheDir(cacheDir)
	}
	s.tokenizer, err = tokenizers.New(s.repo)
	if err != nil {
		return nil, err
	}
	if specials := viper.GetStringSlice("special_tokens"); len(specials) > 0 {
		numNew, err := tokenizers.AddSpecialTokens(s.tokenizer, specials...)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("added %d special tokens to the vocabulary", numNew)
	}
	s.vocabSize, err = tokenizers.VocabSize(s.tokenizer)
	if err != nil {
		return nil, err
	}

	examples, err := ner.LoadCorpus(viper.GetString("corpus"))
	if err != nil {
		return nil, err
	}
	s.train, s.val, s.test, err = trainer.Split(examples, trainFraction, valFraction, s.rng)
	if err != nil {
		return nil, err
	}
	klog.Infof("corpus split: train=%d val=%d test=%d", len(s.train), len(s.val), len(s.test))
	return s, nil
}

// dataset creates the dataset of examples. A tokenization mismatch is fatal for the whole run.
func (s *session) dataset(examples []*ner.Example, mode globalpointer.LoadMode) (*globalpointer.Dataset, error) {
	ds, err := globalpointer.NewDataset(examples, s.tokenizer, s.labels, s.maxLen,
		globalpointer.WithLoadMode(mode),
		globalpointer.WithTokenizationCheck(viper.GetBool("check_tokenization")))
	if errors.Is(err, globalpointer.ErrTokenizationMismatch) {
		klog.Fatalf("tokenization check failed, the offsets of the corpus can't be trusted: %+v", err)
	}
	return ds, err
}

// newBackend creates the GoMLX backend from the "backend" configuration, or the default one.
func newBackend() (backends.Backend, error) {
	if config := viper.GetString("backend"); config != "" {
		return backends.NewWithConfig(config)
	}
	return backends.New()
}
