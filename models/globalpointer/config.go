// Package globalpointer implements the global pointer NER model in GoMLX: token embeddings
// followed by a global pointer head, which scores every (start, end) token pair for each
// entity type with rotary position encoded projections.
//
// The embeddings can be initialized from a pretrained BERT-like checkpoint in safetensors
// format, and the whole model is saved to and loaded from safetensors files.
package globalpointer

import (
	"strconv"

	"github.com/pkg/errors"
)

// Defaults of Config.
const (
	DefaultHiddenSize       = 312
	DefaultMaxPositions     = 512
	DefaultTypeVocabSize    = 2
	DefaultInnerDim         = 64
	DefaultLayerNormEpsilon = 1e-12
	DefaultInitStdDev       = 0.02
)

// Config holds the model hyperparameters.
type Config struct {
	// VocabSize is the number of rows of the word embedding table: it must cover every id the
	// tokenizer produces, including added special tokens.
	VocabSize int

	HiddenSize    int
	MaxPositions  int
	TypeVocabSize int

	// NumLabels is the number of entity types, each one scored by its own head.
	NumLabels int

	// InnerDim is the size of the query and key projections of each head. It must be even, for
	// the rotary position embedding.
	InnerDim int

	LayerNormEpsilon float64

	// InitStdDev is the standard deviation of the random initialization of the variables.
	InitStdDev float64

	// Seed for the random initialization.
	Seed uint64
}

// NewConfig returns a Config with the default values for the given vocabulary size and number of labels.
func NewConfig(vocabSize, numLabels int) Config {
	return Config{
		VocabSize:        vocabSize,
		HiddenSize:       DefaultHiddenSize,
		MaxPositions:     DefaultMaxPositions,
		TypeVocabSize:    DefaultTypeVocabSize,
		NumLabels:        numLabels,
		InnerDim:         DefaultInnerDim,
		LayerNormEpsilon: DefaultLayerNormEpsilon,
		InitStdDev:       DefaultInitStdDev,
	}
}

// Validate checks that the configuration can build a model.
func (c Config) Validate() error {
	for _, field := range []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"max_positions", c.MaxPositions},
		{"type_vocab_size", c.TypeVocabSize},
		{"num_labels", c.NumLabels},
		{"inner_dim", c.InnerDim},
	} {
		if field.value <= 0 {
			return errors.Errorf("model config %s must be positive, got %d", field.name, field.value)
		}
	}
	if c.InnerDim%2 != 0 {
		return errors.Errorf("model config inner_dim must be even, got %d", c.InnerDim)
	}
	if c.LayerNormEpsilon <= 0 {
		return errors.Errorf("model config layer_norm_epsilon must be positive, got %g", c.LayerNormEpsilon)
	}
	return nil
}

// Metadata keys of the configuration in checkpoint files.
const (
	metaVocabSize        = "vocab_size"
	metaHiddenSize       = "hidden_size"
	metaMaxPositions     = "max_positions"
	metaTypeVocabSize    = "type_vocab_size"
	metaNumLabels        = "num_labels"
	metaInnerDim         = "inner_dim"
	metaLayerNormEpsilon = "layer_norm_epsilon"
)

// Metadata returns the configuration as string key/values, as stored in checkpoints.
func (c Config) Metadata() map[string]string {
	return map[string]string{
		metaVocabSize:        strconv.Itoa(c.VocabSize),
		metaHiddenSize:       strconv.Itoa(c.HiddenSize),
		metaMaxPositions:     strconv.Itoa(c.MaxPositions),
		metaTypeVocabSize:    strconv.Itoa(c.TypeVocabSize),
		metaNumLabels:        strconv.Itoa(c.NumLabels),
		metaInnerDim:         strconv.Itoa(c.InnerDim),
		metaLayerNormEpsilon: strconv.FormatFloat(c.LayerNormEpsilon, 'g', -1, 64),
	}
}

// ConfigFromMetadata parses the configuration stored in a checkpoint.
func ConfigFromMetadata(metadata map[string]string) (Config, error) {
	c := Config{InitStdDev: DefaultInitStdDev}
	for key, ptr := range map[string]*int{
		metaVocabSize:     &c.VocabSize,
		metaHiddenSize:    &c.HiddenSize,
		metaMaxPositions:  &c.MaxPositions,
		metaTypeVocabSize: &c.TypeVocabSize,
		metaNumLabels:     &c.NumLabels,
		metaInnerDim:      &c.InnerDim,
	} {
		value, found := metadata[key]
		if !found {
			return c, errors.Errorf("checkpoint metadata is missing %q", key)
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return c, errors.Wrapf(err, "checkpoint metadata %q", key)
		}
		*ptr = v
	}
	c.LayerNormEpsilon = DefaultLayerNormEpsilon
	if value, found := metadata[metaLayerNormEpsilon]; found {
		eps, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return c, errors.Wrapf(err, "checkpoint metadata %q", metaLayerNormEpsilon)
		}
		c.LayerNormEpsilon = eps
	}
	return c, c.Validate()
}
