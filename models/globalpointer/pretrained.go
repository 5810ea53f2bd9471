package globalpointer

import (
	"github.com/gomlx/go-globalpointer/hub"
	"github.com/gomlx/go-globalpointer/models/safetensors"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// pretrainedNames maps model variables to the suffixes of the corresponding tensors in
// BERT-like checkpoints. The first suffix found is used.
var pretrainedNames = []struct {
	scope, name string
	suffixes    []string
}{
	{wordEmbeddingsScope, "embeddings", []string{"embeddings.word_embeddings.weight"}},
	{positionEmbeddingsScope, "embeddings", []string{"embeddings.position_embeddings.weight"}},
	{tokenTypeEmbeddingsScope, "embeddings", []string{"embeddings.token_type_embeddings.weight"}},
	{layerNormScope, "gain", []string{"embeddings.LayerNorm.weight", "embeddings.LayerNorm.gamma"}},
	{layerNormScope, "offset", []string{"embeddings.LayerNorm.bias", "embeddings.LayerNorm.beta"}},
}

// HasPretrainedWeights reports whether the repository has weights in safetensors format.
func HasPretrainedWeights(repo *hub.Repo) bool {
	for _, file := range []string{"model.safetensors", "model.safetensors.index.json"} {
		if repo.HasFile(file) {
			return true
		}
	}
	return false
}

// NewFromPretrained creates a model whose embeddings are initialized from the safetensors weights of
// a BERT-like model repository. The hidden size and the number of positions are taken from the
// pretrained embeddings, and the word embeddings are resized to config.VocabSize: extra rows are
// randomly initialized, like the rest of the model.
func NewFromPretrained(backend backends.Backend, config Config, repo *hub.Repo) (*Model, error) {
	st, err := safetensors.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read pretrained weights of %s", repo)
	}
	pretrained := make(map[string]*tensors.Tensor)
	for _, entry := range pretrainedNames {
		for _, suffix := range entry.suffixes {
			name, found := st.FindTensorName(suffix)
			if !found {
				continue
			}
			tn, err := st.GetTensor(name)
			if err != nil {
				return nil, err
			}
			if tn.Tensor.Shape().DType != dtypes.Float32 {
				return nil, errors.Errorf("pretrained tensor %s is %s, only float32 is supported", name, tn.Tensor.Shape())
			}
			pretrained[param{scope: entry.scope, name: entry.name}.checkpointName()] = tn.Tensor
			break
		}
	}
	embeddingsName := func(scope string) string { return param{scope: scope, name: "embeddings"}.checkpointName() }
	words, found := pretrained[embeddingsName(wordEmbeddingsScope)]
	if !found {
		return nil, errors.Errorf("no word embeddings found in the pretrained weights of %s", repo)
	}
	config.HiddenSize = words.Shape().Dimensions[1]
	if positions, found := pretrained[embeddingsName(positionEmbeddingsScope)]; found {
		config.MaxPositions = positions.Shape().Dimensions[0]
	}
	if types, found := pretrained[embeddingsName(tokenTypeEmbeddingsScope)]; found {
		config.TypeVocabSize = types.Shape().Dimensions[0]
	}

	m, err := New(backend, config)
	if err != nil {
		return nil, err
	}
	for _, p := range config.params() {
		t, found := pretrained[p.checkpointName()]
		if !found {
			continue
		}
		v, err := m.variable(p)
		if err != nil {
			return nil, err
		}
		if p.scope == wordEmbeddingsScope {
			initial, err := v.Value()
			if err != nil {
				return nil, errors.WithMessagef(err, "reading variable %s", p.checkpointName())
			}
			t = resizeRows(initial, t)
		}
		if !t.Shape().Equal(v.Shape()) {
			return nil, errors.Errorf("pretrained %s has shape %s, model expects %s", p.checkpointName(), t.Shape(), v.Shape())
		}
		if err := v.SetValue(t); err != nil {
			return nil, errors.WithMessagef(err, "setting variable %s", p.checkpointName())
		}
		klog.V(1).Infof("initialized %s from pretrained %s", p.checkpointName(), repo)
	}
	return m, nil
}

// resizeRows returns a copy of initial with its first rows replaced by those of pretrained.
// Both are float32 matrices with the same number of columns.
func resizeRows(initial, pretrained *tensors.Tensor) *tensors.Tensor {
	dims := initial.Shape().Dimensions
	if len(pretrained.Shape().Dimensions) != 2 || pretrained.Shape().Dimensions[1] != dims[1] {
		return pretrained
	}
	values := tensors.MustCopyFlatData[float32](initial)
	pretrainedValues := tensors.MustCopyFlatData[float32](pretrained)
	copy(values, pretrainedValues[:min(len(values), len(pretrainedValues))])
	if numPretrained := pretrained.Shape().Dimensions[0]; numPretrained != dims[0] {
		klog.Infof("resized word embeddings from %d to %d tokens", numPretrained, dims[0])
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}
