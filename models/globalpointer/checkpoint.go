package globalpointer

import (
	"maps"

	"github.com/gomlx/go-globalpointer/models/safetensors"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SaveCheckpoint writes the model variables and configuration to a safetensors file.
// The extra metadata (e.g. labels, run id) is stored along with the configuration.
func (m *Model) SaveCheckpoint(path string, metadata map[string]string) error {
	params := m.Config.params()
	tensorsAndNames := make([]safetensors.TensorAndName, 0, len(params))
	for _, p := range params {
		v, err := m.variable(p)
		if err != nil {
			return err
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %s", p.checkpointName())
		}
		tensorsAndNames = append(tensorsAndNames, safetensors.TensorAndName{Name: p.checkpointName(), Tensor: value})
	}
	allMetadata := maps.Clone(metadata)
	if allMetadata == nil {
		allMetadata = make(map[string]string)
	}
	maps.Copy(allMetadata, m.Config.Metadata())
	if err := safetensors.Write(path, tensorsAndNames, allMetadata); err != nil {
		return errors.WithMessage(err, "failed to save checkpoint")
	}
	klog.V(1).Infof("saved checkpoint %s", path)
	return nil
}

// LoadCheckpoint creates a model from a checkpoint written by SaveCheckpoint.
// It also returns the checkpoint metadata.
func LoadCheckpoint(backend backends.Backend, path string) (*Model, map[string]string, error) {
	values, metadata, err := safetensors.Load(path)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to load checkpoint")
	}
	config, err := ConfigFromMetadata(metadata)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "checkpoint %s", path)
	}
	m, err := New(backend, config)
	if err != nil {
		return nil, nil, err
	}
	if err := m.setVariables(values); err != nil {
		return nil, nil, errors.WithMessagef(err, "checkpoint %s", path)
	}
	klog.V(1).Infof("loaded checkpoint %s", path)
	return m, metadata, nil
}

// LoadWeights replaces the model variables by those of a checkpoint with the same configuration.
func (m *Model) LoadWeights(path string) error {
	values, metadata, err := safetensors.Load(path)
	if err != nil {
		return errors.WithMessage(err, "failed to load checkpoint")
	}
	config, err := ConfigFromMetadata(metadata)
	if err != nil {
		return errors.WithMessagef(err, "checkpoint %s", path)
	}
	config.InitStdDev, config.Seed = m.Config.InitStdDev, m.Config.Seed
	if config != m.Config {
		return errors.Errorf("checkpoint %s has config %+v, model has %+v", path, config, m.Config)
	}
	return m.setVariables(values)
}

func (m *Model) setVariables(values map[string]*tensors.Tensor) error {
	for _, p := range m.Config.params() {
		t, found := values[p.checkpointName()]
		if !found {
			return errors.Errorf("variable %s missing", p.checkpointName())
		}
		v, err := m.variable(p)
		if err != nil {
			return err
		}
		if !t.Shape().Equal(v.Shape()) {
			return errors.Errorf("variable %s has shape %s, checkpoint has %s", p.checkpointName(), v.Shape(), t.Shape())
		}
		if err := v.SetValue(t); err != nil {
			return errors.WithMessagef(err, "setting variable %s", p.checkpointName())
		}
	}
	return nil
}
