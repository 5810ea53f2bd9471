// Package safetensors reads and writes tensors in the safetensors format.
//
// A Model gives access to the weights of a hub repository, whether in a single file or sharded:
//
//	repo := hub.New(modelID).WithAuth(hfAuthToken)
//	model, err := safetensors.New(repo)
//	if err != nil {
//		panic(err)
//	}
//	tensor, err := model.GetTensor("embeddings.word_embeddings.weight")
//
// Open, Load and Write work on local files, and are used for checkpoints.
package safetensors

import (
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-globalpointer/hub"
	"github.com/pkg/errors"
)

// Model represents a model (possibly split across multiple safetensor files).
type Model struct {
	Repo      *hub.Repo
	IndexFile string
	Index     *ShardedModelIndex
}

// ShardedModelIndex represents a model.safetensors.index.json file for sharded models.
type ShardedModelIndex struct {
	Metadata  map[string]any    `json:"metadata"`   // Model metadata
	WeightMap map[string]string `json:"weight_map"` // Tensor name -> filename
}

// New creates a new Model and loads the index of its tensors from the repo safetensors file(s).
func New(repo *hub.Repo) (*Model, error) {
	m := &Model{Repo: repo}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load loads the model index from the repo, whether it's sharded or a single file.
// Sharded models are detected by their index file, otherwise the first .safetensors file is used.
func (m *Model) Load() error {
	indexFile, isSharded, err := m.DetectShardedModel()
	if err != nil {
		return err
	}
	if isSharded {
		return m.loadShardedModel(indexFile)
	}
	return m.loadSingleFileModel()
}

// DetectShardedModel checks if the repository contains a sharded model and returns the index filename.
func (m *Model) DetectShardedModel() (string, bool, error) {
	for filename, err := range m.Repo.IterFileNames() {
		if err != nil {
			return "", false, err
		}
		switch filepath.Base(filename) {
		case "model.safetensors.index.json", "pytorch_model.safetensors.index.json":
			return filename, true, nil
		}
	}
	return "", false, nil
}

func (m *Model) loadSingleFileModel() error {
	var filename string
	for name, err := range m.Repo.IterFileNames() {
		if err != nil {
			return err
		}
		if strings.HasSuffix(name, ".safetensors") {
			filename = name
			break
		}
	}
	if filename == "" {
		return errors.Errorf("no .safetensors files found in %s", m.Repo)
	}
	localPath, err := m.Repo.DownloadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", filename)
	}
	header, _, err := ParseHeader(localPath)
	if err != nil {
		return err
	}

	// Create a synthetic index with all tensors pointing to this one file
	weightMap := make(map[string]string, len(header.Tensors))
	for tensorName := range header.Tensors {
		weightMap[tensorName] = filename
	}
	m.IndexFile = ""
	m.Index = &ShardedModelIndex{WeightMap: weightMap}
	return nil
}

func (m *Model) loadShardedModel(indexFilename string) error {
	localPath, err := m.Repo.DownloadFile(indexFilename)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", indexFilename)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", localPath)
	}
	var index ShardedModelIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.Wrap(err, "failed to parse sharded model index")
	}
	// Shard names are relative to the index file.
	if dir := filepath.Dir(indexFilename); dir != "." {
		for name, shard := range index.WeightMap {
			index.WeightMap[name] = dir + "/" + shard
		}
	}
	m.IndexFile = indexFilename
	m.Index = &index
	return nil
}

// ListTensorNames returns all tensor names in the model.
func (m *Model) ListTensorNames() []string {
	names := make([]string, 0, len(m.Index.WeightMap))
	for name := range m.Index.WeightMap {
		names = append(names, name)
	}
	return names
}

// FindTensorName returns the name of the tensor ending with suffix, e.g. "embeddings.word_embeddings.weight"
// finds "albert.embeddings.word_embeddings.weight". If more than one matches, the shortest name is used.
func (m *Model) FindTensorName(suffix string) (string, bool) {
	var found string
	for name := range m.Index.WeightMap {
		if name != suffix && !strings.HasSuffix(name, "."+suffix) {
			continue
		}
		if found == "" || len(name) < len(found) {
			found = name
		}
	}
	return found, found != ""
}

// GetTensor by its name.
func (m *Model) GetTensor(tensorName string) (*TensorAndName, error) {
	if m.Index == nil {
		return nil, errors.New("model empty (not loaded) call Load first")
	}
	filename, ok := m.Index.WeightMap[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found in weight map", tensorName)
	}
	sf, err := m.openFile(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sf.Close() }()
	tensor, err := sf.ReadTensor(tensorName)
	if err != nil {
		return nil, err
	}
	return &TensorAndName{Name: tensorName, Tensor: tensor}, nil
}

func (m *Model) openFile(filename string) (*File, error) {
	localPath, err := m.Repo.DownloadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download %s", filename)
	}
	return Open(localPath)
}

// IterTensors returns an iterator over all tensors as GoMLX tensors.
// Each shard file is mapped once, and its tensors read in file order.
func (m *Model) IterTensors() iter.Seq2[TensorAndName, error] {
	return func(yield func(TensorAndName, error) bool) {
		if m.Index == nil || len(m.Index.WeightMap) == 0 {
			yield(TensorAndName{}, errors.New("model empty (not loaded) call Load first"))
			return
		}
		shards := make(map[string]bool)
		for _, filename := range m.Index.WeightMap {
			shards[filename] = true
		}
		for filename := range shards {
			sf, err := m.openFile(filename)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			for tn, err := range sf.IterTensors() {
				if err != nil {
					_ = sf.Close()
					yield(TensorAndName{}, err)
					return
				}
				if !yield(tn, nil) {
					_ = sf.Close()
					return
				}
			}
			_ = sf.Close()
		}
	}
}
