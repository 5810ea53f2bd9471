package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-globalpointer/globalpointer"
	gpmodel "github.com/gomlx/go-globalpointer/models/globalpointer"
	"github.com/gomlx/go-globalpointer/ner"
	"github.com/gomlx/go-globalpointer/tokenizers/hftokenizer"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVocab = "[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\n我\n在\n北\n京\n天\n安\n门\n"

var testLabels = ner.MustNewLabelSet("ns", "nt", "nr")

func testExamples() []*ner.Example {
	return []*ner.Example{
		ner.NewExample("我在北京天安门", []ner.Entity{
			{StartIdx: 2, EndIdx: 3, Entity: "北京", Type: "ns"},
			{StartIdx: 4, EndIdx: 6, Entity: "天安门", Type: "nt"},
		}),
		ner.NewExample("北京", []ner.Entity{{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}}),
		ner.NewExample("天安门", []ner.Entity{{StartIdx: 0, EndIdx: 2, Entity: "天安门", Type: "nr"}}),
		ner.NewExample("我在", nil),
		ner.NewExample("在北京", []ner.Entity{{StartIdx: 1, EndIdx: 2, Entity: "北京", Type: "ns"}}),
	}
}

func testDataset(t *testing.T, examples []*ner.Example, opts ...globalpointer.DatasetOption) *globalpointer.Dataset {
	tok, err := hftokenizer.NewFromVocab(nil, []byte(testVocab))
	require.NoError(t, err)
	ds, err := globalpointer.NewDataset(examples, tok, testLabels, 10, opts...)
	require.NoError(t, err)
	return ds
}

func TestSplit(t *testing.T) {
	examples := make([]*ner.Example, 10)
	for i := range examples {
		examples[i] = ner.NewExample(string(rune('a'+i)), nil)
	}
	train, val, test, err := Split(examples, 0.8, 0.1, NewRand(2))
	require.NoError(t, err)
	assert.Len(t, train, 8)
	assert.Len(t, val, 1)
	assert.Len(t, test, 1)
	all := append(append(append([]*ner.Example{}, train...), val...), test...)
	assert.ElementsMatch(t, examples, all)

	train2, _, _, err := Split(examples, 0.8, 0.1, NewRand(2))
	require.NoError(t, err)
	assert.Equal(t, train, train2)

	train, val, test, err = Split(examples[:7], 0.8, 0.1, NewRand(2))
	require.NoError(t, err)
	assert.Len(t, train, 5)
	assert.Len(t, val, 0)
	assert.Len(t, test, 2)

	_, _, _, err = Split(examples, 0.8, 0.3, NewRand(2))
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	ds := testDataset(t, testExamples(), globalpointer.WithLoadMode(globalpointer.Lazy))
	var sizes []int
	seen := make(map[*ner.Example]bool)
	for batch, err := range Batches(ds, 2, NewRand(3)) {
		require.NoError(t, err)
		sizes = append(sizes, len(batch.Features))
		assert.Equal(t, []int{len(batch.Features), 10}, batch.Inputs.InputIDs.Shape().Dimensions)
		assert.Equal(t, []int{len(batch.Features), 3, 10, 10}, batch.Targets.Labels.Shape().Dimensions)
		for _, f := range batch.Features {
			seen[f.Example] = true
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Len(t, seen, 5)

	for _, err := range Batches(ds, 0, nil) {
		assert.Error(t, err)
	}
}

func TestCollate(t *testing.T) {
	ds := testDataset(t, testExamples()[:2])
	f0, err := ds.Feature(0)
	require.NoError(t, err)
	f1, err := ds.Feature(1)
	require.NoError(t, err)
	batch, err := Collate([]*globalpointer.Feature{f0, f1})
	require.NoError(t, err)

	ids := tensors.MustCopyFlatData[int32](batch.Inputs.InputIDs)
	assert.Equal(t, f0.InputIDs, ids[:10])
	assert.Equal(t, f1.InputIDs, ids[10:])
	labels := tensors.MustCopyFlatData[float32](batch.Targets.Labels)
	mask := tensors.MustCopyFlatData[float32](batch.Targets.CriterionMask)
	matrixSize := 3 * 10 * 10
	for i := range matrixSize {
		assert.Equal(t, float32(f1.Labels[i]), labels[matrixSize+i])
		assert.Equal(t, float32(f1.CriterionMask[i]), mask[matrixSize+i])
	}

	_, err = Collate(nil)
	assert.Error(t, err)
}

// fakeModel returns scripted validation losses, one per epoch, and an oracle's logits for prediction.
type fakeModel struct {
	valLosses  []float32
	valCalls   int
	trainSteps int
	saved      []string
	oracle     [][]float32
}

func (m *fakeModel) Forward(inputs gpmodel.Inputs, targets *gpmodel.Targets) (*gpmodel.Output, error) {
	if targets != nil {
		loss := m.valLosses[min(m.valCalls, len(m.valLosses)-1)]
		m.valCalls++
		return &gpmodel.Output{Loss: &loss}, nil
	}
	dims := inputs.InputIDs.Shape().Dimensions
	batchSize, maxLen := dims[0], dims[1]
	var scores []float32
	for _, s := range m.oracle[:batchSize] {
		scores = append(scores, s...)
	}
	m.oracle = m.oracle[batchSize:]
	return &gpmodel.Output{Logits: tensors.FromFlatDataAndDimensions(scores, batchSize, testLabels.Len(), maxLen, maxLen)}, nil
}

func (m *fakeModel) TrainStep(gpmodel.Inputs, gpmodel.Targets) (float32, error) {
	m.trainSteps++
	return 1, nil
}

func (m *fakeModel) SaveCheckpoint(path string, metadata map[string]string) error {
	m.saved = append(m.saved, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(metadata["run_id"]), 0644)
}

func TestFit(t *testing.T) {
	examples := testExamples()
	train, val := testDataset(t, examples[:4]), testDataset(t, examples[4:])
	model := &fakeModel{valLosses: []float32{1.0, 0.8, 0.799, 0.798, 0.5}}
	dir := filepath.Join(t.TempDir(), "ckpt", "global_pointer")
	config := DefaultConfig()
	config.BatchSize = 2
	config.EarlyStopping.Patience = 2
	config.CheckpointDir = dir
	config.Rng = NewRand(2)
	tr, err := New(model, train, val, config)
	require.NoError(t, err)

	result, err := tr.Fit(context.Background())
	require.NoError(t, err)
	assert.True(t, result.StoppedEarly)
	assert.Equal(t, 4, result.Epochs)
	assert.Equal(t, 3, result.BestEpoch)
	assert.InDelta(t, 0.798, result.BestValLoss, 1e-6)
	assert.Equal(t, 8, model.trainSteps)
	assert.Equal(t, []string{
		"epoch=0-val_loss=1.00.safetensors",
		"epoch=1-val_loss=0.80.safetensors",
		"epoch=2-val_loss=0.80.safetensors",
		"epoch=3-val_loss=0.80.safetensors",
	}, model.saved)

	// Only the best checkpoint is kept.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "epoch=3-val_loss=0.80.safetensors", entries[0].Name())
	assert.Equal(t, filepath.Join(dir, entries[0].Name()), result.BestCheckpoint)
	contents, err := os.ReadFile(result.BestCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, string(contents))

	best, err := FindBestCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, result.BestCheckpoint, best)
}

func TestFitCancelled(t *testing.T) {
	examples := testExamples()
	config := DefaultConfig()
	tr, err := New(&fakeModel{valLosses: []float32{1}}, testDataset(t, examples[:4]), testDataset(t, examples[4:]), config)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Fit(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointNames(t *testing.T) {
	name := CheckpointName(3, 8.8923)
	assert.Equal(t, "epoch=3-val_loss=8.89.safetensors", name)
	epoch, loss, ok := ParseCheckpointName("/some/dir/" + name)
	require.True(t, ok)
	assert.Equal(t, 3, epoch)
	assert.InDelta(t, 8.89, loss, 1e-9)
	_, _, ok = ParseCheckpointName("model.safetensors")
	assert.False(t, ok)

	dir := t.TempDir()
	for _, name := range []string{"epoch=1-val_loss=2.50.safetensors", "epoch=4-val_loss=1.25.safetensors", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	best, err := FindBestCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "epoch=4-val_loss=1.25.safetensors"), best)

	_, err = FindBestCheckpoint(t.TempDir())
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	examples := testExamples()
	ds := testDataset(t, examples)
	model := &fakeModel{}
	for i := range ds.Len() {
		f, err := ds.Feature(i)
		require.NoError(t, err)
		scores := make([]float32, len(f.Labels))
		for j, v := range f.Labels {
			scores[j] = 2*float32(v) - 1
		}
		model.oracle = append(model.oracle, scores)
	}
	// Miss the entity of the last example.
	last := model.oracle[len(model.oracle)-1]
	for j := range last {
		last[j] = -1
	}

	result, err := Evaluate(context.Background(), model, ds, globalpointer.NewDecoder(testLabels), 2)
	require.NoError(t, err)
	require.Len(t, result.Preds, len(examples))
	for i := range 4 {
		assert.ElementsMatch(t, examples[i].Entities, result.Preds[i].Entities)
	}
	assert.Empty(t, result.Preds[4].Entities)
	require.Len(t, result.Diff, 1)
	assert.Equal(t, "在北京", result.Diff[0].Text)
	assert.Equal(t, 4, result.Report.Micro.TruePositives)
	assert.Equal(t, 1, result.Report.Micro.FalseNegatives)
	assert.Zero(t, result.Report.Micro.FalsePositives)
}

func TestEvaluateWithModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model evaluation in short mode")
	}
	examples := testExamples()
	ds := testDataset(t, examples)
	model, err := gpmodel.New(testBackend(t), smallModelConfig())
	require.NoError(t, err)
	result, err := Evaluate(context.Background(), model, ds, globalpointer.NewDecoder(testLabels), 0)
	require.NoError(t, err)
	assert.Len(t, result.Preds, len(examples))
}
