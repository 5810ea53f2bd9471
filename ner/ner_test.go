package ner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCorpus = `[
  {"text": "我在北京天安门", "entities": [
    {"start_idx": 2, "end_idx": 3, "entity": "北京", "label": "ns"},
    {"start_idx": 4, "end_idx": 6, "entity": "天安门", "label": "ns"}
  ]},
  {"text": "没有实体"}
]`

func TestNewExample(t *testing.T) {
	ex := NewExample("北京 ok", []Entity{{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}})
	assert.Equal(t, []string{"北", "京", " ", "o", "k"}, ex.Words)
	assert.Equal(t, 5, ex.Len())
	require.NoError(t, ex.Validate())

	span, ok := ex.Span(3, 4)
	require.True(t, ok)
	assert.Equal(t, "ok", span)
	_, ok = ex.Span(3, 5)
	assert.False(t, ok)
	_, ok = ex.Span(2, 1)
	assert.False(t, ok)
}

func TestEntityValidate(t *testing.T) {
	text := "北京天安门"
	require.NoError(t, Entity{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}.Validate(text))
	require.NoError(t, Entity{StartIdx: 4, EndIdx: 4, Entity: "门", Type: "ns"}.Validate(text))
	assert.Error(t, Entity{StartIdx: 0, EndIdx: 5, Entity: "北京天安门", Type: "ns"}.Validate(text))
	assert.Error(t, Entity{StartIdx: 2, EndIdx: 1, Entity: "", Type: "ns"}.Validate(text))
	assert.Error(t, Entity{StartIdx: 0, EndIdx: 1, Entity: "天安", Type: "ns"}.Validate(text))
}

func TestLabelSet(t *testing.T) {
	ls, err := LabelSetFromMap(map[string]int{"ns": 0, "nt": 1, "nr": 2})
	require.NoError(t, err)
	assert.Equal(t, 3, ls.Len())
	assert.Equal(t, []string{"ns", "nt", "nr"}, ls.Labels())
	for _, label := range ls.Labels() {
		id, found := ls.ID(label)
		require.True(t, found)
		back, found := ls.Label(id)
		require.True(t, found)
		assert.Equal(t, label, back)
	}
	_, found := ls.ID("per")
	assert.False(t, found)
	_, found = ls.Label(3)
	assert.False(t, found)
	assert.Equal(t, "[ns nt nr]", ls.String())

	// Labels() returns a copy.
	ls.Labels()[0] = "changed"
	assert.Equal(t, "ns", ls.Labels()[0])

	_, err = LabelSetFromMap(map[string]int{"ns": 0, "nt": 2})
	assert.Error(t, err)
	_, err = LabelSetFromMap(map[string]int{"ns": 0, "nt": 0})
	assert.Error(t, err)
	_, err = NewLabelSet("ns", "ns")
	assert.Error(t, err)
	_, err = NewLabelSet()
	assert.Error(t, err)
	assert.Panics(t, func() { MustNewLabelSet("") })
}

func TestLoadCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte(testCorpus), 0644))
	examples, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, "我在北京天安门", examples[0].Text)
	assert.Equal(t, []Entity{
		{StartIdx: 2, EndIdx: 3, Entity: "北京", Type: "ns"},
		{StartIdx: 4, EndIdx: 6, Entity: "天安门", Type: "ns"},
	}, examples[0].Entities)
	assert.Empty(t, examples[1].Entities)

	_, err = LoadCorpus(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	_, err = ReadJSON(strings.NewReader(`{"text": "not an array"}`))
	assert.Error(t, err)
}

func TestParquetCorpus(t *testing.T) {
	examples, err := ReadJSON(strings.NewReader(testCorpus))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "data.parquet")
	require.NoError(t, SaveParquet(path, examples))

	loaded, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, loaded, len(examples))
	for i := range examples {
		assert.Equal(t, examples[i].Text, loaded[i].Text)
		assert.ElementsMatch(t, examples[i].Entities, loaded[i].Entities)
	}
}

func TestDiff(t *testing.T) {
	beijing := Entity{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}
	tiananmen := Entity{StartIdx: 2, EndIdx: 4, Entity: "天安门", Type: "ns"}
	gold := []*Example{
		NewExample("北京天安门", []Entity{beijing, tiananmen}),
		NewExample("北京天安门", []Entity{beijing}),
		NewExample("北京天安门", nil),
	}
	pred := []*Example{
		NewExample("北京天安门", []Entity{tiananmen, beijing}),
		NewExample("北京天安门", []Entity{beijing, tiananmen}),
		NewExample("北京天安门", nil),
	}
	entries, err := Diff(gold, pred)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []Entity{beijing}, entries[0].Entities)
	assert.Equal(t, []Entity{beijing, tiananmen}, entries[0].Preds)

	_, err = Diff(gold, pred[:1])
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "pred", "global_pointer", "diff.json")
	require.NoError(t, WriteDiff(path, entries))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"text": "北京天安门"`)
	assert.Contains(t, string(contents), "\n  {\n    \"text\"")
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(contents, &decoded))
	require.Len(t, decoded, 1)
	assert.Len(t, decoded[0]["preds"], 2)
}

func TestDiffWithEqualSets(t *testing.T) {
	e := Entity{StartIdx: 0, EndIdx: 1, Entity: "北京", Type: "ns"}
	gold := []*Example{NewExample("北京", []Entity{e}), NewExample("北京", nil)}
	pred := []*Example{NewExample("北京", []Entity{e, e}), NewExample("北京", []Entity{})}
	entries, err := Diff(gold, pred)
	require.NoError(t, err)
	assert.Empty(t, entries)

	path := filepath.Join(t.TempDir(), "diff.json")
	require.NoError(t, WriteDiff(path, entries))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(contents))
}
