package ner

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// corpusRecord is the on-disk form of an Example, both in JSON and Parquet corpora.
// The entity type is stored under "label".
type corpusRecord struct {
	Text     string         `json:"text" parquet:"text"`
	Entities []corpusEntity `json:"entities,omitempty" parquet:"entities"`
}

type corpusEntity struct {
	StartIdx int    `json:"start_idx" parquet:"start_idx"`
	EndIdx   int    `json:"end_idx" parquet:"end_idx"`
	Entity   string `json:"entity" parquet:"entity"`
	Label    string `json:"label" parquet:"label"`
}

// LoadCorpus reads the examples of a corpus file. Files ending in ".parquet" are read as Parquet,
// anything else as a JSON array of records.
//
// Entities whose offsets don't match the text are kept (the encoder drops what it can't map),
// but a warning is logged for each.
func LoadCorpus(path string) ([]*Example, error) {
	var records []corpusRecord
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		var err error
		records, err = parquet.ReadFile[corpusRecord](path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read Parquet corpus %q", path)
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open corpus %q", path)
		}
		defer func() { _ = f.Close() }()
		records, err = readJSONRecords(f)
		if err != nil {
			return nil, errors.WithMessagef(err, "corpus %q", path)
		}
	}
	examples := recordsToExamples(records)
	klog.V(1).Infof("loaded %d examples from %s", len(examples), path)
	return examples, nil
}

// ReadJSON reads examples from a JSON array of {"text", "entities": [{"start_idx", "end_idx", "entity", "label"}]}.
func ReadJSON(r io.Reader) ([]*Example, error) {
	records, err := readJSONRecords(r)
	if err != nil {
		return nil, err
	}
	return recordsToExamples(records), nil
}

func readJSONRecords(r io.Reader) ([]corpusRecord, error) {
	var records []corpusRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON corpus")
	}
	return records, nil
}

func recordsToExamples(records []corpusRecord) []*Example {
	examples := make([]*Example, len(records))
	for i, record := range records {
		entities := make([]Entity, len(record.Entities))
		for j, e := range record.Entities {
			entities[j] = Entity{StartIdx: e.StartIdx, EndIdx: e.EndIdx, Entity: e.Entity, Type: e.Label}
		}
		examples[i] = NewExample(record.Text, entities)
		if err := examples[i].Validate(); err != nil {
			klog.Warningf("corpus example #%d: %v", i, err)
		}
	}
	return examples
}

// SaveParquet writes the examples as a Parquet corpus that LoadCorpus can read back.
func SaveParquet(path string, examples []*Example) error {
	records := make([]corpusRecord, len(examples))
	for i, ex := range examples {
		records[i].Text = ex.Text
		for _, e := range ex.Entities {
			records[i].Entities = append(records[i].Entities, corpusEntity{
				StartIdx: e.StartIdx, EndIdx: e.EndIdx, Entity: e.Entity, Label: e.Type})
		}
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return errors.Wrapf(err, "failed to write Parquet corpus %q", path)
	}
	return nil
}
