package ner

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DiffEntry is an example whose predicted entities differ from the gold ones.
type DiffEntry struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
	Preds    []Entity `json:"preds"`
}

// SameEntities reports whether a and b hold the same set of entities, ignoring order and repetitions.
func SameEntities(a, b []Entity) bool {
	setA := make(map[Entity]struct{}, len(a))
	for _, e := range a {
		setA[e] = struct{}{}
	}
	setB := make(map[Entity]struct{}, len(b))
	for _, e := range b {
		if _, found := setA[e]; !found {
			return false
		}
		setB[e] = struct{}{}
	}
	return len(setA) == len(setB)
}

// Diff lists the examples whose gold and predicted entity sets differ. gold and pred are matched by position.
func Diff(gold, pred []*Example) ([]DiffEntry, error) {
	if len(gold) != len(pred) {
		return nil, errors.Errorf("got %d gold examples but %d predictions", len(gold), len(pred))
	}
	entries := []DiffEntry{}
	for i, g := range gold {
		p := pred[i]
		if SameEntities(g.Entities, p.Entities) {
			continue
		}
		entries = append(entries, DiffEntry{
			Text:     g.Text,
			Entities: nonNil(g.Entities),
			Preds:    nonNil(p.Entities),
		})
	}
	return entries, nil
}

func nonNil(entities []Entity) []Entity {
	if entities == nil {
		return []Entity{}
	}
	return entities
}

// WriteDiff writes the entries as an indented JSON array to path, creating its directory if needed.
// Non-ASCII text is written as is.
func WriteDiff(path string, entries []DiffEntry) error {
	if entries == nil {
		entries = []DiffEntry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return errors.Wrap(err, "failed to encode diff")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", path)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write diff to %q", path)
	}
	return nil
}
