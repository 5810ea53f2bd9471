package ner

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// LabelSet is an immutable bijection between entity types and contiguous ids 0..Len()-1.
type LabelSet struct {
	labels []string
	ids    map[string]int
}

// NewLabelSet creates a LabelSet where each label id is its position in labels.
func NewLabelSet(labels ...string) (*LabelSet, error) {
	if len(labels) == 0 {
		return nil, errors.New("label set must have at least one label")
	}
	ls := &LabelSet{
		labels: slices.Clone(labels),
		ids:    make(map[string]int, len(labels)),
	}
	for id, label := range labels {
		if strings.TrimSpace(label) == "" {
			return nil, errors.Errorf("label #%d is empty", id)
		}
		if prev, found := ls.ids[label]; found {
			return nil, errors.Errorf("label %q repeated with ids %d and %d", label, prev, id)
		}
		ls.ids[label] = id
	}
	return ls, nil
}

// LabelSetFromMap creates a LabelSet from a label to id mapping. Ids must be unique and contiguous from 0.
func LabelSetFromMap(labelToID map[string]int) (*LabelSet, error) {
	labels := make([]string, len(labelToID))
	for label, id := range labelToID {
		if id < 0 || id >= len(labels) {
			return nil, errors.Errorf("label %q has id %d, ids must be contiguous in [0, %d)", label, id, len(labels))
		}
		if labels[id] != "" {
			return nil, errors.Errorf("labels %q and %q share the id %d", labels[id], label, id)
		}
		labels[id] = label
	}
	return NewLabelSet(labels...)
}

// MustNewLabelSet is like NewLabelSet, but panics on error.
func MustNewLabelSet(labels ...string) *LabelSet {
	ls, err := NewLabelSet(labels...)
	if err != nil {
		panic(err)
	}
	return ls
}

// ID returns the id of label.
func (ls *LabelSet) ID(label string) (int, bool) {
	id, found := ls.ids[label]
	return id, found
}

// Label returns the label with the given id.
func (ls *LabelSet) Label(id int) (string, bool) {
	if id < 0 || id >= len(ls.labels) {
		return "", false
	}
	return ls.labels[id], true
}

// Len returns the number of labels.
func (ls *LabelSet) Len() int {
	return len(ls.labels)
}

// Labels returns a copy of the labels ordered by id.
func (ls *LabelSet) Labels() []string {
	return slices.Clone(ls.labels)
}

// String implements fmt.Stringer.
func (ls *LabelSet) String() string {
	return "[" + strings.Join(ls.labels, " ") + "]"
}
