// Package ner holds the named-entity data model shared by the encoder, the decoder and the
// training driver: examples with character-offset entities, the label set, corpus I/O and
// the gold/prediction diff file.
package ner

import (
	"strings"

	"github.com/pkg/errors"
)

// Entity is one annotated span of an Example.
//
// StartIdx and EndIdx are inclusive rune offsets into the example text, and Entity is the text they cover.
type Entity struct {
	StartIdx int    `json:"start_idx"`
	EndIdx   int    `json:"end_idx"`
	Entity   string `json:"entity"`
	Type     string `json:"type"`
}

// Validate checks that the entity offsets are inside text and that Entity matches the text they cover.
func (e Entity) Validate(text string) error {
	runes := []rune(text)
	if e.StartIdx < 0 || e.StartIdx > e.EndIdx || e.EndIdx >= len(runes) {
		return errors.Errorf("entity %q has invalid span [%d, %d] for text of %d characters",
			e.Entity, e.StartIdx, e.EndIdx, len(runes))
	}
	if covered := string(runes[e.StartIdx : e.EndIdx+1]); covered != e.Entity {
		return errors.Errorf("entity %q doesn't match the text it spans [%d, %d]: %q",
			e.Entity, e.StartIdx, e.EndIdx, covered)
	}
	return nil
}

// Example is a text and its entities.
//
// Words holds the text split into characters, one string per rune. Examples are not modified
// after NewExample returns them.
type Example struct {
	Text     string
	Words    []string
	Entities []Entity
}

// NewExample creates an Example, splitting the text into characters.
//
// The entities are copied, not validated: see Example.Validate.
func NewExample(text string, entities []Entity) *Example {
	runes := []rune(text)
	words := make([]string, len(runes))
	for i, r := range runes {
		words[i] = string(r)
	}
	ex := &Example{Text: text, Words: words}
	if len(entities) > 0 {
		ex.Entities = append([]Entity(nil), entities...)
	}
	return ex
}

// Len returns the number of characters of the example.
func (ex *Example) Len() int {
	return len(ex.Words)
}

// Span returns the text of the characters [start, end], or false if the span is out of range.
func (ex *Example) Span(start, end int) (string, bool) {
	if start < 0 || start > end || end >= len(ex.Words) {
		return "", false
	}
	return strings.Join(ex.Words[start:end+1], ""), true
}

// Validate checks every entity against the example text.
func (ex *Example) Validate() error {
	for i, e := range ex.Entities {
		if err := e.Validate(ex.Text); err != nil {
			return errors.WithMessagef(err, "entity #%d", i)
		}
	}
	return nil
}
