package globalpointer

import (
	"unicode/utf8"

	"github.com/gomlx/go-globalpointer/tokenizers/api"
)

// OffsetMap is the correspondence between the characters (runes) of a text and the tokens of its
// encoded sequence, in both directions.
//
// It is built from the byte spans reported by the tokenizer. Tokens with an empty span (special
// tokens like [CLS] or [SEP]) and positions past the last span (padding) don't map to any character.
// When several tokens cover the same character (byte-level tokenizers), CharToToken returns the first
// and CharToEndToken the last.
type OffsetMap struct {
	charFirstToken, charLastToken []int
	tokenStartChar, tokenEndChar  []int
}

// NewOffsetMap builds the OffsetMap of text given the byte span of each token of its encoded sequence.
func NewOffsetMap(text string, spans []api.TokenSpan) *OffsetMap {
	// Rune index of each byte of text.
	byteToChar := make([]int, len(text)+1)
	numChars := 0
	for pos := 0; pos < len(text); {
		_, size := utf8.DecodeRuneInString(text[pos:])
		for k := range size {
			byteToChar[pos+k] = numChars
		}
		pos += size
		numChars++
	}
	byteToChar[len(text)] = numChars

	m := &OffsetMap{
		charFirstToken: filled(numChars, -1),
		charLastToken:  filled(numChars, -1),
		tokenStartChar: filled(len(spans), -1),
		tokenEndChar:   filled(len(spans), -1),
	}
	for tokenIdx, span := range spans {
		if span.Start >= span.End || span.Start < 0 || span.End > len(text) {
			continue
		}
		first, last := byteToChar[span.Start], byteToChar[span.End-1]
		m.tokenStartChar[tokenIdx] = first
		m.tokenEndChar[tokenIdx] = last
		for char := first; char <= last; char++ {
			if m.charFirstToken[char] < 0 {
				m.charFirstToken[char] = tokenIdx
			}
			m.charLastToken[char] = tokenIdx
		}
	}
	return m
}

func filled(n, value int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = value
	}
	return s
}

// NumChars returns the number of characters of the text.
func (m *OffsetMap) NumChars() int {
	return len(m.charFirstToken)
}

// NumTokens returns the number of tokens of the sequence, special tokens included and padding excluded.
func (m *OffsetMap) NumTokens() int {
	return len(m.tokenStartChar)
}

// CharToToken returns the index of the first token covering the character, or false if no token does.
func (m *OffsetMap) CharToToken(char int) (int, bool) {
	return lookup(m.charFirstToken, char)
}

// CharToEndToken returns the index of the last token covering the character, or false if no token does.
func (m *OffsetMap) CharToEndToken(char int) (int, bool) {
	return lookup(m.charLastToken, char)
}

// TokenStartChar returns the first character covered by the token, or false for special tokens and padding.
func (m *OffsetMap) TokenStartChar(token int) (int, bool) {
	return lookup(m.tokenStartChar, token)
}

// TokenEndChar returns the last character covered by the token, or false for special tokens and padding.
func (m *OffsetMap) TokenEndChar(token int) (int, bool) {
	return lookup(m.tokenEndChar, token)
}

func lookup(table []int, idx int) (int, bool) {
	if idx < 0 || idx >= len(table) || table[idx] < 0 {
		return -1, false
	}
	return table[idx], true
}
