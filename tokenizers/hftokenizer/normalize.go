package hftokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// unit is a rune of the normalized text, along with the byte span of the original text it came from.
// Runes inserted by normalization have an empty span.
type unit struct {
	r          rune
	start, end int
}

// toUnits converts text to units; offset is the position of text in the original input.
func toUnits(text string, offset int) []unit {
	units := make([]unit, 0, len(text))
	for pos := 0; pos < len(text); {
		r, size := utf8.DecodeRuneInString(text[pos:])
		units = append(units, unit{r: r, start: offset + pos, end: offset + pos + size})
		pos += size
	}
	return units
}

func unitsString(units []unit) string {
	var sb strings.Builder
	for _, u := range units {
		sb.WriteRune(u.r)
	}
	return sb.String()
}

// Normalize returns text after the tokenizer's normalizer. Decode output is normalized text, so
// callers comparing decoded tokens with the original must normalize the latter.
func (t *Tokenizer) Normalize(text string) string {
	return unitsString(t.normalize(toUnits(text, 0)))
}

// normalize applies the normalizer to the text.
func (t *Tokenizer) normalize(units []unit) []unit {
	if t.tokenizer.Normalizer == nil {
		return units
	}
	return t.applyNormalizer(units, t.tokenizer.Normalizer)
}

func (t *Tokenizer) applyNormalizer(units []unit, n *Normalizer) []unit {
	switch n.Type {
	case "Lowercase":
		return lowercaseUnits(units)
	case "NFD":
		return normalizeForm(units, norm.NFD)
	case "NFC":
		return normalizeForm(units, norm.NFC)
	case "NFKC":
		return normalizeForm(units, norm.NFKC)
	case "NFKD":
		return normalizeForm(units, norm.NFKD)
	case "StripAccents":
		return stripAccents(units)
	case "BertNormalizer":
		if boolOr(n.CleanText, true) {
			units = cleanUnits(units)
		}
		if boolOr(n.HandleChineseChars, true) {
			units = padChineseChars(units)
		}
		// strip_accents follows lowercase when unset.
		if boolOr(n.StripAccents, n.Lowercase) {
			units = stripAccents(units)
		}
		if n.Lowercase {
			units = lowercaseUnits(units)
		}
		return units
	case "Sequence":
		for _, child := range n.Normalizers {
			childCopy := child
			units = t.applyNormalizer(units, &childCopy)
		}
		return units
	case "Replace":
		if n.Pattern == nil || n.Pattern.String == "" {
			return units
		}
		return replaceUnits(units, n.Pattern.String, n.Content)
	case "Prepend":
		if n.Prepend == "" || len(units) == 0 {
			return units
		}
		prefix := toUnits(n.Prepend, units[0].start)
		for i := range prefix {
			prefix[i].end = prefix[i].start
		}
		return append(prefix, units...)
	default:
		return units
	}
}

func boolOr(v *bool, defaultValue bool) bool {
	if v == nil {
		return defaultValue
	}
	return *v
}

func lowercaseUnits(units []unit) []unit {
	for i := range units {
		units[i].r = unicode.ToLower(units[i].r)
	}
	return units
}

// normalizeForm applies a unicode normalization form to each group of a base rune followed by its
// combining marks. Every rune produced by a group spans the whole group.
func normalizeForm(units []unit, form norm.Form) []unit {
	result := make([]unit, 0, len(units))
	for from := 0; from < len(units); {
		to := from + 1
		for to < len(units) && norm.NFD.PropertiesString(string(units[to].r)).CCC() != 0 {
			to++
		}
		group := make([]rune, to-from)
		for i := from; i < to; i++ {
			group[i-from] = units[i].r
		}
		start, end := units[from].start, units[to-1].end
		for _, r := range form.String(string(group)) {
			result = append(result, unit{r: r, start: start, end: end})
		}
		from = to
	}
	return result
}

// stripAccents decomposes (NFD) and removes the non-spacing marks.
func stripAccents(units []unit) []unit {
	decomposed := normalizeForm(units, norm.NFD)
	result := decomposed[:0]
	for _, u := range decomposed {
		if unicode.Is(unicode.Mn, u.r) {
			continue
		}
		result = append(result, u)
	}
	return result
}

// cleanUnits removes invalid and control characters, and converts any whitespace to a space.
func cleanUnits(units []unit) []unit {
	result := make([]unit, 0, len(units))
	for _, u := range units {
		if u.r == 0 || u.r == 0xFFFD || isControl(u.r) {
			continue
		}
		if isWhitespace(u.r) {
			u.r = ' '
		}
		result = append(result, u)
	}
	return result
}

// padChineseChars surrounds CJK ideographs with spaces, so each becomes its own word.
func padChineseChars(units []unit) []unit {
	result := make([]unit, 0, len(units))
	for _, u := range units {
		if !isChineseChar(u.r) {
			result = append(result, u)
			continue
		}
		result = append(result,
			unit{r: ' ', start: u.start, end: u.start},
			u,
			unit{r: ' ', start: u.end, end: u.end})
	}
	return result
}

func replaceUnits(units []unit, pattern, content string) []unit {
	patternRunes := []rune(pattern)
	contentRunes := []rune(content)
	result := make([]unit, 0, len(units))
	for i := 0; i < len(units); {
		if !hasRunePrefix(units[i:], patternRunes) {
			result = append(result, units[i])
			i++
			continue
		}
		start, end := units[i].start, units[i+len(patternRunes)-1].end
		for _, r := range contentRunes {
			result = append(result, unit{r: r, start: start, end: end})
		}
		i += len(patternRunes)
	}
	return result
}

func hasRunePrefix(units []unit, prefix []rune) bool {
	if len(prefix) == 0 || len(units) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if units[i].r != r {
			return false
		}
	}
	return true
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	// ASCII punctuation
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// isChineseChar reports whether r is in the CJK Unified Ideographs blocks, as BERT defines them.
func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
