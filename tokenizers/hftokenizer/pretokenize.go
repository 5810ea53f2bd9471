package hftokenizer

import "unicode/utf8"

// preTokenize splits the normalized text into words using the pre-tokenizer.
func (t *Tokenizer) preTokenize(units []unit) [][]unit {
	if t.tokenizer.PreTokenizer == nil {
		// Default: split on whitespace
		return splitWhitespace(units)
	}
	return t.applyPreTokenizer(units, t.tokenizer.PreTokenizer)
}

func (t *Tokenizer) applyPreTokenizer(units []unit, pt *PreTokenizer) [][]unit {
	switch pt.Type {
	case "BertPreTokenizer":
		return bertSplit(units)
	case "Whitespace", "WhitespaceSplit", "Split":
		return splitWhitespace(units)
	case "ByteLevel":
		return byteLevelSplit(units, pt.AddPrefixSpace)
	case "Metaspace":
		return metaspaceSplit(units, pt.AddPrefixSpace)
	case "Sequence":
		words := [][]unit{units}
		for _, child := range pt.PreTokenizers {
			childCopy := child
			var next [][]unit
			for _, word := range words {
				next = append(next, t.applyPreTokenizer(word, &childCopy)...)
			}
			words = next
		}
		return words
	case "Punctuation":
		return punctuationSplit(units)
	default:
		return splitWhitespace(units)
	}
}

func splitWhitespace(units []unit) [][]unit {
	var words [][]unit
	from := -1
	for i, u := range units {
		if isWhitespace(u.r) {
			if from >= 0 {
				words = append(words, units[from:i])
				from = -1
			}
		} else if from < 0 {
			from = i
		}
	}
	if from >= 0 {
		words = append(words, units[from:])
	}
	return words
}

// bertSplit splits on whitespace, and isolates each punctuation character.
func bertSplit(units []unit) [][]unit {
	var words [][]unit
	for _, piece := range splitWhitespace(units) {
		words = append(words, punctuationSplit(piece)...)
	}
	return words
}

func punctuationSplit(units []unit) [][]unit {
	var words [][]unit
	from := 0
	for i, u := range units {
		if !isPunctuation(u.r) {
			continue
		}
		if i > from {
			words = append(words, units[from:i])
		}
		words = append(words, units[i:i+1])
		from = i + 1
	}
	if from < len(units) {
		words = append(words, units[from:])
	}
	return words
}

// Byte-level BPE encoding/decoding
// GPT-2 uses a specific byte-to-unicode mapping
var byteToUnicode map[byte]rune
var unicodeToByte map[rune]byte

func init() {
	byteToUnicode = make(map[byte]rune)
	unicodeToByte = make(map[rune]byte)

	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= '\xa1' && b <= '\xac') || (b >= '\xae' && b <= '\xff') {
			byteToUnicode[byte(b)] = rune(b)
			unicodeToByte[rune(b)] = byte(b)
		} else {
			byteToUnicode[byte(b)] = rune(256 + n)
			unicodeToByte[rune(256+n)] = byte(b)
			n++
		}
	}
}

// byteLevelSplit splits on spaces, keeping the space attached to the following word, and maps each
// byte to its GPT-2 unicode rune. All the bytes of a rune share the rune's span.
func byteLevelSplit(units []unit, addPrefixSpace bool) [][]unit {
	if addPrefixSpace && len(units) > 0 && units[0].r != ' ' {
		units = append([]unit{{r: ' ', start: units[0].start, end: units[0].start}}, units...)
	}
	var words [][]unit
	var current []unit
	inWord := false
	for _, u := range units {
		if u.r == ' ' && inWord {
			words = append(words, current)
			current = nil
		}
		inWord = u.r != ' '
		var buf [4]byte
		n := utf8.EncodeRune(buf[:], u.r)
		for _, b := range buf[:n] {
			current = append(current, unit{r: byteToUnicode[b], start: u.start, end: u.end})
		}
	}
	if len(current) > 0 {
		words = append(words, current)
	}
	return words
}

func byteLevelDecode(text string) string {
	var result []byte
	for _, r := range text {
		if b, ok := unicodeToByte[r]; ok {
			result = append(result, b)
		} else {
			// Fallback for characters not in the mapping
			result = append(result, []byte(string(r))...)
		}
	}
	return string(result)
}

const metaspace = '▁'

// metaspaceSplit replaces spaces with the metaspace character, and starts a new word on each one.
func metaspaceSplit(units []unit, addPrefixSpace bool) [][]unit {
	if addPrefixSpace && len(units) > 0 && units[0].r != ' ' {
		units = append([]unit{{r: ' ', start: units[0].start, end: units[0].start}}, units...)
	}
	var words [][]unit
	var current []unit
	for _, u := range units {
		if u.r == ' ' {
			u.r = metaspace
		}
		if u.r == metaspace && len(current) > 0 {
			words = append(words, current)
			current = nil
		}
		current = append(current, u)
	}
	if len(current) > 0 {
		words = append(words, current)
	}
	return words
}
