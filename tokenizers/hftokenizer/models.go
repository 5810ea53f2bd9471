package hftokenizer

// token is a token id with the byte span of the original text it covers.
type token struct {
	id         int
	start, end int
}

// spanToken creates a token covering word[from:to].
func spanToken(id int, word []unit, from, to int) token {
	return token{id: id, start: word[from].start, end: word[to-1].end}
}

// tokenizeWord tokenizes a single word according to the model type.
func (t *Tokenizer) tokenizeWord(word []unit) []token {
	if len(word) == 0 {
		return nil
	}
	if id, ok := t.addedTokens[unitsString(word)]; ok {
		return []token{spanToken(id, word, 0, len(word))}
	}

	switch t.tokenizer.Model.Type {
	case "WordPiece":
		return t.wordPieceTokenize(word)
	case "BPE":
		return t.bpeTokenize(word)
	case "Unigram":
		return t.unigramTokenize(word)
	default:
		if id, ok := t.tokenizer.Model.Vocab[unitsString(word)]; ok {
			return []token{spanToken(id, word, 0, len(word))}
		}
		return t.unknownWord(word)
	}
}

// unknownWord returns the word as a single unknown token, or nothing if the model has no unknown token.
func (t *Tokenizer) unknownWord(word []unit) []token {
	if t.unkID < 0 {
		return nil
	}
	return []token{spanToken(t.unkID, word, 0, len(word))}
}

// wordPieceTokenize implements WordPiece tokenization (used by BERT): greedy longest-match-first.
func (t *Tokenizer) wordPieceTokenize(word []unit) []token {
	maxChars := t.tokenizer.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if len(word) > maxChars {
		return t.unknownWord(word)
	}

	prefix := t.tokenizer.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}

	var tokens []token
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for start < end {
			substr := unitsString(word[start:end])
			if start > 0 {
				substr = prefix + substr
			}
			if id, ok := t.tokenizer.Model.Vocab[substr]; ok {
				tokens = append(tokens, spanToken(id, word, start, end))
				found = true
				break
			}
			end--
		}
		if !found {
			return t.unknownWord(word)
		}
		start = end
	}
	return tokens
}

// bpeSymbol is a BPE symbol covering word[from:to].
type bpeSymbol struct {
	text     string
	from, to int
}

// bpeTokenize implements BPE tokenization (used by GPT-2, RoBERTa).
func (t *Tokenizer) bpeTokenize(word []unit) []token {
	symbols := make([]bpeSymbol, len(word))
	for i, u := range word {
		symbols[i] = bpeSymbol{text: string(u.r), from: i, to: i + 1}
	}
	if suffix := t.tokenizer.Model.EndOfWordSuffix; suffix != "" {
		symbols[len(symbols)-1].text += suffix
	}

	for len(symbols) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			pair := symbols[i].text + " " + symbols[i+1].text
			if rank, ok := t.mergeRanks[pair]; ok {
				if bestRank == -1 || rank < bestRank {
					bestRank = rank
					bestIdx = i
				}
			}
		}
		if bestIdx == -1 {
			break // No more merges possible
		}

		merged := bpeSymbol{
			text: symbols[bestIdx].text + symbols[bestIdx+1].text,
			from: symbols[bestIdx].from,
			to:   symbols[bestIdx+1].to,
		}
		newSymbols := make([]bpeSymbol, 0, len(symbols)-1)
		newSymbols = append(newSymbols, symbols[:bestIdx]...)
		newSymbols = append(newSymbols, merged)
		newSymbols = append(newSymbols, symbols[bestIdx+2:]...)
		symbols = newSymbols
	}

	var tokens []token
	for _, sym := range symbols {
		if id, ok := t.tokenizer.Model.Vocab[sym.text]; ok {
			tokens = append(tokens, spanToken(id, word, sym.from, sym.to))
		} else if t.unkID >= 0 {
			tokens = append(tokens, spanToken(t.unkID, word, sym.from, sym.to))
		}
	}
	return tokens
}

// unigramTokenize implements Unigram tokenization with a greedy longest-match.
// A full Unigram model would use the Viterbi algorithm over the piece scores.
func (t *Tokenizer) unigramTokenize(word []unit) []token {
	var tokens []token
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			if id, ok := t.tokenizer.Model.Vocab[unitsString(word[start:end])]; ok {
				tokens = append(tokens, spanToken(id, word, start, end))
				found = true
				start = end
				break
			}
			end--
		}
		if !found {
			if id, ok := t.tokenizer.Model.Vocab[string(word[start].r)]; ok {
				tokens = append(tokens, spanToken(id, word, start, start+1))
			} else if t.unkID >= 0 {
				tokens = append(tokens, spanToken(t.unkID, word, start, start+1))
			}
			start++
		}
	}
	return tokens
}
