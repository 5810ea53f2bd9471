package hftokenizer

import "strings"

// Decode converts a sequence of token IDs back to text.
func (t *Tokenizer) Decode(ids []int) string {
	var tokens []string
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}
	return t.applyDecoder(tokens)
}

// applyDecoder applies the decoder to convert tokens back to text.
func (t *Tokenizer) applyDecoder(tokens []string) string {
	if t.tokenizer.Decoder == nil {
		return t.joinSubwords(tokens, t.tokenizer.Model.ContinuingSubwordPrefix)
	}

	switch t.tokenizer.Decoder.Type {
	case "WordPiece":
		return t.joinSubwords(tokens, t.tokenizer.Decoder.Prefix)
	case "ByteLevel":
		return byteLevelDecode(strings.Join(tokens, ""))
	case "Metaspace":
		return metaspaceDecode(tokens)
	case "BPEDecoder":
		return t.bpeDecode(tokens)
	case "Sequence":
		result := tokens
		for _, dec := range t.tokenizer.Decoder.Decoders {
			decCopy := dec
			result = applyDecoderStep(result, &decCopy)
		}
		return strings.Join(result, "")
	default:
		return t.joinSubwords(tokens, t.tokenizer.Model.ContinuingSubwordPrefix)
	}
}

func applyDecoderStep(tokens []string, d *Decoder) []string {
	switch d.Type {
	case "Replace":
		if d.Pattern == nil || d.Pattern.String == "" {
			return tokens
		}
		result := make([]string, len(tokens))
		for i, tok := range tokens {
			result[i] = strings.ReplaceAll(tok, d.Pattern.String, d.Content)
		}
		return result
	case "ByteLevel":
		return []string{byteLevelDecode(strings.Join(tokens, ""))}
	default:
		return tokens
	}
}

// joinSubwords joins tokens with spaces, gluing the ones starting with the continuing subword prefix
// to the previous one.
func (t *Tokenizer) joinSubwords(tokens []string, prefix string) string {
	if prefix == "" {
		prefix = "##"
	}
	var result strings.Builder
	for i, token := range tokens {
		if strings.HasPrefix(token, prefix) {
			result.WriteString(strings.TrimPrefix(token, prefix))
		} else {
			if i > 0 {
				result.WriteString(" ")
			}
			result.WriteString(token)
		}
	}
	return result.String()
}

func metaspaceDecode(tokens []string) string {
	var result strings.Builder
	for _, token := range tokens {
		result.WriteString(strings.ReplaceAll(token, string(metaspace), " "))
	}
	return strings.TrimLeft(result.String(), " ")
}

func (t *Tokenizer) bpeDecode(tokens []string) string {
	suffix := t.tokenizer.Model.EndOfWordSuffix
	var result strings.Builder
	for i, token := range tokens {
		if suffix != "" && strings.HasSuffix(token, suffix) {
			result.WriteString(strings.TrimSuffix(token, suffix))
			if i < len(tokens)-1 {
				result.WriteString(" ")
			}
		} else {
			result.WriteString(token)
		}
	}
	return result.String()
}
