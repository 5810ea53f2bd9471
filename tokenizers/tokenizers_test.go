package tokenizers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-globalpointer/hub"
	"github.com/gomlx/go-globalpointer/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromVocabRepo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"),
		[]byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\n北\n京\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"),
		[]byte(`{"do_lower_case": true, "additional_special_tokens": ["\n"]}`), 0644))

	tok, err := New(hub.New(dir))
	require.NoError(t, err)
	result := tok.EncodeWithSpans("北\n京")
	assert.Equal(t, []int{5, 7, 6}, result.IDs)
	assert.Equal(t, []api.TokenSpan{{0, 3}, {3, 4}, {4, 7}}, result.Spans)

	size, err := VocabSize(tok)
	require.NoError(t, err)
	assert.Equal(t, 8, size)

	numNew, err := AddSpecialTokens(tok, " ")
	require.NoError(t, err)
	assert.Equal(t, 1, numNew)
	size, err = VocabSize(tok)
	require.NoError(t, err)
	assert.Equal(t, 9, size)
}

func TestNewWithoutTokenizer(t *testing.T) {
	_, err := New(hub.New(t.TempDir()))
	require.Error(t, err)
}
