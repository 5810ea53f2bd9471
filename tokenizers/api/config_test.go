package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigContent(t *testing.T) {
	content := []byte(`{
		"tokenizer_class": "BertTokenizer",
		"do_lower_case": true,
		"model_max_length": 512,
		"cls_token": "[CLS]",
		"sep_token": {"__type": "AddedToken", "content": "[SEP]", "lstrip": false},
		"additional_special_tokens": [" ", "\n"]
	}`)
	config, err := ParseConfigContent(content)
	require.NoError(t, err)
	assert.Equal(t, "BertTokenizer", config.TokenizerClass)
	require.NotNil(t, config.DoLowerCase)
	assert.True(t, *config.DoLowerCase)
	assert.Equal(t, int64(512), config.ModelMaxLength)
	assert.Equal(t, TokenContent("[CLS]"), config.ClsToken)
	assert.Equal(t, TokenContent("[SEP]"), config.SepToken)
	assert.Equal(t, []TokenContent{" ", "\n"}, config.AdditionalSpecialTokens)
	assert.Empty(t, config.PadToken)

	_, err = ParseConfigContent([]byte(`{"cls_token": 3}`))
	require.Error(t, err)
}

func TestSpecialTokenString(t *testing.T) {
	assert.Equal(t, "pad", TokPad.String())
	assert.Equal(t, "classification", TokClassification.String())
	assert.Equal(t, "SpecialToken(42)", SpecialToken(42).String())
	assert.Len(t, SpecialTokenValues(), int(TokSpecialTokensCount))
}
