package api

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the fields of HuggingFace's "tokenizer_config.json" that the tokenizers here use.
// Unknown fields are ignored.
type Config struct {
	TokenizerClass string `json:"tokenizer_class"`
	DoLowerCase    *bool  `json:"do_lower_case"`
	ModelMaxLength int64  `json:"model_max_length"`

	BosToken  TokenContent `json:"bos_token"`
	EosToken  TokenContent `json:"eos_token"`
	UnkToken  TokenContent `json:"unk_token"`
	SepToken  TokenContent `json:"sep_token"`
	PadToken  TokenContent `json:"pad_token"`
	ClsToken  TokenContent `json:"cls_token"`
	MaskToken TokenContent `json:"mask_token"`

	AdditionalSpecialTokens []TokenContent `json:"additional_special_tokens"`

	// ConfigFile is the path the configuration was read from, if any.
	ConfigFile string `json:"-"`
}

// TokenContent is a special token as written in tokenizer_config.json: either a plain string
// or an AddedToken object ({"__type": "AddedToken", "content": "<s>", ...}).
type TokenContent string

// UnmarshalJSON implements json.Unmarshaler.
func (t *TokenContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TokenContent(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrapf(err, "special token must be a string or an AddedToken object")
	}
	*t = TokenContent(obj.Content)
	return nil
}

// ParseConfigContent parses the contents of a tokenizer_config.json file.
func ParseConfigContent(content []byte) (*Config, error) {
	config := &Config{}
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer_config.json")
	}
	return config, nil
}

// ParseConfigFile reads and parses a tokenizer_config.json file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	config, err := ParseConfigContent(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", filePath)
	}
	config.ConfigFile = filePath
	return config, nil
}
