package tokenizer

import (
	"fmt"

	"github.com/samcharles93/gptoss/internal/gguf"
)

// FromGGUF builds a tokenizer from the tokenizer.ggml.* metadata of a
// GGUF file.
func FromGGUF(kv map[string]gguf.Value) (*GPT2Tokenizer, error) {
	modelType, _ := gguf.GetString(kv, "tokenizer.ggml.model")
	if modelType != "" && modelType != "gpt2" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", modelType)
	}

	tokens, ok := gguf.GetArray[string](kv, "tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("missing or invalid tokenizer.ggml.tokens")
	}
	merges, _ := gguf.GetArray[string](kv, "tokenizer.ggml.merges")
	pre, _ := gguf.GetString(kv, "tokenizer.ggml.pre")

	bosID := -1
	if v, ok := gguf.GetInt64(kv, "tokenizer.ggml.bos_token_id"); ok {
		bosID = int(v)
	}
	eosID := -1
	if v, ok := gguf.GetInt64(kv, "tokenizer.ggml.eos_token_id"); ok {
		eosID = int(v)
	}
	addBOS, _ := gguf.GetBool(kv, "tokenizer.ggml.add_bos_token")

	return NewGPT2(tokens, merges, pre, addBOS, bosID, eosID)
}
