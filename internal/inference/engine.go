package inference

import (
	"github.com/samcharles93/gptoss/internal/logger"
	"github.com/samcharles93/gptoss/internal/model"
)

// Model is the slice of the model engine the generation loop needs.
type Model interface {
	Forward(cache *model.KvCache, token, pos int, opts model.ForwardOptions) ([]float32, error)
	NewCache(maxLen int) *model.KvCache
	Config() model.GptOssModelConfig
}

// Tokenizer is the slice of the tokenizer the generation loop needs.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	SpecialTokenID(text string) (int, bool)
	EOSID() int
}

// Engine pairs a model with its tokenizer. It supports one in-flight
// generation at a time; callers serialize access externally.
type Engine struct {
	model Model
	tok   Tokenizer
	log   logger.Logger
}

func NewEngine(m Model, tok Tokenizer, log logger.Logger) *Engine {
	return &Engine{model: m, tok: tok, log: log}
}

// LoadEngine opens a GGUF model and wraps it for generation.
func LoadEngine(path string, log logger.Logger) (*Engine, *model.Engine, error) {
	me, err := model.LoadEngine(path, log)
	if err != nil {
		return nil, nil, err
	}
	return NewEngine(me, me.Tokenizer(), log), me, nil
}
