package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gptoss/internal/inference"
	"github.com/samcharles93/gptoss/internal/logits"
)

// ChatCompletionRequest is an OpenAI-compatible chat completion
// request. Unsupported fields are accepted and ignored.
type ChatCompletionRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	Stream              *bool         `json:"stream,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	RepeatPenalty       *float64      `json:"repeat_penalty,omitempty"`
	Seed                *int64        `json:"seed,omitempty"`
	User                string        `json:"user,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is a streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

func (s *Server) handleListModels(c *echo.Context) error {
	modelIDs := []string{"gpt-oss"}
	discovered, err := s.provider.ListModels()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	if len(discovered) > 0 {
		modelIDs = discovered
	}

	data := make([]map[string]any, 0, len(modelIDs))
	for _, id := range modelIDs {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "local",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}

	prompt, err := messagesToPrompt(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	isStream := req.Stream != nil && *req.Stream
	completionID := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = "gpt-oss"
	}

	cfg := chatToEngineConfig(&req, s.defaults)

	if isStream {
		return s.handleChatCompletionsStream(c, req, prompt, cfg, completionID, created, model)
	}
	return s.handleChatCompletionsSync(c, req, prompt, cfg, completionID, created, model)
}

func (s *Server) handleChatCompletionsSync(c *echo.Context, req ChatCompletionRequest, prompt string, cfg inference.EngineConfig, completionID string, created int64, model string) error {
	var result *inference.Completion

	err := s.provider.WithEngine(c.Request().Context(), req.Model, func(engine Generator) error {
		var genErr error
		result, genErr = engine.GenerateWithCallback(prompt, &cfg, nil, nil)
		return genErr
	})
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	resp := ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: result.Text,
				},
				FinishReason: &result.FinishReason,
			},
		},
		Usage: ChatUsage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatCompletionsStream(c *echo.Context, req ChatCompletionRequest, prompt string, cfg inference.EngineConfig, completionID string, created int64, model string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	initialChunk := ChatCompletionChunk{
		ID:      completionID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Delta: &ChatMessage{Role: "assistant"},
			},
		},
	}
	if err := sendSSEChunk(res, initialChunk); err != nil {
		return err
	}
	flusher.Flush()

	ctx := c.Request().Context()
	finish := "stop"
	err := s.provider.WithEngine(ctx, req.Model, func(engine Generator) error {
		result, genErr := engine.GenerateWithCallback(prompt, &cfg, func(ev *inference.TokenEvent) error {
			// Disconnected clients cancel the request context; the
			// callback error unwinds the generation loop.
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk := ChatCompletionChunk{
				ID:      completionID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []ChatChoice{
					{
						Index: 0,
						Delta: &ChatMessage{Content: ev.TokenText},
					},
				},
			}
			_ = sendSSEChunk(res, chunk)
			flusher.Flush()
			return nil
		}, nil)
		if genErr != nil {
			return genErr
		}
		finish = result.FinishReason
		return nil
	})

	if err != nil {
		_ = sendSSEChunk(res, map[string]any{"error": err.Error()})
		flusher.Flush()
	}

	finalChunk := ChatCompletionChunk{
		ID:      completionID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Delta:        &ChatMessage{},
				FinishReason: &finish,
			},
		},
	}
	_ = sendSSEChunk(res, finalChunk)
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()

	return nil
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}

// messagesToPrompt flattens a chat transcript into the raw prompt the
// engine wraps in its harmony template.
func messagesToPrompt(msgs []ChatMessage) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		text, err := contentText(m.Content)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if m.Role != "" && m.Role != "user" {
			b.WriteString(m.Role)
			b.WriteString(": ")
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return "", newInvalidRequest("messages contain no text content")
	}
	return b.String(), nil
}

func contentText(content any) (string, error) {
	switch v := content.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case []any:
		var parts []string
		for _, part := range v {
			pm, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if typ, _ := pm["type"].(string); typ == "text" {
				if text, ok := pm["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", newInvalidRequest("message content: unsupported type")
	}
}

func chatToEngineConfig(req *ChatCompletionRequest, defaults inference.EngineConfig) inference.EngineConfig {
	cfg := defaults
	cfg.UseHarmonyPrompt = true
	if cfg.Generation == (logits.SamplerConfig{}) {
		cfg.Generation = logits.SamplerConfig{Temperature: 0.8, TopK: 40, TopP: 0.95}
	}

	maxToks := req.MaxTokens
	if req.MaxCompletionTokens != nil {
		maxToks = req.MaxCompletionTokens
	}
	if maxToks != nil {
		cfg.MaxNewTokens = *maxToks
	}
	if req.Temperature != nil {
		cfg.Generation.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		cfg.Generation.TopP = float32(*req.TopP)
	}
	if req.Seed != nil {
		cfg.Generation.Seed = *req.Seed
	}
	if req.RepeatPenalty != nil {
		cfg.Generation.RepeatPenalty = float32(*req.RepeatPenalty)
	}
	return cfg
}
