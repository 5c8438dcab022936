package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/gptoss/internal/inference"
)

type testProvider struct {
	gen    testGenerator
	models []string
	err    error
}

func (p *testProvider) WithEngine(ctx context.Context, modelID string, fn func(engine Generator) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(&p.gen)
}

func (p *testProvider) ListModels() ([]string, error) {
	return p.models, nil
}

type testGenerator struct {
	text       string
	finish     string
	err        error
	lastPrompt string
	lastCfg    inference.EngineConfig
}

func (g *testGenerator) GenerateWithCallback(prompt string, cfg *inference.EngineConfig, callback inference.TokenCallback, hook inference.InferenceHook) (*inference.Completion, error) {
	g.lastPrompt = prompt
	g.lastCfg = *cfg
	if g.err != nil {
		return nil, g.err
	}
	if callback != nil {
		for _, piece := range strings.SplitAfter(g.text, " ") {
			if err := callback(&inference.TokenEvent{TokenText: piece}); err != nil {
				return nil, err
			}
		}
	}
	finish := g.finish
	if finish == "" {
		finish = "stop"
	}
	return &inference.Completion{
		Text:             g.text,
		PromptTokens:     7,
		CompletionTokens: 3,
		FinishReason:     finish,
	}, nil
}

func newTestEcho(provider *testProvider) *echo.Echo {
	server := NewServer(provider, inference.EngineConfig{})
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionsSync(t *testing.T) {
	t.Parallel()

	provider := &testProvider{gen: testGenerator{text: "four"}}
	e := newTestEcho(provider)

	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"what is 2+2?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "chat.completion", resp.Object)
	require.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "assistant", resp.Choices[0].Message.Role)
	require.Equal(t, "four", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", *resp.Choices[0].FinishReason)
	require.Equal(t, ChatUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)

	require.Equal(t, "what is 2+2?", provider.gen.lastPrompt)
	require.True(t, provider.gen.lastCfg.UseHarmonyPrompt)
}

func TestChatCompletionsTranscriptFlattening(t *testing.T) {
	t.Parallel()

	provider := &testProvider{gen: testGenerator{text: "ok"}}
	e := newTestEcho(provider)

	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions",
		`{"messages":[
			{"role":"system","content":"be brief"},
			{"role":"user","content":"hi"},
			{"role":"assistant","content":"hello"},
			{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}
		]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	want := "system: be brief\nhi\nassistant: hello\npart one\npart two"
	require.Equal(t, want, provider.gen.lastPrompt)
}

func TestChatCompletionsSamplingOverrides(t *testing.T) {
	t.Parallel()

	provider := &testProvider{gen: testGenerator{text: "ok"}}
	e := newTestEcho(provider)

	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}],"temperature":0.2,"top_p":0.5,"max_tokens":32,"seed":42,"repeat_penalty":1.3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg := provider.gen.lastCfg
	require.InDelta(t, 0.2, cfg.Generation.Temperature, 1e-6)
	require.InDelta(t, 0.5, cfg.Generation.TopP, 1e-6)
	require.Equal(t, 32, cfg.MaxNewTokens)
	require.Equal(t, int64(42), cfg.Generation.Seed)
	require.InDelta(t, 1.3, cfg.Generation.RepeatPenalty, 1e-6)
}

func TestChatCompletionsValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testProvider{gen: testGenerator{text: "ok"}})

	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "messages is required")

	rec = doJSON(t, e, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"  "}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no text content")

	rec = doJSON(t, e, http.MethodPost, "/v1/chat/completions", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsEngineError(t *testing.T) {
	t.Parallel()

	provider := &testProvider{err: errors.New("model missing.gguf not found")}
	e := newTestEcho(provider)

	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "missing.gguf")
}

func TestChatCompletionsStream(t *testing.T) {
	t.Parallel()

	provider := &testProvider{gen: testGenerator{text: "hello world", finish: "length"}}
	e := newTestEcho(provider)

	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	require.Contains(t, body, `"role":"assistant"`)
	require.Contains(t, body, `"content":"hello "`)
	require.Contains(t, body, `"content":"world"`)
	require.Contains(t, body, `"finish_reason":"length"`)
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)

	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), line)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testProvider{models: []string{"gpt-oss-20b", "gpt-oss-120b"}})
	rec := doJSON(t, e, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 2)
	require.Equal(t, "gpt-oss-20b", resp.Data[0].ID)
	require.Equal(t, "model", resp.Data[0].Object)
}

func TestListModelsDefault(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testProvider{})
	rec := doJSON(t, e, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"gpt-oss"`)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testProvider{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testProvider{})
	e.Use(RateLimit(0, 0))

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "too many requests")
}
