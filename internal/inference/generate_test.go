package inference

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/samcharles93/gptoss/internal/logger"
	"github.com/samcharles93/gptoss/internal/model"
)

const stubVocab = 120

const (
	stubReturnID = 100
	stubCallID   = 101
	stubEOSID    = 102
)

// stubModel plays back scripted argmax tokens: the logits returned for
// position pos favor script[pos].
type stubModel struct {
	cfg       model.GptOssModelConfig
	script    map[int]int
	positions []int
	tokens    []int
}

func (m *stubModel) Forward(cache *model.KvCache, token, pos int, opts model.ForwardOptions) ([]float32, error) {
	m.positions = append(m.positions, pos)
	m.tokens = append(m.tokens, token)

	next, ok := m.script[pos]
	if !ok {
		next = 1
	}
	logits := make([]float32, stubVocab)
	logits[next] = 5
	return logits, nil
}

func (m *stubModel) NewCache(maxLen int) *model.KvCache {
	return model.NewKvCache(1, maxLen)
}

func (m *stubModel) Config() model.GptOssModelConfig { return m.cfg }

// stubTokenizer returns a fixed id sequence for any prompt and decodes
// ids to bracketed placeholders.
type stubTokenizer struct {
	ids         []int
	lastEncoded string
}

func (t *stubTokenizer) Encode(text string) ([]int, error) {
	t.lastEncoded = text
	return t.ids, nil
}

func (t *stubTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "[%d]", id)
	}
	return b.String(), nil
}

func (t *stubTokenizer) SpecialTokenID(text string) (int, bool) {
	switch text {
	case tokenReturn:
		return stubReturnID, true
	case tokenCall:
		return stubCallID, true
	}
	return 0, false
}

func (t *stubTokenizer) EOSID() int { return stubEOSID }

// recordingHook collects every observed token event.
type recordingHook struct {
	events []TokenEvent
}

func (h *recordingHook) TokenGenerated(ev TokenEvent) {
	h.events = append(h.events, ev)
}

func newStubEngine(ids []int, script map[int]int, cfg model.GptOssModelConfig) (*Engine, *stubModel, *stubTokenizer) {
	m := &stubModel{cfg: cfg, script: script}
	tok := &stubTokenizer{ids: ids}
	return NewEngine(m, tok, logger.Default()), m, tok
}

func TestGenerateFinishLength(t *testing.T) {
	t.Parallel()

	eng, m, _ := newStubEngine([]int{5, 6, 7}, map[int]int{
		2: 10, 3: 11, 4: 12, 5: 13, 6: 14,
	}, model.GptOssModelConfig{})

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{MaxNewTokens: 5}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}

	if result.FinishReason != "length" {
		t.Errorf("finish reason = %q, want length", result.FinishReason)
	}
	if result.PromptTokens != 3 || result.CompletionTokens != 5 {
		t.Errorf("token counts: prompt %d completion %d", result.PromptTokens, result.CompletionTokens)
	}
	if result.Text != "[10][11][12][13][14]" {
		t.Errorf("text = %q", result.Text)
	}

	// Prefill covers positions 0..2, decode continues 3..7.
	wantPos := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if len(m.positions) != len(wantPos) {
		t.Fatalf("forward positions: %v", m.positions)
	}
	for i, p := range wantPos {
		if m.positions[i] != p {
			t.Fatalf("forward positions: %v, want %v", m.positions, wantPos)
		}
	}
	// The decode forwards feed the freshly sampled tokens back in.
	if m.tokens[3] != 10 || m.tokens[7] != 14 {
		t.Errorf("forward tokens: %v", m.tokens)
	}
}

func TestGenerateStopToken(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{5, 6, 7}, map[int]int{
		2: 10, 3: 11, 4: stubReturnID,
	}, model.GptOssModelConfig{})

	var streamed []int
	callback := func(ev *TokenEvent) error {
		streamed = append(streamed, ev.TokenID)
		return nil
	}

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{MaxNewTokens: 5}, callback, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}

	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", result.FinishReason)
	}
	if result.Text != "[10][11]" || result.CompletionTokens != 2 {
		t.Errorf("text %q, completion tokens %d", result.Text, result.CompletionTokens)
	}
	// The stop token itself is never streamed.
	if len(streamed) != 2 || streamed[0] != 10 || streamed[1] != 11 {
		t.Errorf("streamed tokens: %v", streamed)
	}
}

func TestGenerateEOSStops(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{5}, map[int]int{0: stubEOSID}, model.GptOssModelConfig{})

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{MaxNewTokens: 3}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}
	if result.FinishReason != "stop" || result.CompletionTokens != 0 {
		t.Errorf("got finish %q with %d tokens", result.FinishReason, result.CompletionTokens)
	}
}

func TestGenerateCallerStopTokens(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{5}, map[int]int{0: 10, 1: 42}, model.GptOssModelConfig{})

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{
		MaxNewTokens: 5,
		StopTokens:   []int{42},
	}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}
	if result.FinishReason != "stop" || result.Text != "[10]" {
		t.Errorf("got finish %q text %q", result.FinishReason, result.Text)
	}
}

func TestGenerateHarmonyWrap(t *testing.T) {
	t.Parallel()

	eng, _, tok := newStubEngine([]int{5}, nil, model.GptOssModelConfig{})

	_, err := eng.GenerateWithCallback("what is 2+2?", &EngineConfig{
		MaxNewTokens:     1,
		UseHarmonyPrompt: true,
	}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}

	got := tok.lastEncoded
	if !strings.HasPrefix(got, "<|start|>system<|message|>You are ChatGPT") {
		t.Errorf("missing system turn: %q", got)
	}
	if !strings.Contains(got, "<|start|>user<|message|>what is 2+2?<|end|>") {
		t.Errorf("missing user turn: %q", got)
	}
	if !strings.HasSuffix(got, "<|start|>assistant<|channel|>final<|message|>") {
		t.Errorf("assistant turn not left open: %q", got)
	}
}

func TestGenerateNoHarmonyWrap(t *testing.T) {
	t.Parallel()

	eng, _, tok := newStubEngine([]int{5}, nil, model.GptOssModelConfig{})

	_, err := eng.GenerateWithCallback("raw prompt", &EngineConfig{MaxNewTokens: 1}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}
	if tok.lastEncoded != "raw prompt" {
		t.Errorf("prompt was rewritten: %q", tok.lastEncoded)
	}
}

func TestGeneratePromptTruncation(t *testing.T) {
	t.Parallel()

	ids := []int{1, 2, 3, 4, 5, 6, 7, 8}
	eng, m, _ := newStubEngine(ids, nil, model.GptOssModelConfig{})

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{
		MaxKV:        6,
		MaxNewTokens: 2,
	}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}

	// max_kv 6 minus 2 new tokens keeps the last 4 prompt tokens.
	if result.PromptTokens != 4 {
		t.Errorf("prompt tokens = %d, want 4", result.PromptTokens)
	}
	if m.tokens[0] != 5 {
		t.Errorf("first forwarded token = %d, want 5 (front truncation)", m.tokens[0])
	}
}

func TestGenerateContextLengthClampsMaxKV(t *testing.T) {
	t.Parallel()

	ids := []int{1, 2, 3}
	eng, _, _ := newStubEngine(ids, nil, model.GptOssModelConfig{ContextLength: 4})

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{MaxNewTokens: 2}, nil, nil)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}
	// Derived max_kv 5 clamps to the model context of 4, leaving room
	// for 2 prompt tokens.
	if result.PromptTokens != 2 {
		t.Errorf("prompt tokens = %d, want 2", result.PromptTokens)
	}
}

func TestGeneratePromptLimitZero(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{1, 2, 3}, nil, model.GptOssModelConfig{})

	_, err := eng.GenerateWithCallback("hi", &EngineConfig{
		MaxKV:        10,
		MaxNewTokens: 10,
	}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "prompt token limit is zero") {
		t.Fatalf("got %v", err)
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine(nil, nil, model.GptOssModelConfig{})

	_, err := eng.GenerateWithCallback("", &EngineConfig{MaxNewTokens: 1}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "no tokens") {
		t.Fatalf("got %v", err)
	}
}

func TestGenerateCallbackAbortDiscardsOutput(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{5}, map[int]int{0: 10, 1: 11, 2: 12}, model.GptOssModelConfig{})

	abort := errors.New("client went away")
	calls := 0
	callback := func(ev *TokenEvent) error {
		calls++
		if calls == 2 {
			return abort
		}
		return nil
	}

	result, err := eng.GenerateWithCallback("hi", &EngineConfig{MaxNewTokens: 5}, callback, nil)
	if !errors.Is(err, abort) {
		t.Fatalf("got %v, want the callback error", err)
	}
	if result != nil {
		t.Fatalf("partial output must be discarded, got %+v", result)
	}
}

func TestGenerateTelemetry(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{5}, map[int]int{0: 10, 1: 11}, model.GptOssModelConfig{})

	hook := &recordingHook{}
	result, err := eng.GenerateWithCallback("hi", &EngineConfig{
		MaxNewTokens:  2,
		TelemetryTopK: 3,
	}, nil, hook)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}
	if result.CompletionTokens != 2 || len(hook.events) != 2 {
		t.Fatalf("completion %d, hook events %d", result.CompletionTokens, len(hook.events))
	}

	for i, ev := range hook.events {
		if len(ev.TopK) != 3 {
			t.Fatalf("event %d: %d candidates", i, len(ev.TopK))
		}
		// Greedy sampling picks the top candidate.
		if ev.TopK[0].TokenID != ev.TokenID {
			t.Errorf("event %d: top candidate %d, sampled %d", i, ev.TopK[0].TokenID, ev.TokenID)
		}
		for j := 1; j < len(ev.TopK); j++ {
			if ev.TopK[j].Probability > ev.TopK[j-1].Probability {
				t.Errorf("event %d: candidates not descending", i)
			}
		}
		if ev.Entropy < 0 {
			t.Errorf("event %d: negative entropy %v", i, ev.Entropy)
		}
		if ev.TokenText == "" {
			t.Errorf("event %d: empty token text", i)
		}
	}
}

func TestGenerateTelemetryDisabled(t *testing.T) {
	t.Parallel()

	eng, _, _ := newStubEngine([]int{5}, nil, model.GptOssModelConfig{})

	hook := &recordingHook{}
	_, err := eng.GenerateWithCallback("hi", &EngineConfig{MaxNewTokens: 1}, nil, hook)
	if err != nil {
		t.Fatalf("GenerateWithCallback: %v", err)
	}
	if len(hook.events) != 1 {
		t.Fatalf("hook events: %d", len(hook.events))
	}
	if hook.events[0].TopK != nil || hook.events[0].Entropy != 0 {
		t.Errorf("telemetry should be zero when disabled: %+v", hook.events[0])
	}
}

func TestBuildStopSet(t *testing.T) {
	t.Parallel()

	tok := &stubTokenizer{}
	stops := buildStopSet(tok, []int{7, 7, stubEOSID})

	want := []int{stubReturnID, stubCallID, stubEOSID, 7}
	if len(stops) != len(want) {
		t.Fatalf("stop set size = %d, want %d: %v", len(stops), len(want), stops)
	}
	for _, id := range want {
		if _, ok := stops[id]; !ok {
			t.Errorf("missing stop token %d", id)
		}
	}
}

func TestWrapHarmonyLiteral(t *testing.T) {
	t.Parallel()

	got := WrapHarmony("hi")
	for _, part := range []string{
		"Knowledge cutoff: 2024-06",
		"Current date: 2025-06-28",
		"Reasoning: low",
		"# Valid channels: analysis, commentary, final. Channel must be included for every message.",
		"<|start|>developer<|message|># Instructions",
	} {
		if !strings.Contains(got, part) {
			t.Errorf("missing %q", part)
		}
	}
}
