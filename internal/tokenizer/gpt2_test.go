package tokenizer

import (
	"strings"
	"testing"

	"github.com/samcharles93/gptoss/internal/gguf"
)

var testVocab = []string{
	"h", "e", "l", "o", "he", "ll", "hell",
	"<|start|>", "<|end|>",
}

var testMerges = []string{"h e", "l l", "he ll"}

func newTestTokenizer(t *testing.T, pre string, addBOS bool) *GPT2Tokenizer {
	t.Helper()
	tok, err := NewGPT2(testVocab, testMerges, pre, addBOS, 7, 8)
	if err != nil {
		t.Fatalf("NewGPT2: %v", err)
	}
	return tok
}

func TestEncodeAppliesMerges(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", false)
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// h e -> he, l l -> ll, he ll -> hell; o has no merge partner.
	want := []int{6, 3}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", false)
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello" {
		t.Fatalf("round trip: got %q", text)
	}
}

func TestEncodeSpecialTokens(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", false)
	ids, err := tok.Encode("<|start|>hello<|end|>")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ids[0] != 7 || ids[len(ids)-1] != 8 {
		t.Fatalf("control tokens not matched as units: %v", ids)
	}
}

func TestEncodeAddBOS(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", true)
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ids[0] != 7 {
		t.Fatalf("expected bos id 7 first, got %v", ids)
	}
}

func TestEncodeUnknownToken(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", false)
	if _, err := tok.Encode("zzz"); err == nil {
		t.Fatal("expected error for characters outside the vocabulary")
	}
}

func TestIgnoreMergesUsesWholeWord(t *testing.T) {
	t.Parallel()

	// o200k-style pre-tokenizers look the whole word up before
	// running merges.
	vocab := append(append([]string(nil), testVocab...), "hello")
	tok, err := NewGPT2(vocab, testMerges, "gpt-oss", false, -1, -1)
	if err != nil {
		t.Fatalf("NewGPT2: %v", err)
	}
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("got %v, want the single whole-word token 9", ids)
	}
}

func TestSpecialTokenID(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", false)
	id, ok := tok.SpecialTokenID("<|end|>")
	if !ok || id != 8 {
		t.Fatalf("SpecialTokenID: got %d,%v", id, ok)
	}
	if _, ok := tok.SpecialTokenID("<|missing|>"); ok {
		t.Fatal("unexpected hit for unknown control token")
	}
}

func TestTokenString(t *testing.T) {
	t.Parallel()

	tok := newTestTokenizer(t, "", false)
	if got := tok.TokenString(6); got != "hell" {
		t.Fatalf("TokenString(6) = %q", got)
	}
	if got := tok.TokenString(99); got != "" {
		t.Fatalf("out-of-range TokenString = %q", got)
	}
}

func TestNewGPT2EmptyVocab(t *testing.T) {
	t.Parallel()

	if _, err := NewGPT2(nil, nil, "", false, -1, -1); err == nil {
		t.Fatal("expected error for empty token list")
	}
}

func strArray(vals []string) gguf.Value {
	arr := gguf.ArrayValue{ElemType: gguf.TypeString}
	for _, v := range vals {
		arr.Values = append(arr.Values, v)
	}
	return gguf.Value{Type: gguf.TypeArray, Value: arr}
}

func TestFromGGUF(t *testing.T) {
	t.Parallel()

	kv := map[string]gguf.Value{
		"tokenizer.ggml.model":        {Type: gguf.TypeString, Value: "gpt2"},
		"tokenizer.ggml.pre":          {Type: gguf.TypeString, Value: "gpt-oss"},
		"tokenizer.ggml.tokens":       strArray(testVocab),
		"tokenizer.ggml.merges":       strArray(testMerges),
		"tokenizer.ggml.bos_token_id": {Type: gguf.TypeUint32, Value: uint32(7)},
		"tokenizer.ggml.eos_token_id": {Type: gguf.TypeUint32, Value: uint32(8)},
	}

	tok, err := FromGGUF(kv)
	if err != nil {
		t.Fatalf("FromGGUF: %v", err)
	}
	if tok.BOSID() != 7 || tok.EOSID() != 8 {
		t.Fatalf("ids: bos %d eos %d", tok.BOSID(), tok.EOSID())
	}

	text, err := tok.Decode([]int{6, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello" {
		t.Fatalf("decode: got %q", text)
	}
}

func TestFromGGUFRejectsOtherModels(t *testing.T) {
	t.Parallel()

	kv := map[string]gguf.Value{
		"tokenizer.ggml.model":  {Type: gguf.TypeString, Value: "llama"},
		"tokenizer.ggml.tokens": strArray(testVocab),
	}
	_, err := FromGGUF(kv)
	if err == nil || !strings.Contains(err.Error(), "unsupported tokenizer model") {
		t.Fatalf("got %v", err)
	}
}

func TestFromGGUFMissingTokens(t *testing.T) {
	t.Parallel()

	kv := map[string]gguf.Value{
		"tokenizer.ggml.model": {Type: gguf.TypeString, Value: "gpt2"},
	}
	if _, err := FromGGUF(kv); err == nil {
		t.Fatal("expected error for missing token list")
	}
}
