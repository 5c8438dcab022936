// Package tokenizer implements byte-level BPE tokenization for GPT-2
// style vocabularies loaded from GGUF metadata.
package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
)

type GPT2Tokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	bosID        int
	eosID        int
	ignoreMerges bool
	special      []string
}

func NewGPT2(tokens []string, merges []string, pre string, addBOS bool, bosID, eosID int) (*GPT2Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token list")
	}
	encoder := make(map[string]int, len(tokens))
	for i, t := range tokens {
		encoder[t] = i
	}
	decoder := append([]string(nil), tokens...)

	bpeRanks := make(map[Pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := Pair{A: parts[0], B: parts[1]}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	// Go regexp does not support lookahead, so we collapse the trailing
	// whitespace branch into a plain \s+ match.
	pat := regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	ignoreMerges := false
	switch pre {
	case "llama3", "llama-v3", "llama-bpe", "gpt-4o", "gpt-oss", "o200k":
		// Llama 3 / o200k style pre-tokenizer (lookahead removed for Go
		// regexp compatibility).
		pat = regexp.MustCompile(`(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`)
		ignoreMerges = true
	}

	return &GPT2Tokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      pat,
		addBOS:       addBOS,
		bosID:        bosID,
		eosID:        eosID,
		ignoreMerges: ignoreMerges,
		special:      collectSpecials(tokens),
	}, nil
}

func (t *GPT2Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	parts := splitSpecials(text, t.special)
	for _, part := range parts {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, token := range t.pattern.FindAllString(part.text, -1) {
			encoded := t.byteEncode(token)
			for _, bpeTok := range t.bpe(encoded) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *GPT2Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *GPT2Tokenizer) BOSID() int { return t.bosID }
func (t *GPT2Tokenizer) EOSID() int { return t.eosID }

// SpecialTokenID looks up the id of a control token by its text, for
// example "<|return|>".
func (t *GPT2Tokenizer) SpecialTokenID(text string) (int, bool) {
	id, ok := t.encoder[text]
	return id, ok
}

func (t *GPT2Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *GPT2Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *GPT2Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok {
				if rank < bestRank {
					bestRank = rank
					bestPair = p
					found = true
				}
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}
