package inference

// Control tokens that end an assistant turn.
const (
	tokenReturn = "<|return|>"
	tokenCall   = "<|call|>"
)

// buildStopSet collects the model's turn-ending control tokens, the
// tokenizer EOS if defined, and any caller-supplied stops, deduplicated.
func buildStopSet(tok Tokenizer, extra []int) map[int]struct{} {
	stops := make(map[int]struct{}, len(extra)+3)
	if id, ok := tok.SpecialTokenID(tokenReturn); ok {
		stops[id] = struct{}{}
	}
	if id, ok := tok.SpecialTokenID(tokenCall); ok {
		stops[id] = struct{}{}
	}
	if eos := tok.EOSID(); eos >= 0 {
		stops[eos] = struct{}{}
	}
	for _, id := range extra {
		stops[id] = struct{}{}
	}
	return stops
}
