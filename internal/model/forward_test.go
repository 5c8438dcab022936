package model

import "testing"

func TestRouteExpertsFallback(t *testing.T) {
	t.Parallel()

	// The fallback path never consults the router tensors, so a
	// zero-value engine is enough to exercise it.
	var e Engine
	experts, weights, err := e.routeExperts(nil, nil, ForwardOptions{MoEFallback: true})
	if err != nil {
		t.Fatalf("routeExperts: %v", err)
	}
	if len(experts) != 1 || experts[0] != 0 {
		t.Fatalf("experts = %v, want [0]", experts)
	}
	if len(weights) != 1 || weights[0] != 1 {
		t.Fatalf("weights = %v, want [1]", weights)
	}
}
