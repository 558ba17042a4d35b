package hashing

import "testing"

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{
		"source_ip": "1.2.3.4",
		"action":    "file_access",
		"nested":    map[string]interface{}{"b": 1.0, "a": "x"},
	}
	b := map[string]interface{}{
		"nested":    map[string]interface{}{"a": "x", "b": 1.0},
		"action":    "file_access",
		"source_ip": "1.2.3.4",
	}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical hashes regardless of key order, got %s vs %s", ha, hb)
	}
}

func TestCanonicalHash_ExcludesLogHash(t *testing.T) {
	withHash := map[string]interface{}{"action": "scan", "log_hash": "deadbeef"}
	withoutHash := map[string]interface{}{"action": "scan"}

	h1, _ := CanonicalHash(withHash)
	h2, _ := CanonicalHash(withoutHash)
	if h1 != h2 {
		t.Fatalf("log_hash field should be excluded from the digest input")
	}
}

func TestCanonicalHash_FloatStable(t *testing.T) {
	// Sum at run time: the constant expression 0.1 + 0.2 is folded exactly
	// to 0.3 by the compiler and would not exercise float rounding.
	x, y := 0.1, 0.2
	a := map[string]interface{}{"score": x + y}
	b := map[string]interface{}{"score": 0.3}

	ha, _ := CanonicalHash(a)
	hb, _ := CanonicalHash(b)
	if ha == hb {
		t.Fatalf("0.1+0.2 should not collide with the literal 0.3")
	}

	// But the same computed value must always serialize identically.
	c := map[string]interface{}{"score": x + y}
	hc, _ := CanonicalHash(c)
	if ha != hc {
		t.Fatalf("identical float64 values must hash identically")
	}
}

func TestCanonicalHash_NilDiffersFromMissing(t *testing.T) {
	withNil := map[string]interface{}{"target_file": nil, "action": "x"}
	missing := map[string]interface{}{"action": "x"}

	h1, _ := CanonicalHash(withNil)
	h2, _ := CanonicalHash(missing)
	if h1 == h2 {
		t.Fatalf("an explicit null key should serialize differently than an absent key")
	}
}
