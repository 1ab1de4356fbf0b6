package idempotency

import "testing"

func TestFingerprintStableForSameBody(t *testing.T) {
	type body struct {
		Tier string `json:"tier"`
	}
	a, err := Fingerprint(body{Tier: "standard"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(body{Tier: "standard"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected identical fingerprints, got %q and %q", a, b)
	}
}

func TestFingerprintDiffersForDifferentBody(t *testing.T) {
	type body struct {
		Tier string `json:"tier"`
	}
	a, _ := Fingerprint(body{Tier: "standard"})
	b, _ := Fingerprint(body{Tier: "premium"})
	if a == b {
		t.Fatalf("expected different fingerprints for different bodies")
	}
}
