package sha256

import "testing"

func TestHasherSumDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := Hex(h.Sum([]byte("hello world")))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Hex(h.Sum([]byte("hello world"))); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestHasherSumEmpty(t *testing.T) {
	t.Parallel()

	if sig := New().Sum(nil); sig != nil {
		t.Fatalf("expected nil signature for empty content, got %x", sig)
	}
}
