package checksum

import "testing"

func TestSum(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Sum([]byte("abc")); got != want {
		t.Errorf("Sum = %q, want %q", got, want)
	}
}

func TestFingerprint_BoundariesMatter(t *testing.T) {
	a := Fingerprint([]string{"ab", "c"})
	b := Fingerprint([]string{"a", "bc"})
	if a == b {
		t.Error("fingerprints should differ when part boundaries differ")
	}
	if a != Fingerprint([]string{"ab", "c"}) {
		t.Error("fingerprint should be deterministic")
	}
}
