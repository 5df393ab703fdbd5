package model

import "testing"

func TestFingerprint_NormalizesInput(t *testing.T) {
	a := Fingerprint("Past Tense  of go", " I goed home ", "I went home")
	b := Fingerprint("past tense of go", "i goed   home", "i WENT home")
	if a != b {
		t.Errorf("expected equal fingerprints for normalized-equal input")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestFingerprint_FieldsAreNotInterchangeable(t *testing.T) {
	a := Fingerprint("x", "y", "z")
	b := Fingerprint("y", "x", "z")
	if a == b {
		t.Errorf("expected different fingerprints when fields are swapped")
	}
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	if Fingerprint("ab", "c", "d") == Fingerprint("a", "bc", "d") {
		t.Errorf("expected text moved across a field boundary to change the fingerprint")
	}
	if Fingerprint("a;", "b", "c") == Fingerprint("a", ";b", "c") {
		t.Errorf("expected separator characters inside fields to stay unambiguous")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"  A  b\tC \n", "a b c"},
		{"ÄRGER  über", "ärger über"},
		{"already normal", "already normal"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
