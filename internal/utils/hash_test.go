package utils

import (
	"testing"
)

func TestHashString(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "identity key", input: "sub-1"},
		{name: "empty", input: ""},
		{name: "unicode", input: "tenant-äö"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := HashString(tt.input)
			if len(hash) != 64 {
				t.Errorf("HashString() length = %d, want 64", len(hash))
			}
			if hash != HashString(tt.input) {
				t.Error("HashString() not stable")
			}
			for _, c := range hash {
				if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
					t.Errorf("HashString() contains non-hex character: %c", c)
					break
				}
			}
		})
	}

	for _, pair := range [][2]string{{"sub-1", "sub-2"}, {"key", "Key"}, {"key", "key "}} {
		if HashString(pair[0]) == HashString(pair[1]) {
			t.Errorf("HashString() collision for %q and %q", pair[0], pair[1])
		}
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("sub-1")
	if len(fp) != 12 {
		t.Fatalf("Fingerprint() length = %d, want 12", len(fp))
	}
	if fp != HashString("sub-1")[:12] {
		t.Error("Fingerprint() should be the hash prefix")
	}
}

func TestBucket(t *testing.T) {
	for _, s := range []string{"sub-1", "sub-2", "", "tenant/with/slashes"} {
		b := Bucket(s, 4)
		if b < 0 || b >= 4 {
			t.Errorf("Bucket(%q, 4) = %d out of range", s, b)
		}
		if Bucket(s, 4) != b {
			t.Errorf("Bucket(%q, 4) not stable", s)
		}
	}
}
