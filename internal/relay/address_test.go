package relay

import "testing"

func TestCanonicalizeAddress(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  Address
		ok    bool
	}{
		{"lowercase", "0x1234567890abcdef1234567890abcdef12345678", "0x1234567890abcdef1234567890abcdef12345678", true},
		{"mixed case", "0x1234567890ABCDEF1234567890abcdef12345678", "0x1234567890abcdef1234567890abcdef12345678", true},
		{"missing prefix", "1234567890abcdef1234567890abcdef12345678", "", false},
		{"too short", "0x1234", "", false},
		{"non-hex", "0xzz34567890abcdef1234567890abcdef12345678", "", false},
		{"whitespace trimmed", "  0x1234567890abcdef1234567890abcdef12345678  ", "0x1234567890abcdef1234567890abcdef12345678", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := CanonicalizeAddress(tc.input)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAddress_URL(t *testing.T) {
	addr, _ := CanonicalizeAddress("0x1234567890abcdef1234567890abcdef12345678")
	want := "https://0x1234567890abcdef1234567890abcdef12345678.agent.osaurus.ai"
	if got := addr.URL("agent.osaurus.ai"); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func TestIsSubdomainAddress_RejectsMultiLabel(t *testing.T) {
	if _, ok := IsSubdomainAddress("foo.bar"); ok {
		t.Error("expected a multi-label input to be rejected")
	}
}
