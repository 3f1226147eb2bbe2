package netutil

import "testing"

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Share.Example.NET:443": "share.example.net",
		" share.example.net. ":  "share.example.net",
		"[2001:db8::1]:8443":    "2001:db8::1",
		"2001:db8::1":           "2001:db8::1",
		"localhost:10443":       "localhost",
		"dl.files.EXAMPLE.com":  "dl.files.example.com",
		"":                      "",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"203.0.113.9:41000":  "203.0.113.9",
		"[2001:db8::1]:9000": "2001:db8::1",
		"203.0.113.9":        "203.0.113.9",
		"2001:db8::1":        "2001:db8::1",
	}

	for in, want := range tests {
		if got := ClientIP(in); got != want {
			t.Fatalf("ClientIP(%q): got %q, want %q", in, got, want)
		}
	}
}
