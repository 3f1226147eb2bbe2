package versionutil

import "testing"

func TestEnsureVPrefix(t *testing.T) {
	tests := map[string]string{
		"1.2.3":  "v1.2.3",
		"v1.2.3": "v1.2.3",
		"":       "",
	}
	for in, want := range tests {
		if got := EnsureVPrefix(in); got != want {
			t.Fatalf("EnsureVPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveRelease(t *testing.T) {
	if got := Resolve("1.4.0"); got != "v1.4.0" {
		t.Fatalf("Resolve(1.4.0) = %q", got)
	}
	if got := Resolve("v2.0.0"); got != "v2.0.0" {
		t.Fatalf("Resolve(v2.0.0) = %q", got)
	}
}
