// Package versionutil resolves the version string stamped into the binary.
package versionutil

import (
	"os/exec"
	"strings"
)

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve normalizes the build-time version. Release builds get a "v"
// prefix; "dev" builds borrow a git describe when one is available so local
// binaries stay distinguishable, and keep plain "dev" otherwise.
func Resolve(compiled string) string {
	if compiled != "dev" {
		return EnsureVPrefix(compiled)
	}
	if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
		if v := strings.TrimSpace(string(desc)); v != "" {
			return v + "-dev"
		}
	}
	return "dev"
}
