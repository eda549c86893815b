// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the FTX-Server License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pathsafe

import (
	"errors"
	"testing"
)

func TestSanitizeRelPath_Normalizes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.bin", "a.bin"},
		{"dir/sub/file", "dir/sub/file"},
		{"dir\\sub\\file", "dir/sub/file"},
		{"C:\\games\\demo\\eboot.bin", "games/demo/eboot.bin"},
		{"d:data/file", "data/file"},
		{"/leading/absolute", "leading/absolute"},
		{"./a/./b", "a/b"},
		{"a//b///c", "a/b/c"},
		{"a/b/../c", "a/c"},
		{"a/../b", "b"},
		{"dir/", "dir"},
	}

	for _, tt := range tests {
		got, ok := SanitizeRelPath(tt.in)
		if !ok {
			t.Errorf("SanitizeRelPath(%q): unexpectedly rejected", tt.in)
			continue
		}
		if got != tt.want {
			t.Errorf("SanitizeRelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeRelPath_Rejects(t *testing.T) {
	tests := []string{
		"",
		".",
		"..",
		"../..",
		"../../etc/passwd",
		"../a",
		"..\\..\\a",
		"a/../../b",
		"a/..",
		"//",
		"\\\\",
		"C:",
		"c:\\",
	}

	for _, in := range tests {
		if got, ok := SanitizeRelPath(in); ok {
			t.Errorf("SanitizeRelPath(%q): expected rejection, got %q", in, got)
		}
	}
}

func TestValidateAbsPath(t *testing.T) {
	whitelist := []string{"/data/", "/mnt/usb0/"}

	valid := []string{
		"/data/games/demo",
		"/mnt/usb0/games",
	}
	for _, p := range valid {
		if err := ValidateAbsPath(p, whitelist); err != nil {
			t.Errorf("ValidateAbsPath(%q): unexpected error %v", p, err)
		}
	}

	invalid := []string{
		"",
		"relative/path",
		"/etc/passwd",
		"/data/../etc/passwd",
		"/datax/evil",
		"/mnt/usb1/games",
	}
	for _, p := range invalid {
		if err := ValidateAbsPath(p, whitelist); !errors.Is(err, ErrUnauthorizedPath) {
			t.Errorf("ValidateAbsPath(%q): expected ErrUnauthorizedPath, got %v", p, err)
		}
	}
}
