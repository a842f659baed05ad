package util

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{name: "Read-only permission", input: 0444, expected: 0644},
		{name: "Already has write permission", input: 0755, expected: 0755},
		{name: "No permissions", input: 0000, expected: 0200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if result := WithUserWritePermission(tc.input); result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	got, err := ExpandPath("~/backups")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "backups"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got, err = ExpandPath("/opt/iobroker")
	if err != nil || got != "/opt/iobroker" {
		t.Errorf("expected path without tilde to be returned as-is, got %q (%v)", got, err)
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[int]string{1: "a", 2: "b"})
	if inv["a"] != 1 || inv["b"] != 2 || len(inv) != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}

func TestDeduplicate(t *testing.T) {
	got := Deduplicate([]string{"db/home", "", "db/ops", "db/home", "db/ops", "db/net"})
	want := []string{"db/home", "db/ops", "db/net"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestIsSubPath(t *testing.T) {
	testCases := []struct {
		parent, child string
		expected      bool
	}{
		{"/opt/iobroker", "/opt/iobroker/backups", true},
		{"/opt/iobroker", "/opt/iobroker", true},
		{"/opt/iobroker", "/opt/iobroker-data", false},
		{"/opt/iobroker", "/var/backups", false},
		{"/opt/iobroker", "/opt/..data", false},
	}
	for _, tc := range testCases {
		if got := IsSubPath(tc.parent, tc.child); got != tc.expected {
			t.Errorf("IsSubPath(%q, %q) = %v, want %v", tc.parent, tc.child, got, tc.expected)
		}
	}
}
