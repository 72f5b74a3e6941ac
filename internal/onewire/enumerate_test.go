package onewire

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnumerate(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"28-0000000b", "w1_bus_master1", "28-0000000a", "10-0000000c"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	got, err := Enumerate(root, "28")
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	want := []string{
		filepath.Join(root, "28-0000000a"),
		filepath.Join(root, "28-0000000b"),
	}
	if len(got) != len(want) {
		t.Fatalf("Enumerate() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Enumerate()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnumerate_Empty(t *testing.T) {
	tests := []struct {
		name string
		root string
	}{
		{"no devices", t.TempDir()},
		{"missing root", filepath.Join(t.TempDir(), "nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Enumerate(tt.root, "28")
			if err != nil {
				t.Fatalf("Enumerate() error = %v, want nil", err)
			}
			if len(got) != 0 {
				t.Errorf("Enumerate() = %v, want empty", got)
			}
		})
	}
}
