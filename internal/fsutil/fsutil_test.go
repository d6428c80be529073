package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		path string
		data []byte
	}{
		{
			name: "write to new file",
			path: filepath.Join(tmpDir, "new.txt"),
			data: []byte("hello world"),
		},
		{
			name: "overwrite existing file",
			path: filepath.Join(tmpDir, "existing.txt"),
			data: []byte("updated content"),
		},
		{
			name: "write empty file",
			path: filepath.Join(tmpDir, "empty.txt"),
			data: []byte{},
		},
		{
			name: "write to nested directory",
			path: filepath.Join(tmpDir, "nested", "deep", "file.txt"),
			data: []byte("nested content"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "overwrite existing file" {
				if err := os.WriteFile(tt.path, []byte("original"), 0600); err != nil {
					t.Fatalf("failed to create initial file: %v", err)
				}
			}

			if err := AtomicWrite(tt.path, tt.data); err != nil {
				t.Fatalf("AtomicWrite() error = %v", err)
			}

			got, err := os.ReadFile(tt.path)
			if err != nil {
				t.Fatalf("failed to read written file: %v", err)
			}
			if string(got) != string(tt.data) {
				t.Errorf("content = %q, want %q", got, tt.data)
			}

			info, err := os.Stat(tt.path)
			if err != nil {
				t.Fatalf("failed to stat file: %v", err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
			}
		})
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "file.txt")

	if err := AtomicWrite(path, []byte("data")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
