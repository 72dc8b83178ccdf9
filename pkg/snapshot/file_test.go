package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
)

func TestFileWriter_WritesAndReplaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := NewFileWriter(dir)
	ctx := context.Background()

	if err := w.Write(ctx, "tickets.json", []byte("[\n  1\n]\n")); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	if err := w.Write(ctx, "tickets.json", []byte("[]\n")); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tickets.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "[]\n" {
		t.Errorf("tickets.json = %q, want %q", data, "[]\n")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "tickets.json" {
		t.Errorf("dir holds %v, want only tickets.json (no temporary files)", entries)
	}

	info, err := os.Stat(filepath.Join(dir, "tickets.json"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Errorf("mode = %v, want 0644", perm)
	}
}

func TestFileWriter_DefaultDir(t *testing.T) {
	if got := NewFileWriter("").Path("users.json"); got != "users.json" {
		t.Errorf("Path() = %q, want %q", got, "users.json")
	}
}

func TestFileWriter_FailureIsFormatError(t *testing.T) {
	// a regular file where the directory should be
	parent := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(parent, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	err := NewFileWriter(parent).Write(context.Background(), "users.json", []byte("[]\n"))
	if err == nil {
		t.Fatal("Write() error = nil, want an error")
	}
	if !client.IsKind(err, client.KindFormat) {
		t.Errorf("Write() error = %v, want a format error", err)
	}
}
