package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
	"github.com/google/renameio/v2"
)

// FileWriter writes snapshots into a local directory. Files are replaced
// atomically, so readers see either the old or the new snapshot.
type FileWriter struct {
	dir string
}

// NewFileWriter creates a writer for dir. An empty dir means the working
// directory.
func NewFileWriter(dir string) *FileWriter {
	if dir == "" {
		dir = "."
	}
	return &FileWriter{dir: dir}
}

// Path returns the destination path of a snapshot.
func (f *FileWriter) Path(name string) string {
	return filepath.Join(f.dir, name)
}

// Write implements Writer.
func (f *FileWriter) Write(_ context.Context, name string, data []byte) error {
	err := f.write(name, data)
	observe("file", len(data), err)
	if err != nil {
		return &client.Error{Kind: client.KindFormat, URL: f.Path(name), Message: "write snapshot", Err: err}
	}

	logger := logging.NewLogger("snapshot")
	logger.Info().
		Str("path", f.Path(name)).
		Int("bytes", len(data)).
		Msg("Snapshot written")
	return nil
}

func (f *FileWriter) write(name string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := renameio.WriteFile(f.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
