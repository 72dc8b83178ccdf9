// Package snapshot persists exported collections as pretty-printed JSON,
// either to local files or to an S3-compatible bucket.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for snapshot writes.
var (
	snapshotWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_snapshot_writes_total",
		Help: "Total snapshot writes by target and result",
	}, []string{"target", "result"})

	snapshotBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_snapshot_bytes_total",
		Help: "Total snapshot bytes written by target",
	}, []string{"target"})
)

// Writer stores one named snapshot, e.g. "tickets.json".
type Writer interface {
	Write(ctx context.Context, name string, data []byte) error
}

// Marshal encodes v as JSON indented with two spaces and a trailing newline.
func Marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, &client.Error{Kind: client.KindFormat, Message: "encode snapshot", Err: err}
	}
	return append(data, '\n'), nil
}

// WriteJSON marshals v and hands it to w under name.
func WriteJSON(ctx context.Context, w Writer, name string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return w.Write(ctx, name, data)
}

// MultiWriter writes every snapshot to all of its writers. A failing writer
// does not stop the others; the errors are joined.
type MultiWriter []Writer

// Write implements Writer.
func (m MultiWriter) Write(ctx context.Context, name string, data []byte) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, name, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func observe(target string, size int, err error) {
	if err != nil {
		snapshotWritesTotal.WithLabelValues(target, "error").Inc()
		return
	}
	snapshotWritesTotal.WithLabelValues(target, "ok").Inc()
	snapshotBytes.WithLabelValues(target).Add(float64(size))
}
