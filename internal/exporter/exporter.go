// Package exporter runs one export: it collects the selected resources,
// enriches tickets with their comments and writes the snapshots.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/helpdesk-exporter/internal/config"
	"github.com/Sternrassler/helpdesk-exporter/pkg/enrich"
	"github.com/Sternrassler/helpdesk-exporter/pkg/pagination"
	"github.com/Sternrassler/helpdesk-exporter/pkg/snapshot"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Exported resources.
const (
	Tickets = "tickets"
	Users   = "users"
)

// Selection picks the resources to export. Selecting neither exports both.
type Selection struct {
	Tickets bool
	Users   bool
}

// Resources returns the selected resource names in export order.
func (s Selection) Resources() []string {
	if !s.Tickets && !s.Users {
		return []string{Tickets, Users}
	}
	var out []string
	if s.Tickets {
		out = append(out, Tickets)
	}
	if s.Users {
		out = append(out, Users)
	}
	return out
}

// ResourceResult describes the export of one resource.
type ResourceResult struct {
	Resource   string
	Records    int
	Pages      int
	PageErrors int

	// Complete is false when collection was aborted and the snapshot holds
	// a partial result.
	Complete bool

	Enrichment *enrich.Report
	Snapshot   string
}

// Result describes one run.
type Result struct {
	RunID     string
	Resources []ResourceResult
	Duration  time.Duration
}

// Exporter wires the collector, enricher and snapshot writer together.
type Exporter struct {
	cfg     *config.Config
	fetcher pagination.Fetcher
	writer  snapshot.Writer
	runID   string
	logger  zerolog.Logger
}

// New creates an exporter with a fresh run id.
func New(cfg *config.Config, fetcher pagination.Fetcher, writer snapshot.Writer, logger zerolog.Logger) *Exporter {
	runID := uuid.NewString()
	return &Exporter{
		cfg:     cfg,
		fetcher: fetcher,
		writer:  writer,
		runID:   runID,
		logger:  logger.With().Str("component", "exporter").Str("run_id", runID).Logger(),
	}
}

// RunID identifies this exporter's run in logs and object keys.
func (e *Exporter) RunID() string {
	return e.runID
}

// Run exports every selected resource. Page and record failures are logged
// and reflected in the result; the returned error is non-nil only for
// snapshot write failures and cancellation.
func (e *Exporter) Run(ctx context.Context, sel Selection) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: e.runID}

	e.logger.Info().Strs("resources", sel.Resources()).Msg("Starting export")

	for _, resource := range sel.Resources() {
		rr, err := e.export(ctx, resource)
		if rr != nil {
			result.Resources = append(result.Resources, *rr)
		}
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	result.Duration = time.Since(start)
	e.logger.Info().Dur("duration", result.Duration).Msg("Export complete")
	return result, nil
}

func (e *Exporter) export(ctx context.Context, resource string) (*ResourceResult, error) {
	logger := e.logger.With().Str("resource", resource).Logger()

	p := pagination.New(e.fetcher, resource, e.cfg.PaginatorConfig())
	coll, err := pagination.Collect(ctx, p, e.cfg.CollectConfig())
	rr := &ResourceResult{
		Resource:   resource,
		Records:    len(coll.Records),
		Pages:      coll.Pages,
		PageErrors: coll.Errors,
		Complete:   err == nil,
	}
	switch {
	case err == nil:
	case errors.Is(err, pagination.ErrCollectAborted):
		logger.Error().Err(err).Int("records", rr.Records).Msg("Collection incomplete - writing partial snapshot")
	default:
		return rr, fmt.Errorf("collect %s: %w", resource, err)
	}

	if coll.TotalKnown && coll.Total != len(coll.Records) {
		logger.Warn().
			Int("expected", coll.Total).
			Int("received", len(coll.Records)).
			Msg("Record count differs from the reported total")
	}

	if resource == Tickets && e.cfg.Enrich.Comments {
		enricher := enrich.New(e.cfg.EnrichConfig(), enrich.CommentsFetch(e.fetcher), logger)
		report, err := enricher.Enrich(ctx, coll.Records)
		rr.Enrichment = report
		if err != nil {
			return rr, err
		}
		for _, f := range report.Failed {
			logger.Warn().Err(f.Err).Int64("record_id", f.ID).Msg("Ticket left without comments")
		}
	}

	name := resource + ".json"
	if err := snapshot.WriteJSON(ctx, e.writer, name, coll.Records); err != nil {
		return rr, fmt.Errorf("write %s: %w", name, err)
	}
	rr.Snapshot = name
	return rr, nil
}
