// Package enrich attaches per-record secondary fetches to collected records
// using a bounded worker pool.
package enrich

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for enrichment.
var (
	enrichRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_enrich_records_total",
		Help: "Total records processed by enrichment, by result",
	}, []string{"field", "result"})

	enrichInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "helpdesk_enrich_in_flight",
		Help: "Records currently being enriched",
	})

	enrichDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helpdesk_enrich_record_duration_seconds",
		Help:    "Time to enrich one record including retries",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"field"})
)

// progressEvery controls how often progress is logged.
const progressEvery = 100

// FetchFunc fetches the enrichment value for one record id.
type FetchFunc func(ctx context.Context, id int64) (any, error)

// Config holds enricher configuration.
type Config struct {
	// Workers is the number of records fetched concurrently.
	Workers int

	// Field is the record key the fetched value is stored under.
	Field string

	// Retry is applied to each record independently.
	Retry client.RetryPolicy
}

// DefaultConfig returns the configuration for ticket comments.
func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Field:   "comments",
		Retry:   client.DefaultRetryPolicy(),
	}
}

// Failure is a record whose enrichment never succeeded.
type Failure struct {
	Index int
	ID    int64
	Err   error
}

// Report summarises one Enrich call.
type Report struct {
	Enriched int
	Skipped  int
	Failed   []Failure
}

// Enricher runs FetchFunc for every record of a collection.
type Enricher struct {
	config Config
	fetch  FetchFunc
	logger zerolog.Logger
}

// New creates an enricher.
func New(config Config, fetch FetchFunc, logger zerolog.Logger) *Enricher {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.Field == "" {
		config.Field = defaults.Field
	}
	return &Enricher{
		config: config,
		fetch:  fetch,
		logger: logger.With().Str("component", "enricher").Str("field", config.Field).Logger(),
	}
}

type outcome struct {
	id      int64
	value   any
	err     error
	skipped bool
}

// Enrich fetches a value for every record with a usable id and stores it
// under the configured field. Each worker writes only its own slot of the
// outcome slice; records are modified after the pool has drained.
//
// Records without an id are skipped. Records whose retries are exhausted or
// hit a permanent error are left unchanged and listed in Report.Failed. The
// returned error is non-nil only when ctx ends before all records are done.
func (e *Enricher) Enrich(ctx context.Context, records []pagination.Record) (*Report, error) {
	start := time.Now()
	outcomes := make([]outcome, len(records))

	e.logger.Info().
		Int("records", len(records)).
		Int("workers", e.config.Workers).
		Msg("Starting enrichment")

	var (
		g    errgroup.Group
		done atomic.Int64
	)
	g.SetLimit(e.config.Workers)

	for i, record := range records {
		id, ok := record.ID()
		if !ok {
			outcomes[i].skipped = true
			e.logger.Warn().Int("index", i).Interface("id", record["id"]).Msg("Record has no usable id - skipping")
			continue
		}
		if ctx.Err() != nil {
			outcomes[i] = outcome{id: id, err: ctx.Err()}
			continue
		}

		g.Go(func() error {
			enrichInFlight.Inc()
			defer enrichInFlight.Dec()

			recordStart := time.Now()
			value, err := e.fetchRecord(ctx, id)
			enrichDuration.WithLabelValues(e.config.Field).Observe(time.Since(recordStart).Seconds())
			outcomes[i] = outcome{id: id, value: value, err: err}

			if n := done.Add(1); n%progressEvery == 0 {
				e.logger.Info().Int64("done", n).Int("records", len(records)).Msg("Enrichment progress")
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	for i, o := range outcomes {
		switch {
		case o.skipped:
			report.Skipped++
			enrichRecordsTotal.WithLabelValues(e.config.Field, "skipped").Inc()
		case o.err != nil:
			report.Failed = append(report.Failed, Failure{Index: i, ID: o.id, Err: o.err})
			enrichRecordsTotal.WithLabelValues(e.config.Field, "failed").Inc()
		default:
			records[i][e.config.Field] = o.value
			report.Enriched++
			enrichRecordsTotal.WithLabelValues(e.config.Field, "enriched").Inc()
		}
	}

	e.logger.Info().
		Int("enriched", report.Enriched).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Enrichment complete")

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("enrich %s: %w", e.config.Field, err)
	}
	return report, nil
}

func (e *Enricher) fetchRecord(ctx context.Context, id int64) (any, error) {
	logger := e.logger.With().Int64("record_id", id).Logger()

	var value any
	err := e.config.Retry.Do(ctx, logger, func(int) error {
		v, err := e.fetch(ctx, id)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Enrichment failed")
		return nil, err
	}
	return value, nil
}
