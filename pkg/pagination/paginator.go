package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for pagination.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_pages_total",
		Help: "Total page fetches by resource and result",
	}, []string{"resource", "result"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_records_total",
		Help: "Total records received by resource",
	}, []string{"resource"})

	paginationAbortedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_pagination_aborted_total",
		Help: "Total traversals given up after too many consecutive failures",
	}, []string{"resource"})
)

var (
	// ErrDone is returned by Next once the traversal is exhausted.
	ErrDone = errors.New("no more pages")

	// ErrTooManyFailures is returned when the same page failed
	// MaxConsecutiveFailures times in a row. The traversal is terminal after it.
	ErrTooManyFailures = errors.New("too many consecutive page failures")
)

// DefaultMaxConsecutiveFailures bounds retries of a failing page.
const DefaultMaxConsecutiveFailures = 5

// Fetcher is the transport used by the paginator. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (client.Document, error)
	ResourceURL(resource string) string
}

// Config holds paginator configuration.
type Config struct {
	// MaxConsecutiveFailures marks the traversal terminal after this many
	// failed attempts at the same page. Zero never gives up; negative means
	// DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int
}

// DefaultConfig returns the default paginator configuration.
func DefaultConfig() Config {
	return Config{MaxConsecutiveFailures: DefaultMaxConsecutiveFailures}
}

// Page is one successfully fetched and validated page.
type Page struct {
	// Index is the 0-based position of the page in the traversal.
	Index int
	URL   string

	Records []Record

	// NextURL is the next_page link, empty on the last page.
	NextURL string

	// Count is the document's "count" field when CountKnown.
	Count      int
	CountKnown bool
}

// Cursor is the traversal state threaded between steps.
type Cursor struct {
	StartURL string

	// NextURL is the URL of the next page; empty until the first page has
	// been fetched.
	NextURL string

	// Index counts successful pages.
	Index    int
	Terminal bool

	// PageSize and Total are taken from the first valid page only.
	PageSize   int
	Total      int
	TotalKnown bool

	ConsecutiveFailures int
}

// URL returns the URL the next step will request.
func (c Cursor) URL() string {
	if c.NextURL != "" {
		return c.NextURL
	}
	return c.StartURL
}

// SizeHint estimates the total number of pages as (total/pageSize,
// total/pageSize+1). ok is false until both are known. Advisory only.
func (c Cursor) SizeHint() (lower, upper int, ok bool) {
	if c.PageSize <= 0 || !c.TotalKnown {
		return 0, 0, false
	}
	n := c.Total / c.PageSize
	return n, n + 1, true
}

// Step fetches the page at cursor and returns it with the advanced cursor.
//
// On failure the returned cursor differs from the input only in
// ConsecutiveFailures, so the next step retries the same URL. Once
// maxFailures consecutive failures have happened (maxFailures > 0) the cursor
// is terminal and the error wraps ErrTooManyFailures. Context errors leave
// the cursor untouched.
func Step(ctx context.Context, fetcher Fetcher, resource string, cursor Cursor, maxFailures int) (*Page, Cursor, error) {
	if cursor.Terminal {
		return nil, cursor, ErrDone
	}
	if cursor.StartURL == "" {
		cursor.StartURL = fetcher.ResourceURL(resource)
	}

	url := cursor.URL()
	doc, err := fetcher.Fetch(ctx, url)
	if err == nil {
		var page *Page
		page, err = parsePage(resource, url, cursor.Index, doc)
		if err == nil {
			return page, advance(cursor, page), nil
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, cursor, err
	}

	cursor.ConsecutiveFailures++
	if maxFailures > 0 && cursor.ConsecutiveFailures >= maxFailures {
		cursor.Terminal = true
		return nil, cursor, fmt.Errorf("%w: %d attempts at %s: %w", ErrTooManyFailures, cursor.ConsecutiveFailures, url, err)
	}
	return nil, cursor, err
}

func advance(cursor Cursor, page *Page) Cursor {
	if cursor.PageSize == 0 {
		cursor.PageSize = len(page.Records)
		cursor.Total = page.Count
		cursor.TotalKnown = page.CountKnown
	}
	cursor.NextURL = page.NextURL
	cursor.Terminal = page.NextURL == ""
	cursor.ConsecutiveFailures = 0
	cursor.Index++
	return cursor
}

// parsePage validates doc as a page of resource.
func parsePage(resource, url string, index int, doc client.Document) (*Page, error) {
	value, ok := doc[resource]
	if !ok {
		return nil, client.ShapeError(url, "missing %q key", resource)
	}
	items, ok := value.([]any)
	if !ok {
		return nil, client.ShapeError(url, "%q is %s, not an array", resource, jsonType(value))
	}
	if len(items) == 0 {
		return nil, client.ShapeError(url, "%q is empty", resource)
	}

	records := make([]Record, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, client.ShapeError(url, "%s[%d] is %s, not an object", resource, i, jsonType(item))
		}
		records[i] = Record(obj)
	}

	page := &Page{
		Index:   index,
		URL:     url,
		Records: records,
	}
	if next, ok := doc["next_page"].(string); ok {
		page.NextURL = next
	}
	page.Count, page.CountKnown = countOf(doc["count"])
	return page, nil
}

func countOf(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		c, err := n.Int64()
		if err != nil || c < 0 {
			return 0, false
		}
		return int(c), true
	case float64:
		if n < 0 || n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "a boolean"
	case json.Number, float64:
		return "a number"
	case string:
		return "a string"
	case []any:
		return "an array"
	case map[string]any:
		return "an object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Paginator is a forward-only traversal of one resource.
type Paginator struct {
	fetcher  Fetcher
	resource string
	config   Config
	cursor   Cursor
	logger   zerolog.Logger
}

// New creates a paginator starting at the resource's first page.
func New(fetcher Fetcher, resource string, config Config) *Paginator {
	if config.MaxConsecutiveFailures < 0 {
		config.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return &Paginator{
		fetcher:  fetcher,
		resource: resource,
		config:   config,
		cursor:   Cursor{StartURL: fetcher.ResourceURL(resource)},
		logger:   logging.NewLogger("paginator").With().Str("resource", resource).Logger(),
	}
}

// Resource returns the resource name.
func (p *Paginator) Resource() string {
	return p.resource
}

// Cursor returns a copy of the current traversal state.
func (p *Paginator) Cursor() Cursor {
	return p.cursor
}

// SizeHint estimates the number of pages. See Cursor.SizeHint.
func (p *Paginator) SizeHint() (lower, upper int, ok bool) {
	return p.cursor.SizeHint()
}

// Next fetches the next page. It returns ErrDone when the traversal is over.
// A failed page is retried by the following call.
func (p *Paginator) Next(ctx context.Context) (*Page, error) {
	page, cursor, err := Step(ctx, p.fetcher, p.resource, p.cursor, p.config.MaxConsecutiveFailures)
	p.cursor = cursor

	switch {
	case err == nil:
		pagesTotal.WithLabelValues(p.resource, "ok").Inc()
		recordsTotal.WithLabelValues(p.resource).Add(float64(len(page.Records)))
		p.logger.Debug().
			Int("page", page.Index).
			Int("records", len(page.Records)).
			Bool("last", page.NextURL == "").
			Msg("Fetched page")
	case errors.Is(err, ErrDone):
	case errors.Is(err, ErrTooManyFailures):
		pagesTotal.WithLabelValues(p.resource, "error").Inc()
		paginationAbortedTotal.WithLabelValues(p.resource).Inc()
		p.logger.Error().Err(err).Int("page", cursor.Index).Msg("Giving up on page")
	default:
		pagesTotal.WithLabelValues(p.resource, "error").Inc()
	}
	return page, err
}

// All returns the remaining pages as a sequence. Failed pages are yielded as
// errors and retried on the next iteration; the sequence ends when the
// traversal is done, gives up, or ctx is cancelled.
func (p *Paginator) All(ctx context.Context) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for {
			page, err := p.Next(ctx)
			if errors.Is(err, ErrDone) {
				return
			}
			if !yield(page, err) {
				return
			}
			if err != nil && ctx.Err() != nil {
				return
			}
		}
	}
}
