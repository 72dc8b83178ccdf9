package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
)

// ErrCollectAborted is returned with a partial Collection when pages kept
// failing.
var ErrCollectAborted = errors.New("collection aborted")

// CollectConfig holds collector configuration.
type CollectConfig struct {
	// MaxConsecutiveErrors stops collection after this many page errors in a
	// row. Values <= 0 use the default of 5.
	MaxConsecutiveErrors int

	// ErrorBackoff is the pause after a failed page before it is retried.
	ErrorBackoff time.Duration
}

// DefaultCollectConfig returns the default collector configuration.
func DefaultCollectConfig() CollectConfig {
	return CollectConfig{
		MaxConsecutiveErrors: 5,
		ErrorBackoff:         2 * time.Second,
	}
}

// Collection is every record of a resource in fetch order.
type Collection struct {
	Resource string
	Records  []Record

	// Pages and Errors count successful and failed page fetches.
	Pages  int
	Errors int

	PageSize   int
	Total      int
	TotalKnown bool
}

// Collect drains p into one ordered Collection. Page errors are logged and
// the page is retried after ErrorBackoff. After MaxConsecutiveErrors errors in
// a row, or when p gives up, the records gathered so far are returned with an
// error wrapping ErrCollectAborted.
func Collect(ctx context.Context, p *Paginator, cfg CollectConfig) (*Collection, error) {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultCollectConfig().MaxConsecutiveErrors
	}

	logger := logging.NewLogger("collector").With().Str("resource", p.Resource()).Logger()
	start := time.Now()

	coll := &Collection{
		Resource: p.Resource(),
		Records:  []Record{},
	}
	finish := func() *Collection {
		cursor := p.Cursor()
		coll.PageSize = cursor.PageSize
		coll.Total = cursor.Total
		coll.TotalKnown = cursor.TotalKnown
		return coll
	}

	consecutive := 0
	for {
		page, err := p.Next(ctx)
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(), fmt.Errorf("collect %s: %w", p.Resource(), ctxErr)
			}

			coll.Errors++
			consecutive++
			logger.Warn().
				Err(err).
				Int("page", p.Cursor().Index).
				Int("consecutive_errors", consecutive).
				Msg("Page fetch failed")

			if errors.Is(err, ErrTooManyFailures) {
				return finish(), fmt.Errorf("%w: %s: %w", ErrCollectAborted, p.Resource(), err)
			}
			if consecutive >= cfg.MaxConsecutiveErrors {
				logger.Error().
					Int("records", len(coll.Records)).
					Msg("Too many consecutive page errors - returning partial collection")
				return finish(), fmt.Errorf("%w: %s after %d consecutive errors: %w",
					ErrCollectAborted, p.Resource(), consecutive, err)
			}

			if err := sleep(ctx, cfg.ErrorBackoff); err != nil {
				return finish(), fmt.Errorf("collect %s: %w", p.Resource(), err)
			}
			continue
		}

		consecutive = 0
		coll.Pages++
		coll.Records = append(coll.Records, page.Records...)

		event := logger.Info().
			Int("page", page.Index).
			Int("page_records", len(page.Records)).
			Int("records", len(coll.Records))
		if _, upper, ok := p.SizeHint(); ok {
			event = event.Int("estimated_pages", upper)
		}
		event.Msg("Collected page")
	}

	finish()
	logger.Info().
		Int("pages", coll.Pages).
		Int("records", len(coll.Records)).
		Int("errors", coll.Errors).
		Dur("duration", time.Since(start)).
		Msg("Collection complete")

	return coll, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
