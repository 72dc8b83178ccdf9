package enrich

import (
	"context"
	"fmt"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/pagination"
)

// CommentsPath is the per-ticket comments resource.
const CommentsPath = "tickets/%d/comments"

// ResourceFetch returns a FetchFunc that GETs the resource built from
// pathFormat and the record id and returns the array stored under key.
// An empty array is a valid result.
func ResourceFetch(fetcher pagination.Fetcher, pathFormat, key string) FetchFunc {
	return func(ctx context.Context, id int64) (any, error) {
		url := fetcher.ResourceURL(fmt.Sprintf(pathFormat, id))
		doc, err := fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		value, ok := doc[key]
		if !ok {
			return nil, client.ShapeError(url, "missing %q key", key)
		}
		items, ok := value.([]any)
		if !ok {
			return nil, client.ShapeError(url, "%q is not an array", key)
		}
		return items, nil
	}
}

// CommentsFetch fetches the comments of a ticket.
func CommentsFetch(fetcher pagination.Fetcher) FetchFunc {
	return ResourceFetch(fetcher, CommentsPath, "comments")
}
