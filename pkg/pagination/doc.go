// Package pagination walks cursor-paginated helpdesk collections.
//
// The helpdesk API nests each page of a resource under the resource name and
// links to the following page with an absolute "next_page" URL:
//
//	{"tickets": [{"id": 1}, {"id": 2}], "count": 3, "next_page": "https://.../tickets?page=2"}
//
// A null, empty or missing next_page ends the traversal. Pages are fetched
// strictly one at a time since each URL comes from the previous response.
//
// Example usage:
//
//	p := pagination.New(helpdeskClient, "tickets", pagination.DefaultConfig())
//	for page, err := range p.All(ctx) {
//		if err != nil {
//			log.Warn().Err(err).Msg("page failed")
//			continue
//		}
//		process(page.Records)
//	}
//
// Most callers use Collect, which drains a Paginator into one ordered slice
// and stops after a bounded number of consecutive page errors:
//
//	coll, err := pagination.Collect(ctx, p, pagination.DefaultCollectConfig())
//
// The traversal state is a Cursor value. Step is the pure transition from one
// cursor to the next and can be driven directly when a caller needs to hold
// the state itself.
package pagination
