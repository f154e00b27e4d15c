package objectstore

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"recordexport/internal/apperr"
)

// DefaultMaxPages bounds a single listing.
const DefaultMaxPages = 10000

// Lister follows continuation tokens until the backend reports no more pages.
type Lister struct {
	backend  Backend
	maxPages int
}

// NewLister creates a Lister. maxPages <= 0 selects DefaultMaxPages.
func NewLister(backend Backend, maxPages int) *Lister {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Lister{backend: backend, maxPages: maxPages}
}

// cursor is the pagination state: more pages are pending while hasMore is
// set, and token is what the next request passes back.
type cursor struct {
	hasMore bool
	token   *string
	pages   int
}

func (c *cursor) advance(p *Page) {
	c.pages++
	c.hasMore = p.HasMore
	if p.HasMore {
		next := p.NextToken
		c.token = &next
	} else {
		c.token = nil
	}
}

// Each yields every object under prefix lazily, page by page. On failure
// it yields a single error and stops. The sequence cannot be restarted; a
// fresh call lists again.
func (l *Lister) Each(ctx context.Context, bucket, prefix string) iter.Seq2[ObjectSummary, error] {
	return func(yield func(ObjectSummary, error) bool) {
		c := cursor{hasMore: true}
		for c.hasMore {
			if c.pages >= l.maxPages {
				yield(ObjectSummary{}, apperr.NewTransport("list", bucket+"/"+prefix, ErrPaginationLoop))
				return
			}
			page, err := l.backend.ListPage(ctx, bucket, prefix, c.token)
			if err != nil {
				yield(ObjectSummary{}, apperr.NewTransport("list", bucket+"/"+prefix, err))
				return
			}
			c.advance(page)
			for _, obj := range page.Objects {
				if !yield(obj, nil) {
					return
				}
			}
		}
	}
}

// List collects the full listing. A failed page discards everything
// gathered so far.
func (l *Lister) List(ctx context.Context, bucket, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	for obj, err := range l.Each(ctx, bucket, prefix) {
		if err != nil {
			slog.ErrorContext(ctx, "object listing failed", "bucket", bucket, "prefix", prefix, "error", err)
			return nil, fmt.Errorf("list objects: %w", err)
		}
		out = append(out, obj)
	}
	return out, nil
}
