// Package objectstore enumerates and fetches blobs from a backing object
// store. Backends only expose one page or one object at a time; pagination
// and stream draining live here so callers never see either.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by backends when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ErrPaginationLoop is returned when a listing exceeds the page ceiling.
var ErrPaginationLoop = errors.New("listing exceeded page limit")

// ObjectSummary describes one listed object.
type ObjectSummary struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Page is one response of a paginated listing. NextToken is only
// meaningful when HasMore is true.
type Page struct {
	Objects   []ObjectSummary
	HasMore   bool
	NextToken string
}

// Payload is what a backend returns for a single object: either a
// materialized buffer or a stream, never both.
type Payload struct {
	Data   []byte
	Stream io.ReadCloser
	// SizeHint is the expected stream length when the backend knows it.
	SizeHint int64
}

// Backend is the contract every object store adapter implements.
type Backend interface {
	// ListPage returns one page of objects under prefix. token is nil on the
	// first request and carries the previous page's NextToken afterwards.
	ListPage(ctx context.Context, bucket, prefix string, token *string) (*Page, error)
	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) (*Payload, error)
}

// Content is a fully fetched object.
type Content struct {
	Key         string
	Data        []byte
	ContentType string
}
