package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"recordexport/internal/apperr"
	"recordexport/internal/content"
)

// Fetcher materializes single objects regardless of whether the backend
// buffers or streams.
type Fetcher struct {
	backend Backend
}

func NewFetcher(backend Backend) *Fetcher {
	return &Fetcher{backend: backend}
}

// Fetch returns the full bytes of key with a content type derived from its
// extension. A missing key yields an apperr.NotFoundError wrapping
// ErrNotFound; anything else is an apperr.TransportError.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string) (*Content, error) {
	payload, err := f.backend.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NewNotFound("object", key, err)
		}
		slog.ErrorContext(ctx, "object fetch failed", "bucket", bucket, "key", key, "error", err)
		return nil, apperr.NewTransport("get", bucket+"/"+key, err)
	}

	data, err := drain(payload)
	if err != nil {
		slog.ErrorContext(ctx, "object read failed", "bucket", bucket, "key", key, "error", err)
		return nil, apperr.NewTransport("read", bucket+"/"+key, err)
	}

	return &Content{
		Key:         key,
		Data:        data,
		ContentType: content.TypeFor(key),
	}, nil
}

func drain(p *Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("backend returned no payload")
	}
	if p.Stream == nil {
		return p.Data, nil
	}
	defer p.Stream.Close()

	var buf bytes.Buffer
	if p.SizeHint > 0 {
		buf.Grow(int(p.SizeHint))
	}
	if _, err := io.Copy(&buf, p.Stream); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
