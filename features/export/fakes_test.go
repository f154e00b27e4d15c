package export_test

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"recordexport/features/export"
	"recordexport/internal/apperr"
	"recordexport/internal/batch"
	"recordexport/internal/content"
	"recordexport/internal/normalize"
	"recordexport/internal/objectstore"
	"recordexport/internal/routing"
)

type fakeObjects struct {
	data      map[string][]byte
	fetchErrs map[string]error
	listErr   error

	listCalls  atomic.Int32
	fetchCalls atomic.Int32
	buckets    sync.Map
}

func newObjects(data map[string][]byte) *fakeObjects {
	return &fakeObjects{data: data, fetchErrs: map[string]error{}}
}

func (f *fakeObjects) List(_ context.Context, bucket, prefix string) ([]objectstore.ObjectSummary, error) {
	f.listCalls.Add(1)
	f.buckets.Store(bucket, true)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []objectstore.ObjectSummary
	for _, k := range slices.Sorted(maps.Keys(f.data)) {
		if strings.HasPrefix(k, prefix) {
			out = append(out, objectstore.ObjectSummary{Key: k, Size: int64(len(f.data[k]))})
		}
	}
	return out, nil
}

func (f *fakeObjects) Fetch(_ context.Context, bucket, key string) (*objectstore.Content, error) {
	f.fetchCalls.Add(1)
	if err, ok := f.fetchErrs[key]; ok {
		return nil, err
	}
	data, ok := f.data[key]
	if !ok {
		return nil, apperr.NewNotFound("object", key, objectstore.ErrNotFound)
	}
	return &objectstore.Content{Key: key, Data: data, ContentType: content.TypeFor(key)}, nil
}

type fakeDocs struct {
	byID     map[string][]*normalize.Document
	byRecord map[string][]*normalize.Document
	err      error
	calls    atomic.Int32
}

func (f *fakeDocs) FindByIdentifier(_ context.Context, route routing.Route, identifier string) ([]*normalize.Document, error) {
	f.calls.Add(1)
	if _, err := route.Key(identifier); err != nil {
		return nil, apperr.NewValidation("identifier", err.Error())
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[route.Collection+"|"+identifier], nil
}

func (f *fakeDocs) FindRecord(_ context.Context, route routing.Route, identifier, recordID string) ([]*normalize.Document, error) {
	f.calls.Add(1)
	if _, err := route.Key(identifier); err != nil {
		return nil, apperr.NewValidation("entityId", err.Error())
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.byRecord[route.Collection+"|"+identifier+"|"+recordID], nil
}

type recordedFailure struct {
	batchID string
	row     batch.Row
	err     string
}

type fakeFailures struct {
	mu   sync.Mutex
	seen []recordedFailure
}

func (f *fakeFailures) Recorder(batchID string) batch.FailureFunc {
	return func(_ context.Context, row batch.Row, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.seen = append(f.seen, recordedFailure{batchID: batchID, row: row, err: err.Error()})
	}
}

type failingRenderer struct {
	failFor string
}

func (r failingRenderer) Render(_ context.Context, data any) ([]byte, error) {
	if rep, ok := data.(*export.FieldsReport); ok && rep.Identifier == r.failFor {
		return nil, errors.New("renderer timed out")
	}
	return []byte("%PDF-1.7"), nil
}

func (failingRenderer) Extension() string { return ".pdf" }
