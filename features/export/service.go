package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"recordexport/internal/apperr"
	"recordexport/internal/archive"
	"recordexport/internal/batch"
	"recordexport/internal/content"
	"recordexport/internal/events"
	"recordexport/internal/metrics"
	"recordexport/internal/middleware"
	"recordexport/internal/normalize"
	"recordexport/internal/objectstore"
	"recordexport/internal/render"
	"recordexport/internal/routing"
)

const zipType = "application/zip"

type Options struct {
	DefaultBucket    string
	AllowedFields    []string
	FetchConcurrency int
	BatchMaxRows     int
	BatchConcurrency int

	// BucketAllowed decides which requested buckets may be read. A route's
	// own bucket is always readable. Defaults to the default bucket only.
	BucketAllowed func(bucket string) bool
}

type Deps struct {
	Lister   ObjectLister
	Fetcher  ObjectFetcher
	Docs     DocumentFinder
	Router   *routing.Router
	Renderer render.Renderer

	// Optional.
	Failures FailureRecorder
	Metrics  *metrics.Collector
	Events   *events.Emitter
}

type Service struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if deps.Router == nil {
		deps.Router = routing.Default()
	}
	if deps.Renderer == nil {
		deps.Renderer = render.JSONRenderer{}
	}
	if len(opts.AllowedFields) == 0 {
		opts.AllowedFields = normalize.DefaultAllowedFields
	}
	if opts.BucketAllowed == nil {
		def := opts.DefaultBucket
		opts.BucketAllowed = func(bucket string) bool { return bucket == def }
	}
	opts.FetchConcurrency = max(opts.FetchConcurrency, 1)
	opts.BatchConcurrency = max(opts.BatchConcurrency, 1)
	if opts.BatchMaxRows <= 0 {
		opts.BatchMaxRows = batch.DefaultMaxRows
	}
	return &Service{deps: deps, opts: opts, now: time.Now}
}

// resolveBucket picks the requested bucket, the route's bucket, or the
// default, in that order. Only routed or allowed buckets may be read.
func (s *Service) resolveBucket(requested, routed string) (string, error) {
	bucket := requested
	if bucket == "" {
		bucket = routed
	}
	if bucket == "" {
		bucket = s.opts.DefaultBucket
	}
	if bucket != routed && !s.opts.BucketAllowed(bucket) {
		return "", apperr.NewValidation("bucket", fmt.Sprintf("unknown bucket %q", bucket))
	}
	return bucket, nil
}

// FetchObject returns the raw bytes of one object.
func (s *Service) FetchObject(ctx context.Context, bucket, key string) (dl *Download, err error) {
	defer func() { s.deps.Metrics.Export(KindObject, err) }()

	if key == "" {
		return nil, apperr.NewValidation("key", "is required")
	}
	bucket, err = s.resolveBucket(bucket, "")
	if err != nil {
		return nil, err
	}

	c, err := s.deps.Fetcher.Fetch(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &Download{Filename: path.Base(key), ContentType: c.ContentType, Data: c.Data}, nil
}

// ListObjects lists every object under prefix.
func (s *Service) ListObjects(ctx context.Context, bucket, prefix string) (objs []objectstore.ObjectSummary, err error) {
	defer func() { s.deps.Metrics.Export(KindList, err) }()

	if prefix == "" {
		return nil, apperr.NewValidation("prefix", "is required")
	}
	bucket, err = s.resolveBucket(bucket, "")
	if err != nil {
		return nil, err
	}

	objs, err = s.deps.Lister.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if objs == nil {
		objs = []objectstore.ObjectSummary{}
	}
	return objs, nil
}

// RecordArchive zips every object of one record, paths relative to the
// record prefix.
func (s *Service) RecordArchive(ctx context.Context, bucket, entityID, recordID string) (dl *Download, err error) {
	defer func() { s.deps.Metrics.Export(KindArchive, err) }()

	exportID := uuid.New().String()
	ctx = middleware.WithExportID(ctx, exportID)

	dl, err = s.recordArchive(ctx, bucket, entityID, recordID)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.ArchiveSize(KindArchive, len(dl.Data))
	s.deps.Events.ExportCompleted(ctx, events.ExportCompleted{
		ExportID: exportID, Kind: KindArchive, Entries: dl.Entries, FailedRows: dl.Failed, Bytes: len(dl.Data),
	})
	return dl, nil
}

func (s *Service) recordArchive(ctx context.Context, bucket, entityID, recordID string) (*Download, error) {
	if err := objectstore.ValidateSegment("entityId", entityID); err != nil {
		return nil, err
	}
	if err := objectstore.ValidateSegment("recordId", recordID); err != nil {
		return nil, err
	}
	bucket, err := s.resolveBucket(bucket, s.routedBucket(entityID))
	if err != nil {
		return nil, err
	}

	prefix := objectstore.RecordPrefix(entityID, recordID)
	objs, err := s.deps.Lister.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	entries, failed, err := s.fetchAll(ctx, bucket, prefix, objs)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.NewNotFound("record", prefix, archive.ErrNoContent)
	}

	data, err := archive.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build record archive: %w", err)
	}
	slog.InfoContext(ctx, "record archive built", "bucket", bucket, "prefix", prefix, "entries", len(entries), "failed", failed, "bytes", len(data))

	return &Download{
		Filename:    entityID + "_" + recordID + ".zip",
		ContentType: zipType,
		Data:        data,
		Entries:     len(entries),
		Failed:      failed,
	}, nil
}

// fetchAll fetches and transforms objects with bounded concurrency. Entry
// order follows listing order. An object that cannot be fetched becomes an
// error marker next to where it would have been. Keys that normalize to the
// same entry path are told apart by archive.Names in listing order.
func (s *Service) fetchAll(ctx context.Context, bucket, prefix string, objs []objectstore.ObjectSummary) ([]archive.Entry, int, error) {
	type fetched struct {
		rel  string
		data []byte
		err  error
	}
	slots := make([]*fetched, len(objs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, obj := range objs {
		rel := strings.TrimLeft(strings.TrimPrefix(obj.Key, prefix), "/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := s.deps.Fetcher.Fetch(gctx, bucket, obj.Key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.WarnContext(gctx, "skipping object", "bucket", bucket, "key", obj.Key, "error", err)
				slots[i] = &fetched{rel: rel, err: err}
				return nil
			}
			slots[i] = &fetched{rel: rel, data: content.Transform(rel, c.Data)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("record archive cancelled: %w", err)
	}

	entries := make([]archive.Entry, 0, len(objs))
	names := archive.NewNames()
	nFailed := 0
	for i, f := range slots {
		if f == nil {
			continue
		}
		if f.err == nil {
			name, err := names.Claim(f.rel)
			if err == nil {
				entries = append(entries, archive.Entry{Path: name, Data: f.data})
				continue
			}
			slog.WarnContext(ctx, "skipping object with unusable path", "bucket", bucket, "key", objs[i].Key, "error", err)
			f.err = err
		}

		nFailed++
		name, err := names.Claim(markerPath(f.rel))
		if err != nil {
			// Listing position is always a safe name.
			name, _ = names.Claim(fmt.Sprintf("%sobject%d.txt", batch.ErrorPrefix, i+1))
		}
		entries = append(entries, archive.Entry{Path: name, Data: []byte(f.err.Error())})
	}
	return entries, nFailed, nil
}

func markerPath(rel string) string {
	dir, base := path.Split(rel)
	return dir + batch.ErrorPrefix + base + ".txt"
}

// BatchExport runs a manifest and returns one archive holding an artifact
// or error marker per row.
func (s *Service) BatchExport(ctx context.Context, manifest io.Reader, artifact string) (dl *Download, err error) {
	defer func() { s.deps.Metrics.Export(KindBatch, err) }()

	producer, err := s.producer(artifact)
	if err != nil {
		return nil, err
	}
	rows, err := batch.ParseManifest(manifest)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	ctx = middleware.WithExportID(ctx, batchID)

	runner := batch.NewRunner(s.opts.BatchMaxRows, s.opts.BatchConcurrency)
	if s.deps.Failures != nil {
		runner.OnFailure(s.deps.Failures.Recorder(batchID))
	}
	if err := runner.Validate(rows); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "batch export started", "rows", len(rows), "artifact", artifact)
	entries, summary, err := runner.Run(ctx, rows, producer)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.BatchRows(summary.Succeeded, summary.Failed)

	data, err := archive.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build batch archive: %w", err)
	}
	slog.InfoContext(ctx, "batch export finished", "rows", summary.Rows, "succeeded", summary.Succeeded, "failed", summary.Failed, "bytes", len(data))

	s.deps.Metrics.ArchiveSize(KindBatch, len(data))
	s.deps.Events.ExportCompleted(ctx, events.ExportCompleted{
		ExportID: batchID, Kind: KindBatch, Entries: len(entries), FailedRows: summary.Failed, Bytes: len(data),
	})

	return &Download{
		Filename:    "batch_export_" + s.now().UTC().Format("20060102T150405Z") + ".zip",
		ContentType: zipType,
		Data:        data,
		Entries:     len(entries),
		Failed:      summary.Failed,
	}, nil
}

func (s *Service) producer(artifact string) (batch.Producer, error) {
	switch strings.ToLower(artifact) {
	case "", ArtifactReport:
		return batch.ProducerFunc(s.produceReport), nil
	case ArtifactArchive:
		return batch.ProducerFunc(s.produceArchive), nil
	default:
		return nil, apperr.NewValidation("artifact", fmt.Sprintf("must be %q or %q", ArtifactReport, ArtifactArchive))
	}
}

func (s *Service) produceReport(ctx context.Context, row batch.Row) (*batch.Artifact, error) {
	report, err := s.recordReport(ctx, row.EntityID, row.RecordID)
	if err != nil {
		return nil, err
	}
	data, err := s.deps.Renderer.Render(ctx, report)
	if err != nil {
		return nil, err
	}
	return &batch.Artifact{Data: data, Ext: s.deps.Renderer.Extension()}, nil
}

func (s *Service) produceArchive(ctx context.Context, row batch.Row) (*batch.Artifact, error) {
	dl, err := s.recordArchive(ctx, "", row.EntityID, row.RecordID)
	if err != nil {
		return nil, err
	}
	return &batch.Artifact{Data: dl.Data, Ext: ".zip"}, nil
}

func (s *Service) recordReport(ctx context.Context, entityID, recordID string) (*FieldsReport, error) {
	return s.firstReport(ctx, entityID, recordID, func(route routing.Route) ([]*normalize.Document, error) {
		return s.deps.Docs.FindRecord(ctx, route, entityID, recordID)
	})
}

// NormalizedFields projects the allowed fields out of every document stored
// for identifier, trying each routed collection in order.
func (s *Service) NormalizedFields(ctx context.Context, identifier string) (dl *Download, err error) {
	defer func() { s.deps.Metrics.Export(KindFields, err) }()

	if err := objectstore.ValidateSegment("identifier", identifier); err != nil {
		return nil, err
	}

	report, err := s.firstReport(ctx, identifier, "", func(route routing.Route) ([]*normalize.Document, error) {
		return s.deps.Docs.FindByIdentifier(ctx, route, identifier)
	})
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode fields report: %w", err)
	}
	s.deps.Events.ExportCompleted(ctx, events.ExportCompleted{
		ExportID: uuid.New().String(), Kind: KindFields, Entries: len(report.Fields), Bytes: len(data),
	})
	return &Download{
		Filename:    identifier + "_fields.json",
		ContentType: "application/json",
		Data:        data,
	}, nil
}

func (s *Service) firstReport(ctx context.Context, identifier, recordID string, find func(routing.Route) ([]*normalize.Document, error)) (*FieldsReport, error) {
	routes := s.deps.Router.Resolve(identifier)
	for _, route := range routes {
		docs, err := find(route)
		if err != nil {
			if apperr.IsValidation(err) {
				continue
			}
			return nil, err
		}
		if len(docs) == 0 {
			continue
		}

		grouped := normalize.Normalize(docs, s.opts.AllowedFields)
		slog.InfoContext(ctx, "documents normalized", "collection", route.Collection, "identifier", identifier, "documents", len(docs), "fields", len(grouped))
		return &FieldsReport{
			Collection: route.Collection,
			Identifier: identifier,
			RecordID:   recordID,
			Fields:     grouped.Fields(s.opts.AllowedFields),
			Data:       grouped,
			RawFields:  normalize.RawFieldNames(docs),
		}, nil
	}

	id := identifier
	if recordID != "" {
		id += "/" + recordID
	}
	if len(routes) == 0 {
		return nil, apperr.NewNotFound("identifier", id, errors.New("no collection routes match"))
	}
	return nil, apperr.NewNotFound("documents", id, nil)
}

func (s *Service) routedBucket(identifier string) string {
	for _, r := range s.deps.Router.Resolve(identifier) {
		if r.Bucket != "" {
			return r.Bucket
		}
	}
	return ""
}
