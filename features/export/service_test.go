package export_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recordexport/features/export"
	"recordexport/internal/apperr"
	"recordexport/internal/normalize"
	"recordexport/internal/render"
	"recordexport/internal/routing"
)

func unzip(t *testing.T, data []byte) ([]string, map[string]string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	files := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		names = append(names, f.Name)
		files[f.Name] = string(b)
	}
	return names, files
}

func recordObjects() *fakeObjects {
	return newObjects(map[string][]byte{
		"abc123/2024-01-01/a.json": []byte(`{"b":1,"a":[1,2]}`),
		"abc123/2024-01-01/b.wav":  {'R', 'I', 'F', 'F', 0, 1},
		"abc123/2024-01-01/c.csv":  []byte("t,v\n1,2\n"),
		"abc123/2024-02-02/x.json": []byte(`{}`),
	})
}

func newService(objs *fakeObjects, docs *fakeDocs, opts export.Options) *export.Service {
	if opts.DefaultBucket == "" {
		opts.DefaultBucket = "records"
	}
	return export.NewService(export.Deps{
		Lister:  objs,
		Fetcher: objs,
		Docs:    docs,
	}, opts)
}

func TestRecordArchive_ThreeObjects(t *testing.T) {
	objs := recordObjects()
	svc := newService(objs, &fakeDocs{}, export.Options{FetchConcurrency: 2})

	dl, err := svc.RecordArchive(context.Background(), "", "abc123", "2024-01-01")
	require.NoError(t, err)

	assert.Equal(t, "abc123_2024-01-01.zip", dl.Filename)
	assert.Equal(t, "application/zip", dl.ContentType)
	assert.Equal(t, 3, dl.Entries)
	assert.Zero(t, dl.Failed)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"a.json", "b.wav", "c.csv"}, names)
	assert.Equal(t, "{\n  \"b\": 1,\n  \"a\": [\n    1,\n    2\n  ]\n}\n", files["a.json"])
	assert.Equal(t, "RIFF\x00\x01", files["b.wav"])
	assert.Equal(t, "t,v\n1,2\n", files["c.csv"])
}

func TestRecordArchive_RejectsUnsafeIDsBeforeStoreAccess(t *testing.T) {
	objs := recordObjects()
	svc := newService(objs, &fakeDocs{}, export.Options{})

	for _, ids := range [][2]string{{"abc/123", "2024-01-01"}, {"abc123", "../x"}, {"", "r"}, {"e", ""}} {
		_, err := svc.RecordArchive(context.Background(), "", ids[0], ids[1])
		assert.True(t, apperr.IsValidation(err), "ids %v", ids)
	}
	assert.Zero(t, objs.listCalls.Load())
	assert.Zero(t, objs.fetchCalls.Load())
}

func TestRecordArchive_EmptyPrefixIsNotFound(t *testing.T) {
	svc := newService(recordObjects(), &fakeDocs{}, export.Options{})

	_, err := svc.RecordArchive(context.Background(), "", "nobody", "2024-01-01")
	assert.True(t, apperr.IsNotFound(err))
}

func TestRecordArchive_FailedObjectBecomesMarker(t *testing.T) {
	objs := recordObjects()
	objs.fetchErrs["abc123/2024-01-01/b.wav"] = apperr.NewTransport("get", "records/abc123/2024-01-01/b.wav", errors.New("connection reset"))
	svc := newService(objs, &fakeDocs{}, export.Options{FetchConcurrency: 3})

	dl, err := svc.RecordArchive(context.Background(), "", "abc123", "2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, 1, dl.Failed)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"a.json", "ERROR_b.wav.txt", "c.csv"}, names)
	assert.Contains(t, files["ERROR_b.wav.txt"], "connection reset")
}

func TestRecordArchive_ListFailureIsFatal(t *testing.T) {
	objs := recordObjects()
	objs.listErr = fmt.Errorf("list objects: %w", apperr.NewTransport("list", "records/abc123/", errors.New("timeout")))
	svc := newService(objs, &fakeDocs{}, export.Options{})

	_, err := svc.RecordArchive(context.Background(), "", "abc123", "2024-01-01")
	var te *apperr.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestRecordArchive_KeysNormalizingToSamePathStayDistinct(t *testing.T) {
	objs := newObjects(map[string][]byte{
		"abc123/r1/x/a.json":  []byte(`{"n":1}`),
		"abc123/r1/x//a.json": []byte(`{"n":2}`),
		"abc123/r1/b.csv":     []byte("1\n"),
		"abc123/r1/./b.csv":   []byte("2\n"),
	})
	svc := newService(objs, &fakeDocs{}, export.Options{})

	dl, err := svc.RecordArchive(context.Background(), "", "abc123", "r1")
	require.NoError(t, err)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"b.csv", "b~2.csv", "x/a.json", "x/a~2.json"}, names)
	assert.Equal(t, "2\n", files["b.csv"])
	assert.Equal(t, "1\n", files["b~2.csv"])
	assert.Equal(t, "{\n  \"n\": 2\n}\n", files["x/a.json"])
	assert.Equal(t, 4, dl.Entries)
	assert.Zero(t, dl.Failed)
}

func TestRecordArchive_MarkerDoesNotOverwriteStoredObject(t *testing.T) {
	objs := newObjects(map[string][]byte{
		"abc123/r1/a.json":           []byte(`{}`),
		"abc123/r1/ERROR_a.json.txt": []byte("stored"),
	})
	objs.fetchErrs["abc123/r1/a.json"] = apperr.NewTransport("get", "a.json", errors.New("connection reset"))
	svc := newService(objs, &fakeDocs{}, export.Options{})

	dl, err := svc.RecordArchive(context.Background(), "", "abc123", "r1")
	require.NoError(t, err)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"ERROR_a.json.txt", "ERROR_a.json~2.txt"}, names)
	assert.Equal(t, "stored", files["ERROR_a.json.txt"])
	assert.Contains(t, files["ERROR_a.json~2.txt"], "connection reset")
	assert.Equal(t, 1, dl.Failed)
}

func TestRecordArchive_UnsafeKeyBecomesMarker(t *testing.T) {
	objs := newObjects(map[string][]byte{
		"abc123/r1/../up.txt": []byte("escape"),
		"abc123/r1/a.csv":     []byte("ok"),
	})
	svc := newService(objs, &fakeDocs{}, export.Options{})

	dl, err := svc.RecordArchive(context.Background(), "", "abc123", "r1")
	require.NoError(t, err)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"ERROR_object1.txt", "a.csv"}, names)
	assert.NotContains(t, files["ERROR_object1.txt"], "escape")
	assert.Equal(t, 1, dl.Failed)
}

func TestRecordArchive_Buckets(t *testing.T) {
	router, err := routing.New([]routing.Route{{Name: "cold", Match: "^cold-", Collection: "cold", Bucket: "cold-bucket"}, {Collection: "sessions"}})
	require.NoError(t, err)

	objs := newObjects(map[string][]byte{"cold-1/r/a.txt": []byte("x")})
	svc := export.NewService(export.Deps{Lister: objs, Fetcher: objs, Docs: &fakeDocs{}, Router: router},
		export.Options{DefaultBucket: "records", BucketAllowed: func(b string) bool { return b == "records" || b == "extra" }})

	_, err = svc.RecordArchive(context.Background(), "", "cold-1", "r")
	require.NoError(t, err)
	_, routed := objs.buckets.Load("cold-bucket")
	assert.True(t, routed)

	_, err = svc.RecordArchive(context.Background(), "secret", "cold-1", "r")
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.ListObjects(context.Background(), "extra", "cold-1/")
	assert.NoError(t, err)
}

func TestFetchObject(t *testing.T) {
	svc := newService(recordObjects(), &fakeDocs{}, export.Options{})

	dl, err := svc.FetchObject(context.Background(), "", "abc123/2024-01-01/c.csv")
	require.NoError(t, err)
	assert.Equal(t, "c.csv", dl.Filename)
	assert.Equal(t, "text/csv; charset=utf-8", dl.ContentType)
	assert.Equal(t, "t,v\n1,2\n", string(dl.Data))

	_, err = svc.FetchObject(context.Background(), "", "")
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.FetchObject(context.Background(), "", "abc123/missing.json")
	assert.True(t, apperr.IsNotFound(err))

	_, err = svc.FetchObject(context.Background(), "unknown", "abc123/2024-01-01/c.csv")
	assert.True(t, apperr.IsValidation(err))
}

func TestListObjects(t *testing.T) {
	svc := newService(recordObjects(), &fakeDocs{}, export.Options{})

	objs, err := svc.ListObjects(context.Background(), "", "abc123/")
	require.NoError(t, err)
	assert.Len(t, objs, 4)

	objs, err = svc.ListObjects(context.Background(), "", "zzz/")
	require.NoError(t, err)
	assert.NotNil(t, objs)
	assert.Empty(t, objs)

	_, err = svc.ListObjects(context.Background(), "", "")
	assert.True(t, apperr.IsValidation(err))
}

func sessionDoc(id string, fields map[string]any) *normalize.Document {
	doc := normalize.NewDocument(id)
	for _, k := range []string{"DualTap", "dualtapright", "Balance", "createdAt", "other"} {
		if v, ok := fields[k]; ok {
			doc.Set(k, normalize.FromAny(v))
		}
	}
	return doc
}

func reportDocs() *fakeDocs {
	return &fakeDocs{
		byRecord: map[string][]*normalize.Document{
			"sessions|abc123|2024-01-01": {sessionDoc("d1", map[string]any{"DualTap": 3.0})},
			"sessions|def456|2024-02-02": {sessionDoc("d2", map[string]any{"Balance": "ok"})},
		},
	}
}

func manifest(rows ...string) io.Reader {
	return strings.NewReader("entityId,recordId\n" + strings.Join(rows, "\n") + "\n")
}

func TestBatchExport_MixedOutcome(t *testing.T) {
	failures := &fakeFailures{}
	svc := export.NewService(export.Deps{
		Lister:   recordObjects(),
		Fetcher:  recordObjects(),
		Docs:     reportDocs(),
		Renderer: failingRenderer{failFor: "def456"},
		Failures: failures,
	}, export.Options{DefaultBucket: "records"})

	dl, err := svc.BatchExport(context.Background(), manifest("abc123,2024-01-01", "def456,2024-02-02"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dl.Filename, "batch_export_"))
	assert.True(t, strings.HasSuffix(dl.Filename, ".zip"))
	assert.Equal(t, 2, dl.Entries)
	assert.Equal(t, 1, dl.Failed)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"abc123_2024-01-01.pdf", "ERROR_def456_2024-02-02.txt"}, names)
	assert.Equal(t, "%PDF-1.7", files["abc123_2024-01-01.pdf"])
	assert.Equal(t, "renderer timed out", files["ERROR_def456_2024-02-02.txt"])

	require.Len(t, failures.seen, 1)
	assert.Equal(t, "def456", failures.seen[0].row.EntityID)
	assert.NotEmpty(t, failures.seen[0].batchID)
}

func TestBatchExport_MissingDocumentsBecomeMarkers(t *testing.T) {
	svc := newService(recordObjects(), reportDocs(), export.Options{})

	dl, err := svc.BatchExport(context.Background(), manifest("abc123,2024-01-01", "zzz,2024-01-01"), "report")
	require.NoError(t, err)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"abc123_2024-01-01.json", "ERROR_zzz_2024-01-01.txt"}, names)
	assert.Contains(t, files["ERROR_zzz_2024-01-01.txt"], "not found")

	var report struct {
		Collection string   `json:"collection"`
		RecordID   string   `json:"recordId"`
		Fields     []string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(files["abc123_2024-01-01.json"]), &report))
	assert.Equal(t, "sessions", report.Collection)
	assert.Equal(t, "2024-01-01", report.RecordID)
	assert.Equal(t, []string{"dualtap"}, report.Fields)
}

func TestBatchExport_OverCeilingDoesNoWork(t *testing.T) {
	docs := reportDocs()
	svc := newService(recordObjects(), docs, export.Options{BatchMaxRows: 100})

	rows := make([]string, 101)
	for i := range rows {
		rows[i] = fmt.Sprintf("e%d,r", i)
	}
	_, err := svc.BatchExport(context.Background(), manifest(rows...), "")

	var ce *apperr.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 101, ce.Count)
	assert.Equal(t, 100, ce.Max)
	assert.Zero(t, docs.calls.Load())
}

func TestBatchExport_ArchiveArtifact(t *testing.T) {
	svc := newService(recordObjects(), &fakeDocs{}, export.Options{BatchConcurrency: 2})

	dl, err := svc.BatchExport(context.Background(), manifest("abc123,2024-01-01", "abc123,2024-02-02", "abc123,2099-01-01"), "archive")
	require.NoError(t, err)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"abc123_2024-01-01.zip", "abc123_2024-02-02.zip", "ERROR_abc123_2099-01-01.txt"}, names)
	inner, _ := unzip(t, []byte(files["abc123_2024-01-01.zip"]))
	assert.Equal(t, []string{"a.json", "b.wav", "c.csv"}, inner)
}

func TestBatchExport_StructuralErrors(t *testing.T) {
	svc := newService(recordObjects(), reportDocs(), export.Options{})

	_, err := svc.BatchExport(context.Background(), strings.NewReader(""), "")
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.BatchExport(context.Background(), manifest("abc123,2024-01-01"), "spreadsheet")
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.BatchExport(context.Background(), strings.NewReader("entityId,recordId\n\"abc123,2024-01-01\n"), "")
	assert.True(t, apperr.IsValidation(err))
}

func TestBatchExport_BadRowDoesNotFailOthers(t *testing.T) {
	docs := reportDocs()
	svc := newService(recordObjects(), docs, export.Options{})

	dl, err := svc.BatchExport(context.Background(), manifest("abc123,2024-01-01", "abc/123,2024-01-01", "abc123,2024-01-01"), "")
	require.NoError(t, err)

	names, files := unzip(t, dl.Data)
	assert.Equal(t, []string{"abc123_2024-01-01.json", "ERROR_line3.txt", "abc123_2024-01-01~2.json"}, names)
	assert.Contains(t, files["ERROR_line3.txt"], "entityId")
	assert.Equal(t, 3, dl.Entries)
	assert.Equal(t, 1, dl.Failed)
}

func TestBatchExport_CeilingWinsOverBadRows(t *testing.T) {
	docs := reportDocs()
	svc := newService(recordObjects(), docs, export.Options{BatchMaxRows: 100})

	rows := make([]string, 101)
	for i := range rows {
		rows[i] = fmt.Sprintf("e%d,r", i)
	}
	rows[50] = "bad id,r"
	_, err := svc.BatchExport(context.Background(), manifest(rows...), "")

	var ce *apperr.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 101, ce.Count)
	assert.Zero(t, docs.calls.Load())
}

func TestBatchExport_Cancelled(t *testing.T) {
	svc := newService(recordObjects(), reportDocs(), export.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.BatchExport(ctx, manifest("abc123,2024-01-01"), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizedFields(t *testing.T) {
	created := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	docs := &fakeDocs{byID: map[string][]*normalize.Document{
		"sessions|12345": {
			sessionDoc("d1", map[string]any{"DualTap": map[string]any{"score": 4.0}, "dualtapright": 2.0, "createdAt": created}),
			sessionDoc("d2", map[string]any{"other": true}),
		},
	}}
	svc := export.NewService(export.Deps{Lister: recordObjects(), Fetcher: recordObjects(), Docs: docs, Renderer: render.JSONRenderer{}},
		export.Options{DefaultBucket: "records"})

	dl, err := svc.NormalizedFields(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "12345_fields.json", dl.Filename)
	assert.Equal(t, "application/json", dl.ContentType)

	var got map[string]any
	require.NoError(t, json.Unmarshal(dl.Data, &got))
	assert.Equal(t, "sessions", got["collection"])
	assert.Equal(t, "12345", got["identifier"])
	assert.Equal(t, []any{"dualtap", "dualtapright"}, got["fields"])
	assert.Equal(t, []any{"DualTap", "dualtapright", "createdAt", "other"}, got["rawFields"])

	data := got["data"].(map[string]any)
	right := data["dualtapright"].([]any)[0].(map[string]any)
	assert.Equal(t, "d1", right["sourceId"])
	assert.Equal(t, map[string]any{"value": 2.0}, right["value"])
	assert.Equal(t, "2024-01-01T10:00:00Z", right["timestamp"])
	assert.Equal(t, int32(2), docs.calls.Load(), "legacy is tried first, then sessions")
}

func TestNormalizedFields_NotFound(t *testing.T) {
	svc := newService(recordObjects(), &fakeDocs{}, export.Options{})

	_, err := svc.NormalizedFields(context.Background(), "12345")
	assert.True(t, apperr.IsNotFound(err))

	_, err = svc.NormalizedFields(context.Background(), "a/b")
	assert.True(t, apperr.IsValidation(err))
}

func TestNormalizedFields_TransportError(t *testing.T) {
	docs := &fakeDocs{err: apperr.NewTransport("find", "sessions", errors.New("no reachable servers"))}
	svc := newService(recordObjects(), docs, export.Options{})

	_, err := svc.NormalizedFields(context.Background(), "abc123")
	var te *apperr.TransportError
	assert.ErrorAs(t, err, &te)
}
