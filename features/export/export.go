package export

import (
	"context"

	"recordexport/internal/batch"
	"recordexport/internal/normalize"
	"recordexport/internal/objectstore"
	"recordexport/internal/routing"
)

// Export kinds, used for metrics and events.
const (
	KindObject  = "object"
	KindList    = "list"
	KindArchive = "archive"
	KindBatch   = "batch"
	KindFields  = "fields"
)

// Batch artifact kinds.
const (
	ArtifactReport  = "report"
	ArtifactArchive = "archive"
)

type ObjectLister interface {
	List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectSummary, error)
}

type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) (*objectstore.Content, error)
}

type DocumentFinder interface {
	FindByIdentifier(ctx context.Context, route routing.Route, identifier string) ([]*normalize.Document, error)
	FindRecord(ctx context.Context, route routing.Route, identifier, recordID string) ([]*normalize.Document, error)
}

// FailureRecorder hands out a per-batch hook for failed rows.
type FailureRecorder interface {
	Recorder(batchID string) batch.FailureFunc
}

// Download is a finished export ready to send.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
	// Entries and Failed are only set for archives.
	Entries int
	Failed  int
}

// FieldsReport is the normalized view of the documents behind an identifier.
type FieldsReport struct {
	Collection string            `json:"collection"`
	Identifier string            `json:"identifier"`
	RecordID   string            `json:"recordId,omitempty"`
	Fields     []string          `json:"fields"`
	Data       normalize.Grouped `json:"data"`
	RawFields  []string          `json:"rawFields"`
}
