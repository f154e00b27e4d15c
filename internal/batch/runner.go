package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"recordexport/internal/apperr"
	"recordexport/internal/archive"
)

// DefaultMaxRows is the manifest row ceiling when none is configured.
const DefaultMaxRows = 100

// ErrorPrefix starts the name of every failure marker entry.
const ErrorPrefix = "ERROR_"

// Artifact is what a producer returns for one row.
type Artifact struct {
	Data []byte
	// Ext is the artifact's natural file extension, such as ".pdf".
	Ext string
}

// Producer creates the artifact for a single manifest row.
type Producer interface {
	Produce(ctx context.Context, row Row) (*Artifact, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, row Row) (*Artifact, error)

func (f ProducerFunc) Produce(ctx context.Context, row Row) (*Artifact, error) {
	return f(ctx, row)
}

// FailureFunc observes each failed row. It cannot change the outcome.
type FailureFunc func(ctx context.Context, row Row, err error)

// Summary reports how a run went.
type Summary struct {
	Rows      int
	Succeeded int
	Failed    int
	Failures  []*apperr.PartialItemError
}

// Runner executes manifests. Rows are isolated from each other: a failed
// row becomes an error marker and the run continues.
type Runner struct {
	maxRows     int
	concurrency int
	onFailure   FailureFunc
}

// NewRunner creates a Runner. concurrency <= 1 processes rows strictly one
// after another in manifest order.
func NewRunner(maxRows, concurrency int) *Runner {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{maxRows: maxRows, concurrency: concurrency}
}

// OnFailure registers a hook called for every failed row.
func (r *Runner) OnFailure(fn FailureFunc) *Runner {
	r.onFailure = fn
	return r
}

func (r *Runner) MaxRows() int { return r.maxRows }

// Validate checks the row count against the ceiling without doing any work.
func (r *Runner) Validate(rows []Row) error {
	if len(rows) == 0 {
		return apperr.NewValidation("manifest", "manifest has no rows")
	}
	if len(rows) > r.maxRows {
		return &apperr.CapacityError{Count: len(rows), Max: r.maxRows}
	}
	return nil
}

// Run produces one archive entry per row, in manifest order regardless of
// completion order. A row with unsafe identifiers fails on its own without
// reaching the producer. Rows sharing a name get distinct entries through
// archive.Names. The only errors returned are the row ceiling, raised before
// the producer is called, and cancellation of ctx.
func (r *Runner) Run(ctx context.Context, rows []Row, producer Producer) ([]archive.Entry, Summary, error) {
	if err := r.Validate(rows); err != nil {
		return nil, Summary{}, err
	}

	results := make([]rowResult, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runRow(gctx, row, producer)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, fmt.Errorf("batch cancelled: %w", err)
	}

	entries := make([]archive.Entry, 0, len(rows))
	summary := Summary{Rows: len(rows)}
	names := archive.NewNames()
	for i, row := range rows {
		res := results[i]
		if res.err == nil {
			name, err := names.Claim(row.Name() + normalizeExt(res.artifact.Ext))
			if err == nil {
				entries = append(entries, archive.Entry{Path: name, Data: res.artifact.Data})
				summary.Succeeded++
				continue
			}
			res.err = fmt.Errorf("unusable artifact name: %w", err)
			r.failed(ctx, row, res.err)
		}

		// Row names only hold safe characters, so marker names always claim.
		name, _ := names.Claim(ErrorPrefix + row.Name() + ".txt")
		entries = append(entries, archive.Entry{Path: name, Data: []byte(res.err.Error())})
		summary.Failed++
		summary.Failures = append(summary.Failures, &apperr.PartialItemError{Item: row.Name(), Cause: res.err})
	}
	return entries, summary, nil
}

type rowResult struct {
	artifact *Artifact
	err      error
}

func (r *Runner) runRow(ctx context.Context, row Row, producer Producer) rowResult {
	if err := row.Validate(); err != nil {
		r.failed(ctx, row, err)
		return rowResult{err: err}
	}
	artifact, err := produceSafely(ctx, row, producer)
	if err == nil && artifact == nil {
		err = errors.New("producer returned no artifact")
	}
	if err != nil {
		r.failed(ctx, row, err)
		return rowResult{err: err}
	}
	return rowResult{artifact: artifact}
}

func (r *Runner) failed(ctx context.Context, row Row, err error) {
	slog.WarnContext(ctx, "batch row failed", "entity_id", row.EntityID, "record_id", row.RecordID, "line", row.Line, "error", err)
	if r.onFailure != nil {
		r.onFailure(ctx, row, err)
	}
}

func produceSafely(ctx context.Context, row Row, producer Producer) (artifact *Artifact, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("artifact producer panicked: %v", p)
		}
	}()
	return producer.Produce(ctx, row)
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ToLower(ext)
}
