// Package batch drives manifest exports: one artifact or error marker per
// manifest row, folded into a single archive.
package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"recordexport/internal/apperr"
	"recordexport/internal/objectstore"
)

const (
	columnEntity = "entityid"
	columnRecord = "recordid"
)

// Row is one manifest line.
type Row struct {
	EntityID string `json:"entityId"`
	RecordID string `json:"recordId"`
	// Line is the 1-based line number in the manifest.
	Line int `json:"line"`
}

// Name is the deterministic base name used for the row's archive entries.
// Rows with unsafe identifiers are named after their line instead.
func (r Row) Name() string {
	if r.Validate() != nil {
		return fmt.Sprintf("line%d", r.Line)
	}
	return r.EntityID + "_" + r.RecordID
}

// Validate checks that both identifiers are safe to use in storage keys and
// entry names.
func (r Row) Validate() error {
	if err := objectstore.ValidateSegment("entityId", r.EntityID); err != nil {
		return fmt.Errorf("line %d: %w", r.Line, err)
	}
	if err := objectstore.ValidateSegment("recordId", r.RecordID); err != nil {
		return fmt.Errorf("line %d: %w", r.Line, err)
	}
	return nil
}

// ParseManifest reads a CSV manifest whose header names an entityId and a
// recordId column. Only structural problems fail here: an unreadable file,
// a missing column header or no rows at all. Row contents are checked per
// row by the Runner.
func ParseManifest(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.NewValidation("manifest", "manifest is empty")
	}
	if err != nil {
		return nil, apperr.NewValidation("manifest", fmt.Sprintf("unreadable manifest: %v", err))
	}

	entityCol, recordCol := -1, -1
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch h {
		case columnEntity:
			entityCol = i
		case columnRecord:
			recordCol = i
		}
	}
	if entityCol < 0 || recordCol < 0 {
		return nil, apperr.NewValidation("manifest", "header must contain entityId and recordId columns")
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.NewValidation("manifest", fmt.Sprintf("unreadable manifest: %v", err))
		}
		line, _ := cr.FieldPos(0)
		if blank(record) {
			continue
		}
		rows = append(rows, Row{
			EntityID: field(record, entityCol),
			RecordID: field(record, recordCol),
			Line:     line,
		})
	}

	if len(rows) == 0 {
		return nil, apperr.NewValidation("manifest", "manifest has no rows")
	}
	return rows, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
