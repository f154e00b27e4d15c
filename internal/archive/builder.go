// Package archive assembles named payloads into a single ZIP archive.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"recordexport/internal/apperr"
)

// CompressionLevel is the fixed deflate level used for every archive.
const CompressionLevel = 6

var (
	// ErrNoContent is returned when Build is called with no entries.
	ErrNoContent = errors.New("archive has no entries")
	// ErrPathCollision is returned when two entries share a path.
	ErrPathCollision = errors.New("archive path already used")
)

// Entry is one file inside the archive.
type Entry struct {
	Path string
	Data []byte
}

// Builder collects entries in insertion order. It is not safe for
// concurrent use; callers build one per request.
type Builder struct {
	entries  []Entry
	paths    map[string]struct{}
	modified time.Time
}

// NewBuilder returns an empty builder stamping entries with the current time.
func NewBuilder() *Builder {
	return &Builder{paths: make(map[string]struct{}), modified: time.Now()}
}

// WithModTime overrides the modification time written for each entry.
func (b *Builder) WithModTime(t time.Time) *Builder {
	b.modified = t
	return b
}

// Add appends an entry. Paths must be relative, slash-separated and unique.
func (b *Builder) Add(name string, data []byte) error {
	clean, err := cleanPath(name)
	if err != nil {
		return err
	}
	if _, dup := b.paths[clean]; dup {
		return fmt.Errorf("%w: %s", ErrPathCollision, clean)
	}
	b.paths[clean] = struct{}{}
	b.entries = append(b.entries, Entry{Path: clean, Data: data})
	return nil
}

// AddAll appends entries in order, stopping at the first rejection.
func (b *Builder) AddAll(entries []Entry) error {
	for _, e := range entries {
		if err := b.Add(e.Path, e.Data); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) Len() int { return len(b.entries) }

// Paths returns entry paths in insertion order.
func (b *Builder) Paths() []string {
	out := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.Path)
	}
	return out
}

// WriteTo streams the archive to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	if len(b.entries) == 0 {
		return 0, ErrNoContent
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, CompressionLevel)
	})

	for _, e := range b.entries {
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: b.modified,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return cw.n, fmt.Errorf("create entry %s: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return cw.n, fmt.Errorf("write entry %s: %w", e.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("finalize archive: %w", err)
	}
	return cw.n, nil
}

// Build returns the archive bytes.
func (b *Builder) Build() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Build is a convenience for building an archive from a fixed entry list.
func Build(entries []Entry) ([]byte, error) {
	b := NewBuilder()
	if err := b.AddAll(entries); err != nil {
		return nil, err
	}
	return b.Build()
}

func cleanPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", apperr.NewValidation("path", fmt.Sprintf("invalid archive path %q", name))
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", apperr.NewValidation("path", fmt.Sprintf("archive path %q escapes the root", name))
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", apperr.NewValidation("path", fmt.Sprintf("invalid archive path %q", name))
	}
	return clean, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
