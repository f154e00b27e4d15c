package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const defaultPostgresPageSize = 500

// PostgresBackend serves objects stored as rows of the objects table.
// Listing uses keyset pagination; the continuation token is the last key
// of the previous page.
type PostgresBackend struct {
	db       *sql.DB
	pageSize int
}

func NewPostgresBackend(db *sql.DB, pageSize int) *PostgresBackend {
	if pageSize <= 0 {
		pageSize = defaultPostgresPageSize
	}
	return &PostgresBackend{db: db, pageSize: pageSize}
}

func (b *PostgresBackend) ListPage(ctx context.Context, bucket, prefix string, token *string) (*Page, error) {
	after := ""
	if token != nil {
		after = *token
	}

	query := `SELECT key, size, modified_at FROM objects WHERE bucket = $1 AND starts_with(key, $2) AND key > $3 ORDER BY key LIMIT $4`
	rows, err := b.db.QueryContext(ctx, query, bucket, prefix, after, b.pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		var o ObjectSummary
		if err := rows.Scan(&o.Key, &o.Size, &o.LastModified); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		page.Objects = append(page.Objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}

	if len(page.Objects) > b.pageSize {
		page.Objects = page.Objects[:b.pageSize]
		page.HasMore = true
		page.NextToken = page.Objects[len(page.Objects)-1].Key
	}
	return page, nil
}

func (b *PostgresBackend) Get(ctx context.Context, bucket, key string) (*Payload, error) {
	var data []byte
	query := `SELECT data FROM objects WHERE bucket = $1 AND key = $2`
	err := b.db.QueryRowContext(ctx, query, bucket, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select object: %w", err)
	}
	return &Payload{Data: data}, nil
}

// Put upserts an object. Used by tooling and tests that seed the store.
func (b *PostgresBackend) Put(ctx context.Context, bucket, key string, data []byte) error {
	query := `INSERT INTO objects (bucket, key, size, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket, key) DO UPDATE SET size = EXCLUDED.size, data = EXCLUDED.data, modified_at = NOW()`
	_, err := b.db.ExecContext(ctx, query, bucket, key, len(data), data)
	return err
}
