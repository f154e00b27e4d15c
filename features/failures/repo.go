package failures

import (
	"context"
	"database/sql"
)

type Repository interface {
	Save(ctx context.Context, f *Failure) error
	List(ctx context.Context, batchID string, limit int) ([]Failure, error)
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, f *Failure) error {
	query := `INSERT INTO failed_exports (batch_id, entity_id, record_id, error) VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	return r.db.QueryRowContext(ctx, query, f.BatchID, f.EntityID, f.RecordID, f.Error).Scan(&f.ID, &f.CreatedAt)
}

// List returns the newest failures first. An empty batchID lists all batches.
func (r *PostgresRepo) List(ctx context.Context, batchID string, limit int) ([]Failure, error) {
	query := `SELECT id, batch_id, entity_id, record_id, error, created_at FROM failed_exports WHERE ($1 = '' OR batch_id = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, batchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.BatchID, &f.EntityID, &f.RecordID, &f.Error, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_exports`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
