package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-sharing-platform/media/projection"
)

var ErrNotFound = projection.ErrNotFound

const mediaColumns = `id, url, mime_type, uploaded_by, original_name, public_id, created_at`

type MediaRepo struct {
	pool *pgxpool.Pool
}

func NewMediaRepo(pool *pgxpool.Pool) *MediaRepo {
	return &MediaRepo{pool: pool}
}

func (r *MediaRepo) Create(ctx context.Context, m projection.Media) (projection.Media, error) {
	id := uuid.New()
	if m.ID != "" {
		parsed, err := uuid.Parse(m.ID)
		if err != nil {
			return projection.Media{}, err
		}
		id = parsed
	}
	return scanMedia(r.pool.QueryRow(ctx, `
		INSERT INTO media (id, url, mime_type, uploaded_by, original_name, public_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+mediaColumns,
		id, m.URL, m.MimeType, m.UploadedBy, m.OriginalName, m.PublicID,
	))
}

func (r *MediaRepo) Get(ctx context.Context, id string) (projection.Media, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return projection.Media{}, ErrNotFound
	}
	m, err := scanMedia(r.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = $1`, parsed))
	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Media{}, ErrNotFound
	}
	return m, err
}

// FindByIDs skips ids that are not UUIDs; they cannot name a row.
func (r *MediaRepo) FindByIDs(ctx context.Context, ids []string) ([]projection.Media, error) {
	parsed := make([]string, 0, len(ids))
	for _, id := range ids {
		if u, err := uuid.Parse(id); err == nil {
			parsed = append(parsed, u.String())
		}
	}
	if len(parsed) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = ANY($1::uuid[])`, parsed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []projection.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MediaRepo) Delete(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM media WHERE id = $1`, parsed)
	return err
}

func scanMedia(row pgx.Row) (projection.Media, error) {
	var m projection.Media
	var id uuid.UUID
	err := row.Scan(&id, &m.URL, &m.MimeType, &m.UploadedBy, &m.OriginalName, &m.PublicID, &m.CreatedAt)
	m.ID = id.String()
	return m, err
}
