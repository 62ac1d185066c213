package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-sharing-platform/search/projection"
	"content-sharing-platform/shared/dbx"
)

const DefaultSearchLimit = 10

type Result struct {
	projection.Record
	Rank float64 `json:"rank"`
}

type SearchRepo struct {
	pool *pgxpool.Pool
}

func NewSearchRepo(pool *pgxpool.Pool) *SearchRepo {
	return &SearchRepo{pool: pool}
}

// lockPost serializes writers of one post until the transaction ends, so an
// upsert always sees a tombstone left by a concurrent delete.
func lockPost(ctx context.Context, tx pgx.Tx, postID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, postID)
	return err
}

// Upsert indexes rec unless the post has already been deleted.
func (r *SearchRepo) Upsert(ctx context.Context, rec projection.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockPost(ctx, tx, rec.PostID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO search_posts (post_id, user_id, content, created_at, updated_at)
			SELECT $1, $2, $3, $4, now()
			WHERE NOT EXISTS (SELECT 1 FROM search_tombstones WHERE post_id = $1)
			ON CONFLICT (post_id) DO UPDATE
			SET user_id = EXCLUDED.user_id,
				content = EXCLUDED.content,
				created_at = EXCLUDED.created_at,
				updated_at = now()
		`, rec.PostID, rec.UserID, rec.Content, rec.CreatedAt)
		return err
	})
}

// Delete removes the post and leaves a tombstone so a redelivered create
// cannot bring it back.
func (r *SearchRepo) Delete(ctx context.Context, postID string) error {
	return dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockPost(ctx, tx, postID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM search_posts WHERE post_id = $1`, postID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO search_tombstones (post_id) VALUES ($1)
			ON CONFLICT (post_id) DO NOTHING
		`, postID)
		return err
	})
}

// Search runs a web-style full-text query and returns the best matches.
func (r *SearchRepo) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT post_id, user_id, content, created_at, ts_rank(search_vector, q) AS rank
		FROM search_posts, websearch_to_tsquery('english', $1) q
		WHERE search_vector @@ q
		ORDER BY rank DESC, created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]Result, 0, limit)
	for rows.Next() {
		var res Result
		var rank float32
		if err := rows.Scan(&res.PostID, &res.UserID, &res.Content, &res.CreatedAt, &rank); err != nil {
			return nil, err
		}
		res.Rank = float64(rank)
		results = append(results, res)
	}
	return results, rows.Err()
}
