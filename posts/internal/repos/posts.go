package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-sharing-platform/posts/internal/models"
	"content-sharing-platform/shared/dbx"
)

var ErrNotFound = errors.New("not found")

const postColumns = `id, user_id, content, media_ids, created_at, updated_at`

type PostsRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
}

func NewPostsRepo(pool *pgxpool.Pool, outbox *OutboxRepo) *PostsRepo {
	return &PostsRepo{pool: pool, outbox: outbox}
}

// Stage builds the outbox row for a post that was just written. It runs
// inside the write transaction.
type Stage func(models.Post) (models.OutboxEvent, error)

// CreatePost inserts post. When stage is not nil its outbox row is written in
// the same transaction.
func (r *PostsRepo) CreatePost(ctx context.Context, post models.Post, stage Stage) (models.Post, error) {
	if stage == nil {
		return insertPost(ctx, r.pool, post)
	}
	var created models.Post
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if created, err = insertPost(ctx, tx, post); err != nil {
			return err
		}
		return r.insertOutbox(ctx, tx, created, stage)
	})
	return created, err
}

func (r *PostsRepo) GetPost(ctx context.Context, id uuid.UUID) (models.Post, error) {
	post, err := scanPost(r.pool.QueryRow(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, ErrNotFound
	}
	return post, err
}

// ListPosts returns one page, newest first, and the total number of posts.
func (r *PostsRepo) ListPosts(ctx context.Context, page int, limit int) ([]models.Post, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if page <= 0 {
		page = 1
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM posts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	posts := make([]models.Post, 0, limit)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, 0, err
		}
		posts = append(posts, post)
	}
	return posts, total, rows.Err()
}

// DeletePost removes the post only when userID owns it. A missing post and a
// post owned by someone else are both ErrNotFound. When stage is not nil its
// outbox row is written in the same transaction.
func (r *PostsRepo) DeletePost(ctx context.Context, id uuid.UUID, userID string, stage Stage) (models.Post, error) {
	if stage == nil {
		return deletePost(ctx, r.pool, id, userID)
	}
	var deleted models.Post
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if deleted, err = deletePost(ctx, tx, id, userID); err != nil {
			return err
		}
		return r.insertOutbox(ctx, tx, deleted, stage)
	})
	return deleted, err
}

func (r *PostsRepo) insertOutbox(ctx context.Context, tx pgx.Tx, post models.Post, stage Stage) error {
	if r.outbox == nil {
		return errors.New("outbox repo not configured")
	}
	ev, err := stage(post)
	if err != nil {
		return err
	}
	_, err = r.outbox.Insert(ctx, tx, ev)
	return err
}

func deletePost(ctx context.Context, db dbx.DBTX, id uuid.UUID, userID string) (models.Post, error) {
	post, err := scanPost(db.QueryRow(ctx, `
		DELETE FROM posts
		WHERE id = $1 AND user_id = $2
		RETURNING `+postColumns+`
	`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, ErrNotFound
	}
	return post, err
}

func insertPost(ctx context.Context, db dbx.DBTX, post models.Post) (models.Post, error) {
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	if post.UpdatedAt.IsZero() {
		post.UpdatedAt = post.CreatedAt
	}
	if post.MediaIDs == nil {
		post.MediaIDs = []string{}
	}
	return scanPost(db.QueryRow(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+postColumns+`
	`, post.ID, post.UserID, post.Content, post.MediaIDs, post.CreatedAt, post.UpdatedAt))
}

func scanPost(row pgx.Row) (models.Post, error) {
	var post models.Post
	err := row.Scan(&post.ID, &post.UserID, &post.Content, &post.MediaIDs, &post.CreatedAt, &post.UpdatedAt)
	if post.MediaIDs == nil {
		post.MediaIDs = []string{}
	}
	return post, err
}
