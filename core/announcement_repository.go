package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAnnouncementNotFound = errors.New("announcement not found")

type Announcement struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnnouncementRepository is read-only; announcements are written by the admin console.
type AnnouncementRepository interface {
	List(ctx context.Context, page, perPage int) ([]Announcement, int, error)
	Get(ctx context.Context, id int64) (*Announcement, error)
}

type PgAnnouncementRepository struct {
	db *pgxpool.Pool
}

func NewPgAnnouncementRepository(db *pgxpool.Pool) *PgAnnouncementRepository {
	return &PgAnnouncementRepository{db: db}
}

// List returns published announcements, pinned first.
func (r *PgAnnouncementRepository) List(ctx context.Context, page, perPage int) ([]Announcement, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM announcements WHERE published`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `
SELECT id, title, content, pinned, created_at, updated_at
FROM announcements
WHERE published
ORDER BY pinned DESC, created_at DESC, id DESC
LIMIT $1 OFFSET $2
`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]Announcement, 0, perPage)
	for rows.Next() {
		var a Announcement
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.Pinned, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *PgAnnouncementRepository) Get(ctx context.Context, id int64) (*Announcement, error) {
	const q = `SELECT id, title, content, pinned, created_at, updated_at FROM announcements WHERE id=$1 AND published`
	var a Announcement
	if err := r.db.QueryRow(ctx, q, id).Scan(&a.ID, &a.Title, &a.Content, &a.Pinned, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnnouncementNotFound
		}
		return nil, err
	}
	return &a, nil
}
