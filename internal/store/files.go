package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"filebot/internal/domain"
)

// Files implements domain.FileRepository on SQLite.
type Files struct {
	db *sql.DB
}

var _ domain.FileRepository = (*Files)(nil)

// Save inserts meta and returns it with the assigned id.
func (r *Files) Save(ctx context.Context, meta domain.FileMetadata) (domain.FileMetadata, error) {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO file_metadata (kind, platform_file_id, content_id, size, mime_type, name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(meta.Kind), meta.PlatformFileID, int64(meta.ContentID), meta.Size, meta.MimeType, meta.Name, meta.CreatedAt,
	)
	if err != nil {
		return domain.FileMetadata{}, fmt.Errorf("save %s metadata: %w", meta.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.FileMetadata{}, fmt.Errorf("save %s metadata: %w", meta.Kind, err)
	}
	meta.ID = uint64(id)
	return meta, nil
}

// FindByID returns the metadata row only when it has the requested kind, so a
// photo token never resolves through the document endpoint.
func (r *Files) FindByID(ctx context.Context, kind domain.ResourceType, id uint64) (*domain.FileMetadata, error) {
	var (
		m         domain.FileMetadata
		k         string
		contentID int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, kind, platform_file_id, content_id, size, mime_type, name, created_at
		   FROM file_metadata WHERE id = ? AND kind = ?`, int64(id), string(kind),
	).Scan(&m.ID, &k, &m.PlatformFileID, &contentID, &m.Size, &m.MimeType, &m.Name, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %d: %w", kind, id, err)
	}
	m.Kind = domain.ResourceType(k)
	m.ContentID = uint64(contentID)
	return &m, nil
}

// SQLiteContent implements domain.ContentStore in the binary_content table.
type SQLiteContent struct {
	db *sql.DB
}

var _ domain.ContentStore = (*SQLiteContent)(nil)

func (c *SQLiteContent) Put(ctx context.Context, data []byte) (uint64, error) {
	res, err := c.db.ExecContext(ctx, `INSERT INTO binary_content (data) VALUES (?)`, data)
	if err != nil {
		return 0, fmt.Errorf("put content: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("put content: %w", err)
	}
	return uint64(id), nil
}

// Get returns (nil, nil) for an unknown id.
func (c *SQLiteContent) Get(ctx context.Context, id uint64) (*domain.BinaryContent, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM binary_content WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content %d: %w", id, err)
	}
	return &domain.BinaryContent{ID: id, Data: data}, nil
}

func (c *SQLiteContent) Delete(ctx context.Context, id uint64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM binary_content WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete content %d: %w", id, err)
	}
	return nil
}
