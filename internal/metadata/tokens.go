package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRecord is the persisted 115 token pair. A single row with id=1
// holds the current pair; a refresh replaces it whole.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	UpdatedAt    time.Time
}

const (
	sqlLoadToken = `SELECT access_token, refresh_token, updated_at FROM tokens WHERE id = 1`

	sqlSaveToken = `INSERT INTO tokens (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at    = excluded.updated_at`
)

// LoadToken returns the persisted token pair, or nil when none was saved.
func (s *Store) LoadToken(ctx context.Context) (*TokenRecord, error) {
	var (
		rec     TokenRecord
		updated int64
	)

	err := s.tokenStmts.load.QueryRowContext(ctx).
		Scan(&rec.AccessToken, &rec.RefreshToken, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("metadata: load token: %w", err)
	}

	rec.UpdatedAt = time.Unix(updated, 0).UTC()

	return &rec, nil
}

// SaveToken replaces the persisted token pair atomically.
func (s *Store) SaveToken(ctx context.Context, access, refresh string) error {
	_, err := s.tokenStmts.save.ExecContext(ctx, access, refresh, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("metadata: save token: %w", err)
	}

	return nil
}
