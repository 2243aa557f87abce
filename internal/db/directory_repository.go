package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/models"
)

// Directory repository errors.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrCommunityNotFound = errors.New("community not found")
	ErrInvalidDirectory  = errors.New("id is required")
)

// DirectoryRepository stores users, communities and memberships.
type DirectoryRepository struct {
	db    *DB
	clock clock.Clock
}

// NewDirectoryRepository creates a DirectoryRepository. A nil clock uses
// wall time.
func NewDirectoryRepository(db *DB, c clock.Clock) *DirectoryRepository {
	if c == nil {
		c = clock.Real{}
	}
	return &DirectoryRepository{db: db, clock: c}
}

// UpsertUser creates or updates a user. Empty fields keep their stored value.
func (r *DirectoryRepository) UpsertUser(ctx context.Context, p models.Participant) error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidDirectory
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar_url, created_at) VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
			avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE users.avatar_url END
	`, p.ID, p.Name, p.AvatarURL, formatTime(r.clock.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// EnsureUser records id if it is not known yet.
func (r *DirectoryRepository) EnsureUser(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidDirectory
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)`,
		id, formatTime(r.clock.Now()),
	); err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// GetUser loads a user.
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (models.Participant, error) {
	var p models.Participant
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, avatar_url FROM users WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrUserNotFound
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to get user: %w", err)
	}
	return p, nil
}

// UpsertCommunity creates or renames a community.
func (r *DirectoryRepository) UpsertCommunity(ctx context.Context, c models.Community) error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrInvalidDirectory
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO communities (id, name, image_url, created_at) VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE communities.name END,
			image_url = CASE WHEN excluded.image_url <> '' THEN excluded.image_url ELSE communities.image_url END
	`, c.ID, c.Name, c.ImageURL, formatTime(r.clock.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert community: %w", err)
	}
	return nil
}

// AddMember adds userID to a community. Adding an existing member is a no-op.
func (r *DirectoryRepository) AddMember(ctx context.Context, communityID, userID string) error {
	if strings.TrimSpace(communityID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidDirectory
	}
	return r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM communities WHERE id = ?`, communityID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCommunityNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check community: %w", err)
		}
		now := formatTime(r.clock.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)`, userID, now,
		); err != nil {
			return fmt.Errorf("failed to ensure member: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO community_members (community_id, user_id, joined_at) VALUES (?, ?, ?)`,
			communityID, userID, now,
		); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		return nil
	})
}

// IsMember reports whether userID belongs to communityID.
func (r *DirectoryRepository) IsMember(ctx context.Context, communityID, userID string) (bool, error) {
	return isMember(ctx, r.db, communityID, userID)
}

// ListCommunities returns the communities userID belongs to, sorted by id.
func (r *DirectoryRepository) ListCommunities(ctx context.Context, userID string) ([]models.Community, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.image_url
		FROM communities c
		JOIN community_members cm ON cm.community_id = c.id
		WHERE cm.user_id = ?
		ORDER BY c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	defer rows.Close()

	var out []models.Community
	for rows.Next() {
		var c models.Community
		if err := rows.Scan(&c.ID, &c.Name, &c.ImageURL); err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isMember(ctx context.Context, q queryRower, communityID, userID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM community_members WHERE community_id = ? AND user_id = ?`,
		communityID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}
