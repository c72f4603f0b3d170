package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"roadready/internal/domain"
)

// HashAdminKey returns the SHA-256 hex digest stored for an admin key.
func HashAdminKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAdminKey stores a hashed admin key. KeyHash must already hold the digest.
func (r Repo) InsertAdminKey(ctx context.Context, tx *sql.Tx, key domain.AdminKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = formatTime(time.Now())
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO admin_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAdminKeyByHash(ctx context.Context, hash string) (domain.AdminKey, error) {
	key, err := scanAdminKey(r.DB.QueryRowContext(ctx, `SELECT id,actor_id,COALESCE(name,''),key_hash,created_at FROM admin_keys WHERE key_hash=? LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AdminKey{}, ErrNotFound
	}
	return key, err
}

// ListAdminKeys returns admin keys, optionally filtered by actor.
func (r Repo) ListAdminKeys(ctx context.Context, actorID string) ([]domain.AdminKey, error) {
	query := `SELECT id,actor_id,COALESCE(name,''),key_hash,created_at FROM admin_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.AdminKey
	for rows.Next() {
		key, err := scanAdminKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r Repo) DeleteAdminKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM admin_keys WHERE id=?`, id)
	return expectOne(res, err)
}

func scanAdminKey(row rowScanner) (domain.AdminKey, error) {
	var key domain.AdminKey
	err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}
