package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// APIKey is a hashed service credential, typically held by the chat gateway.
type APIKey struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actor_id"`
	Name        string    `json:"name,omitempty"`
	KeyHash     string    `json:"-"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	perms, err := json.Marshal(nonNil(key.Permissions))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO api_keys(id, actor_id, name, key_hash, permissions_json, created_at) VALUES (?,?,?,?,?,?)`),
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, string(perms), formatTime(key.CreatedAt))
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT id, actor_id, COALESCE(name,''), key_hash, permissions_json, created_at FROM api_keys WHERE key_hash=? LIMIT 1`), hash)
	return scanAPIKey(row)
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]APIKey, error) {
	query := `SELECT id, actor_id, COALESCE(name,''), key_hash, permissions_json, created_at FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM api_keys WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row rowScanner) (APIKey, error) {
	var (
		key       APIKey
		perms     string
		createdAt string
	)
	err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &perms, &createdAt)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, err
	}
	if err := json.Unmarshal([]byte(perms), &key.Permissions); err != nil {
		return APIKey{}, err
	}
	key.CreatedAt, err = parseTime(createdAt)
	return key, err
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
