package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"faultdesk/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (s Store) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	query, args, err := s.Builder.Insert("api_keys").
		Columns("id", "actor_id", "name", "key_hash", "created_at").
		Values(key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt).ToSql()
	if err != nil {
		return wrap("build insert api key", err)
	}
	_, err = s.DB.ExecContext(ctx, query, args...)
	return wrap("insert api key", err)
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (s Store) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	query, args, err := s.Builder.Select("id", "actor_id", "COALESCE(name,'')", "key_hash", "created_at").
		From("api_keys").Where(sq.Eq{"key_hash": hash}).Limit(1).ToSql()
	if err != nil {
		return domain.APIKey{}, wrap("build get api key", err)
	}
	var key domain.APIKey
	err = s.DB.QueryRowContext(ctx, query, args...).Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, wrap("get api key", err)
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (s Store) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	q := s.Builder.Select("id", "actor_id", "COALESCE(name,'')", "key_hash", "created_at").From("api_keys")
	if actorID != "" {
		q = q.Where(sq.Eq{"actor_id": actorID})
	}
	query, args, err := q.OrderBy("created_at DESC").ToSql()
	if err != nil {
		return nil, wrap("build list api keys", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list api keys", err)
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, wrap("scan api key", err)
		}
		keys = append(keys, key)
	}
	return keys, wrap("list api keys", rows.Err())
}

// DeleteAPIKey deletes an API key by ID.
func (s Store) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	query, args, err := s.Builder.Delete("api_keys").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return wrap("build delete api key", err)
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap("delete api key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
