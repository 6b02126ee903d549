package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertAuthToken stores the token digest issued to name, replacing any earlier token.
func (s *Store) UpsertAuthToken(name, tokenDigest string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	if tokenDigest == "" {
		return errors.New("token_digest is required")
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO auth_tokens (
			name,
			token_digest,
			created_at,
			updated_at,
			last_used_at
		) VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET
			token_digest = excluded.token_digest,
			updated_at = excluded.updated_at,
			last_used_at = NULL`,
		name,
		tokenDigest,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert auth token %q: %w", name, err)
	}

	return nil
}

// GetAuthToken returns the token row for name.
func (s *Store) GetAuthToken(name string) (*AuthToken, error) {
	row := s.db.QueryRow(
		`SELECT name, token_digest, created_at, updated_at, last_used_at
		FROM auth_tokens WHERE name = ?`,
		strings.TrimSpace(name),
	)

	token, err := scanAuthToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auth token %q: %w", name, err)
	}

	return token, nil
}

// FindAuthTokenByDigest returns the token row whose digest matches.
func (s *Store) FindAuthTokenByDigest(tokenDigest string) (*AuthToken, error) {
	if tokenDigest == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRow(
		`SELECT name, token_digest, created_at, updated_at, last_used_at
		FROM auth_tokens WHERE token_digest = ?`,
		tokenDigest,
	)

	token, err := scanAuthToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find auth token by digest: %w", err)
	}

	return token, nil
}

// TouchAuthToken records the last time a token authenticated a request.
func (s *Store) TouchAuthToken(name string, timestamp int64) error {
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(`UPDATE auth_tokens SET last_used_at = ? WHERE name = ?`, timestamp, name)
	if err != nil {
		return fmt.Errorf("touch auth token %q: %w", name, err)
	}

	return requireRowsAffected(res)
}

// DeleteAuthToken revokes the token issued to name.
func (s *Store) DeleteAuthToken(name string) error {
	res, err := s.db.Exec(`DELETE FROM auth_tokens WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete auth token %q: %w", name, err)
	}

	return requireRowsAffected(res)
}

// ListAuthTokens returns every issued token ordered by name.
func (s *Store) ListAuthTokens() ([]AuthToken, error) {
	rows, err := s.db.Query(
		`SELECT name, token_digest, created_at, updated_at, last_used_at
		FROM auth_tokens ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list auth tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]AuthToken, 0)
	for rows.Next() {
		token, err := scanAuthToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auth token row: %w", err)
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth token rows: %w", err)
	}

	return tokens, nil
}

// HasAuthTokens reports whether any client has been issued a token.
func (s *Store) HasAuthTokens() (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM auth_tokens)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("count auth tokens: %w", err)
	}
	return exists == 1, nil
}

func scanAuthToken(row scanner) (*AuthToken, error) {
	var (
		token      AuthToken
		lastUsedAt sql.NullInt64
	)
	if err := row.Scan(
		&token.Name,
		&token.TokenDigest,
		&token.CreatedAt,
		&token.UpdatedAt,
		&lastUsedAt,
	); err != nil {
		return nil, err
	}

	token.LastUsedAt = int64Ptr(lastUsedAt)
	return &token, nil
}

func requireRowsAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
