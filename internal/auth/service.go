package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"reviewchat/internal/redis"
)

// Service issues, validates, and revokes per-session keys. Session keys
// replace ambient widget/session-state identifiers: every session-scoped
// request must present the key minted when the session was created.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	keyTTL         time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied key lifetime.
// The redis cache is optional; lookups fall back to the database.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		keyTTL:         ttl,
		cookieName:     "session_key",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

func cacheKey(sessionKey string) string { return "sessionkey:" + sessionKey }

// IssueKey mints a new random key for the session and persists it.
func (s *Service) IssueKey(ctx context.Context, sessionID int64) (string, error) {
	if sessionID <= 0 {
		return "", errors.New("invalid session id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.keyTTL)
	for i := 0; i < 5; i++ {
		key, err := generateKey()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO session_keys (session_key, session_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			key, sessionID, now, expiresAt,
		)
		if err == nil {
			if s.cache != nil {
				_ = s.cache.Set(ctx, cacheKey(key), strconv.FormatInt(sessionID, 10), s.keyTTL)
			}
			return key, nil
		}
	}
	return "", errors.New("could not issue session key")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateKey()
}

// ValidateKey verifies the key exists and has not expired, returning the
// session id it belongs to.
func (s *Service) ValidateKey(ctx context.Context, sessionKey string) (int64, error) {
	if sessionKey == "" {
		return 0, errors.New("session key required")
	}
	if s.cache != nil {
		if id, err := s.cache.GetInt64(ctx, cacheKey(sessionKey)); err == nil && id > 0 {
			return id, nil
		}
	}
	var sessionID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, expires_at FROM session_keys WHERE session_key = ?`, sessionKey,
	).Scan(&sessionID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("invalid session key")
		}
		return 0, fmt.Errorf("lookup session key: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session_keys WHERE session_key = ?`, sessionKey)
		return 0, errors.New("session key expired")
	}
	if s.cache != nil {
		ttl := time.Until(expires)
		if ttl > 0 {
			_ = s.cache.Set(ctx, cacheKey(sessionKey), strconv.FormatInt(sessionID, 10), ttl)
		}
	}
	return sessionID, nil
}

// RevokeSessionKeys removes all keys belonging to the session.
func (s *Service) RevokeSessionKeys(ctx context.Context, sessionID int64) error {
	if sessionID <= 0 {
		return nil
	}
	if s.cache != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT session_key FROM session_keys WHERE session_id = ?`, sessionID)
		if err == nil {
			var keys []string
			for rows.Next() {
				var k string
				if err := rows.Scan(&k); err == nil {
					keys = append(keys, cacheKey(k))
				}
			}
			rows.Close()
			_ = s.cache.Del(ctx, keys...)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_keys WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("revoke session keys: %w", err)
	}
	return nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SessionCookieName returns the cookie name storing session keys.
func (s *Service) SessionCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// KeyTTL reports the configured key lifetime.
func (s *Service) KeyTTL() time.Duration {
	return s.keyTTL
}
