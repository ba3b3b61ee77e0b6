package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviewchat/internal/models"
)

// Greeting seeds every new transcript so the first visible turn is from
// the assistant.
const Greeting = "Hello! I'm a review analysis assistant. How can I help you today?"

// Service persists sessions, turns, and uploads.
type Service struct {
	db     *sql.DB
	cipher *keyCipher
}

// NewService builds a new transcript service. The API-key cipher is
// optional: without REVIEWCHAT_SECRET_KEY set, per-session provider key
// overrides are rejected rather than stored in the clear.
func NewService(db *sql.DB) *Service {
	svc := &Service{db: db}
	if cipher, err := newKeyCipherFromEnv(); err == nil {
		svc.cipher = cipher
	}
	return svc
}

// CreateSession inserts a new session and seeds its transcript with the
// assistant greeting turn.
func (s *Service) CreateSession(ctx context.Context, title, persona, provider, model string) (*models.Session, error) {
	if title == "" {
		title = "New Conversation"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (title, persona, provider, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		title, persona, provider, model, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	session := &models.Session{ID: id, Title: title, Persona: persona, Provider: provider, Model: model, CreatedAt: now, UpdatedAt: now}
	if _, err := s.AppendTurn(ctx, models.Turn{
		SessionID: id,
		Role:      models.RoleAssistant,
		Text:      Greeting,
		Parts:     []models.ContentPart{{Type: models.PartText, Text: Greeting}},
	}); err != nil {
		return nil, fmt.Errorf("seed greeting: %w", err)
	}
	return session, nil
}

// GetSession returns one session by id.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, persona, provider, model, created_at, updated_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.Title, &session.Persona, &session.Provider, &session.Model, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// GetSessionWithTurns returns one session and its ordered transcript.
func (s *Service) GetSessionWithTurns(ctx context.Context, sessionID int64) (*models.Session, []*models.Turn, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, text, parts, attached_file_ids, created_at FROM turns WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return session, nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return session, nil, err
		}
		turns = append(turns, turn)
	}
	return session, turns, rows.Err()
}

// AppendTurn stores a new turn and touches the session's updated_at.
// Transcripts are append-only; there is no update path for turns.
func (s *Service) AppendTurn(ctx context.Context, turn models.Turn) (*models.Turn, error) {
	if turn.SessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if strings.TrimSpace(turn.Text) == "" && len(turn.Parts) == 0 {
		return nil, errors.New("turn content cannot be empty")
	}
	partsJSON, err := json.Marshal(turn.Parts)
	if err != nil {
		return nil, fmt.Errorf("encode parts: %w", err)
	}
	fileIDsJSON, err := json.Marshal(turn.AttachedFileIDs)
	if err != nil {
		return nil, fmt.Errorf("encode file ids: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, role, text, parts, attached_file_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Role, turn.Text, string(partsJSON), string(fileIDsJSON), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, turn.SessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	turn.ID = id
	turn.CreatedAt = now
	return &turn, nil
}

// UpdateSessionTitle sets a session title.
func (s *Service) UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSession removes a session and all related turns and uploads.
func (s *Service) DeleteSession(ctx context.Context, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete uploads: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// SetSessionAPIKey stores an encrypted per-session provider key override.
func (s *Service) SetSessionAPIKey(ctx context.Context, sessionID int64, apiKey string) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("api key is required")
	}
	if s.cipher == nil {
		return errors.New("api key override unavailable: secret key not configured")
	}
	cipherText, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET api_key_cipher = ? WHERE id = ?`, cipherText, sessionID)
	if err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SessionAPIKey returns the decrypted per-session provider key, or "" when
// no override is stored.
func (s *Service) SessionAPIKey(ctx context.Context, sessionID int64) (string, error) {
	var cipherText sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT api_key_cipher FROM sessions WHERE id = ?`, sessionID).Scan(&cipherText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	if !cipherText.Valid || cipherText.String == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", errors.New("secret key not configured")
	}
	return s.cipher.Decrypt(cipherText.String)
}

func scanTurn(rows *sql.Rows) (*models.Turn, error) {
	turn := new(models.Turn)
	var partsJSON, fileIDsJSON sql.NullString
	if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Text, &partsJSON, &fileIDsJSON, &turn.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	if partsJSON.Valid && partsJSON.String != "" && partsJSON.String != "null" {
		if err := json.Unmarshal([]byte(partsJSON.String), &turn.Parts); err != nil {
			return nil, fmt.Errorf("decode parts: %w", err)
		}
	}
	if fileIDsJSON.Valid && fileIDsJSON.String != "" && fileIDsJSON.String != "null" {
		if err := json.Unmarshal([]byte(fileIDsJSON.String), &turn.AttachedFileIDs); err != nil {
			return nil, fmt.Errorf("decode file ids: %w", err)
		}
	}
	return turn, nil
}
