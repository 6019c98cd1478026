// Package auth manages admin operators and their bearer sessions.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const sessionTTL = 7 * 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
)

type Service struct {
	db  *sql.DB
	now func() time.Time
}

type Operator struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// EnsureDefaultOperator creates the first operator when none exists.
func (s *Service) EnsureDefaultOperator(ctx context.Context, username, password string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operators").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if err := s.SetPassword(ctx, username, password); err != nil {
		return err
	}
	log.Warnf("auth: created operator %q with the configured default password", username)
	return nil
}

// SetPassword creates the operator or replaces its password. Existing
// sessions of the operator are revoked.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operators (username, password_hash) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash`,
		username, string(hash))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE operator_id = (SELECT id FROM operators WHERE username = ?)`, username)
	return err
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	var id int64
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT id, password_hash FROM operators WHERE username = ?", username).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	expires := s.now().Add(sessionTTL).UTC()
	_, err = s.db.ExecContext(ctx, "INSERT INTO sessions (token, operator_id, expires_at) VALUES (?, ?, ?)", token, id, expires)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) ValidateSession(ctx context.Context, token string) (*Operator, error) {
	var op Operator
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.username, s.expires_at
		FROM sessions s JOIN operators o ON s.operator_id = o.id
		WHERE s.token = ?
	`, token).Scan(&op.ID, &op.Username, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	if s.now().After(expiresAt) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
			log.Debugf("auth: drop expired session: %v", err)
		}
		return nil, ErrSessionExpired
	}
	return &op, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	return err
}

// PruneExpired removes sessions past their expiry.
func (s *Service) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
