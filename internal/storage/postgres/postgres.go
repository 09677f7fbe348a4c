// Package postgres is the PostgreSQL storage driver built on pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/brizzai/task-mcp/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface assertions.
var (
	_ storage.Store             = (*Store)(nil)
	_ storage.UserRepository    = (*Store)(nil)
	_ storage.SessionRepository = (*Store)(nil)
	_ storage.ClientRepository  = (*Store)(nil)
)

const uniqueViolation = "23505"

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg *config.StorageConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

const userColumns = `subject_id, email, COALESCE(display_name, ''), created_at, last_login`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.SubjectID, &u.Email, &u.DisplayName, &u.CreatedAt, &u.LastLogin); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, subjectID string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE subject_id = $1`, subjectID))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *Store) UpsertUser(ctx context.Context, subjectID, email, displayName string, now time.Time) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (subject_id, email, display_name, created_at, last_login)
		VALUES ($1, $2, NULLIF($3, ''), $4, $4)
		ON CONFLICT (subject_id) DO UPDATE SET last_login = EXCLUDED.last_login
		RETURNING `+userColumns,
		subjectID, email, displayName, now))
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return nil, storage.ErrEmailTaken
		}
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

const sessionColumns = `session_id, user_id, access_token, refresh_token, expires_at, created_at, last_activity, COALESCE(user_agent, '')`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.EncryptedAccessToken, &sess.EncryptedRefreshToken,
		&sess.ExpiresAt, &sess.CreatedAt, &sess.LastActivity, &sess.UserAgent,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// CreateSession locks the owner's row so concurrent creates for one user run
// one at a time, trims the oldest sessions and inserts, all in one transaction.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session, maxPerUser int) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	err = tx.QueryRow(ctx, `SELECT subject_id FROM users WHERE subject_id = $1 FOR UPDATE`, sess.UserID).Scan(&owner)
	if err != nil {
		return nil, fmt.Errorf("lock session owner: %w", notFound(err))
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions
			WHERE user_id = $1
			ORDER BY created_at DESC, session_id DESC
			OFFSET $2
		)
		RETURNING session_id`,
		sess.UserID, max(maxPerUser-1, 0))
	if err != nil {
		return nil, fmt.Errorf("evict sessions: %w", err)
	}
	evicted, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("evict sessions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, access_token, refresh_token, expires_at, created_at, last_activity, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
		sess.ID, sess.UserID, sess.EncryptedAccessToken, sess.EncryptedRefreshToken,
		sess.ExpiresAt, sess.CreatedAt, sess.LastActivity, sess.UserAgent)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}
	return evicted, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET last_activity = $2 WHERE session_id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSessionTokens(ctx context.Context, id string, access, refresh []byte, expiresAt, observedExpiry time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET access_token = $2, refresh_token = $3, expires_at = $4, refresh_lease_until = NULL
		WHERE session_id = $1 AND expires_at = $5`,
		id, access, refresh, expiresAt, observedExpiry)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, id)
}

func (s *Store) ClaimSessionRefresh(ctx context.Context, id string, observedExpiry, now, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET refresh_lease_until = $4
		WHERE session_id = $1 AND expires_at = $2
		  AND (refresh_lease_until IS NULL OR refresh_lease_until <= $3)`,
		id, observedExpiry, now, until)
	if err != nil {
		return fmt.Errorf("claim session refresh: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, id)
}

// missingOrConflict explains a conditional session update that matched no row.
func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteInactiveSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE last_activity < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete inactive sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1
		ORDER BY created_at, session_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

const clientColumns = `client_id, COALESCE(client_name, ''), client_secret, platform, redirect_uris, created_at, expires_at, last_used`

func scanClient(row pgx.Row) (*models.DynamicClient, error) {
	var c models.DynamicClient
	var platform string
	err := row.Scan(&c.ClientID, &c.ClientName, &c.ClientSecret, &platform, &c.RedirectURIs, &c.CreatedAt, &c.ExpiresAt, &c.LastUsed)
	if err != nil {
		return nil, notFound(err)
	}
	c.Platform = models.Platform(platform)
	return &c, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.DynamicClient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dynamic_clients (client_id, client_name, client_secret, platform, redirect_uris, created_at, expires_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`,
		c.ClientID, c.ClientName, c.ClientSecret, string(c.Platform), c.RedirectURIs, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*models.DynamicClient, error) {
	c, err := scanClient(s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM dynamic_clients WHERE client_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (s *Store) ListClients(ctx context.Context, platform models.Platform) ([]*models.DynamicClient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clientColumns+` FROM dynamic_clients
		WHERE $1 = '' OR platform = $1
		ORDER BY created_at DESC, client_id`, string(platform))
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	clients, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.DynamicClient, error) {
		return scanClient(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

func (s *Store) TouchClient(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dynamic_clients SET last_used = $2 WHERE client_id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dynamic_clients WHERE client_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredClients(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dynamic_clients WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired clients: %w", err)
	}
	return tag.RowsAffected(), nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// isUniqueViolation reports a unique constraint failure, optionally on a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
