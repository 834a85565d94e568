package pg

import (
	"context"
	"database/sql"
	"time"

	"lostfound.org/authcore/internal/auth"
)

type attemptStore struct{ db *sql.DB }

func (s attemptStore) Record(ctx context.Context, a *auth.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (id, identifier, user_id, ip_address, user_agent, status, reason, attempted_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Identifier, nullIfEmpty(a.UserID), a.IPAddress, a.UserAgent, string(a.Status), a.Reason, a.AttemptedAt)
	return mapError(err)
}

func (s attemptStore) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_attempts where ip_address = $1 and attempted_at >= $2
	`, ip, since).Scan(&n)
	return n, err
}

func (s attemptStore) CountByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_attempts where identifier = $1 and attempted_at >= $2
	`, identifier, since).Scan(&n)
	return n, err
}

type sessionStore struct{ db *sql.DB }

func (s sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, ip_address, user_agent, is_active, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.IPAddress, sess.UserAgent, sess.Active,
		sess.ExpiresAt, sess.CreatedAt, sess.UpdatedAt)
	return mapError(err)
}

func (s sessionStore) FindByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, ip_address, user_agent, is_active, expires_at, created_at, updated_at
		from sessions where token_hash = $1
	`, tokenHash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.IPAddress, &sess.UserAgent,
		&sess.Active, &sess.ExpiresAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &sess, nil
}

func (s sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `update sessions set updated_at = $2 where id = $1`, id, at))
}

func (s sessionStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `
		update sessions set is_active = false, updated_at = $2 where id = $1
	`, id, at))
}

func (s sessionStore) DeactivateAll(ctx context.Context, userID string, at time.Time) (int64, error) {
	return affected(s.db.ExecContext(ctx, `
		update sessions set is_active = false, updated_at = $2
		where user_id = $1 and is_active
	`, userID, at))
}

func (s sessionStore) DeactivateExpired(ctx context.Context, userID string, now time.Time) (int64, error) {
	return affected(s.db.ExecContext(ctx, `
		update sessions set is_active = false, updated_at = $2
		where user_id = $1 and is_active and expires_at <= $2
	`, userID, now))
}

func (s sessionStore) EvictOldest(ctx context.Context, userID string, keep int, at time.Time) (int64, error) {
	return affected(s.db.ExecContext(ctx, `
		update sessions set is_active = false, updated_at = $3
		where id in (
			select id from sessions
			where user_id = $1 and is_active
			order by created_at desc, id desc
			offset $2
		)
	`, userID, keep, at))
}
