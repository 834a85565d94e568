package pg

import (
	"context"
	"database/sql"
	"time"

	"lostfound.org/authcore/internal/auth"
)

type resetTokenStore struct{ db *sql.DB }

func (s resetTokenStore) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from password_reset_tokens where user_id = $1 and created_at >= $2
	`, userID, since).Scan(&n)
	return n, err
}

func (s resetTokenStore) InvalidateOutstanding(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update password_reset_tokens set used = true, used_at = $2
		where user_id = $1 and not used
	`, userID, now)
	return err
}

func (s resetTokenStore) Create(ctx context.Context, t *auth.PasswordResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, used, expires_at, created_at)
		values ($1, $2, $3, false, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return mapError(err)
}

func (s resetTokenStore) FindByTokenHash(ctx context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	var (
		t      auth.PasswordResetToken
		usedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, used, expires_at, created_at, used_at
		from password_reset_tokens where token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Used, &t.ExpiresAt, &t.CreatedAt, &usedAt)
	if err != nil {
		return nil, mapError(err)
	}
	t.UsedAt = timePtr(usedAt)
	return &t, nil
}

func (s resetTokenStore) Consume(ctx context.Context, tokenID, userID, passwordHash string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update password_reset_tokens set used = true, used_at = $3
		where id = $1 and user_id = $2 and not used
	`, tokenID, userID, at)
	if n, err := affected(res, err); err != nil {
		return err
	} else if n == 0 {
		return auth.ErrInvalidResetToken
	}

	if err := expectRow(tx.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3
		where id = $1 and kind = 'external'
	`, userID, passwordHash, at)); err != nil {
		return err
	}
	return tx.Commit()
}
