package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lostfound.org/authcore/internal/auth"
)

const userColumns = `id, email, username, full_name, phone, password_hash, kind, is_active,
	failed_login_attempts, locked, lock_expires_at, last_login_at, last_directory_sync_at,
	role_id, directory_groups, created_at, updated_at`

type userStore struct{ db *sql.DB }

func scanUser(row scanner) (*auth.User, error) {
	var (
		u                          auth.User
		username, hash, roleID     sql.NullString
		lockExp, lastLogin, synced sql.NullTime
		kind                       string
		groups                     []byte
	)
	err := row.Scan(&u.ID, &u.Email, &username, &u.FullName, &u.Phone, &hash, &kind, &u.Active,
		&u.FailedLoginAttempts, &u.Locked, &lockExp, &lastLogin, &synced,
		&roleID, &groups, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	u.Username = username.String
	u.PasswordHash = hash.String
	u.RoleID = roleID.String
	u.Kind = auth.Kind(kind)
	u.LockExpiresAt = timePtr(lockExp)
	u.LastLoginAt = timePtr(lastLogin)
	u.LastDirectorySyncAt = timePtr(synced)
	if len(groups) > 0 {
		if err := json.Unmarshal(groups, &u.DirectoryGroups); err != nil {
			return nil, fmt.Errorf("decode directory groups: %w", err)
		}
	}
	return &u, nil
}

func encodeGroups(groups []string) ([]byte, error) {
	if groups == nil {
		groups = []string{}
	}
	return json.Marshal(groups)
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s userStore) FindByIdentifier(ctx context.Context, identifier string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = lower($1) or lower(username) = lower($1)
		order by (lower(email) = lower($1)) desc
		limit 1
	`, identifier))
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	if !u.Kind.Valid() {
		return fmt.Errorf("%w: unknown principal kind %q", auth.ErrInvalidInput, u.Kind)
	}
	groups, err := encodeGroups(u.DirectoryGroups)
	if err != nil {
		return err
	}
	// Internal principals never carry a local hash.
	hash := nullIfEmpty(u.PasswordHash)
	if u.Kind == auth.KindInternal {
		hash = sql.NullString{}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, email, username, full_name, phone, password_hash, kind, is_active,
			role_id, directory_groups, last_directory_sync_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, u.ID, u.Email, nullIfEmpty(u.Username), u.FullName, u.Phone, hash, string(u.Kind), u.Active,
		nullIfEmpty(u.RoleID), groups, nullTime(u.LastDirectorySyncAt), u.CreatedAt)
	return mapError(err)
}

func (s userStore) UpdateProfile(ctx context.Context, id string, upd auth.ProfileUpdate) error {
	groups, err := encodeGroups(upd.Groups)
	if err != nil {
		return err
	}
	return expectRow(s.db.ExecContext(ctx, `
		update users
		set email = coalesce(nullif($2, ''), email),
			full_name = $3,
			phone = $4,
			directory_groups = $5,
			last_directory_sync_at = $6,
			updated_at = $6
		where id = $1
	`, id, upd.Email, upd.FullName, upd.Phone, groups, upd.SyncedAt))
}

func (s userStore) RecordFailure(ctx context.Context, id string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1, updated_at = $2
		where id = $1
		returning failed_login_attempts
	`, id, at).Scan(&n)
	return n, mapError(err)
}

func (s userStore) Lock(ctx context.Context, id string, until time.Time) error {
	// greatest() ignores a null expiry and never shortens a lock written concurrently.
	return expectRow(s.db.ExecContext(ctx, `
		update users
		set locked = true, lock_expires_at = greatest(lock_expires_at, $2), updated_at = now()
		where id = $1
	`, id, until))
}

func (s userStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked = false, lock_expires_at = null,
			last_login_at = $2, updated_at = $2
		where id = $1
	`, id, at))
}

func (s userStore) ClearLockout(ctx context.Context, id string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked = false, lock_expires_at = null, updated_at = $2
		where id = $1
	`, id, at))
}

func (s userStore) SetPassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3
		where id = $1 and kind = 'external'
	`, id, passwordHash, at))
}

func (s userStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return expectRow(s.db.ExecContext(ctx, `
		update users set is_active = $2, updated_at = $3 where id = $1
	`, id, active, at))
}
