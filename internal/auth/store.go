package auth

import (
	"context"
	"time"
)

// Store describes the credential store required by the engine.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	BranchGrants() BranchGrantStore
	Attempts() AttemptStore
	Sessions() SessionStore
	ResetTokens() ResetTokenStore
}

// UserStore manages principals and their security state.
type UserStore interface {
	Find(ctx context.Context, id string) (*User, error)
	// FindByIdentifier matches email or username, case-insensitively.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) error
	// RecordFailure atomically increments the failed-attempt counter and returns the new value.
	RecordFailure(ctx context.Context, id string, at time.Time) (int, error)
	// Lock marks the principal locked; an existing later expiry is kept.
	Lock(ctx context.Context, id string, until time.Time) error
	// RecordSuccess zeroes the counter, clears the lock and stamps the last login.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// ClearLockout zeroes the counter and clears the lock.
	ClearLockout(ctx context.Context, id string, at time.Time) error
	SetPassword(ctx context.Context, id, passwordHash string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
}

// RoleStore reads roles.
type RoleStore interface {
	Find(ctx context.Context, id string) (*Role, error)
}

// PermissionStore manages the permission catalogue.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// BranchGrantStore reads branch manager grants.
type BranchGrantStore interface {
	BranchesManagedBy(ctx context.Context, userID string) ([]string, error)
}

// AttemptStore appends login attempts and counts them for rate limiting.
type AttemptStore interface {
	Record(ctx context.Context, a *LoginAttempt) error
	CountByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountByIdentifier(ctx context.Context, identifier string, since time.Time) (int, error)
}

// SessionStore manages refresh token sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Deactivate(ctx context.Context, id string, at time.Time) error
	DeactivateAll(ctx context.Context, userID string, at time.Time) (int64, error)
	DeactivateExpired(ctx context.Context, userID string, now time.Time) (int64, error)
	// EvictOldest deactivates the oldest active sessions beyond keep, by creation time.
	EvictOldest(ctx context.Context, userID string, keep int, at time.Time) (int64, error)
}

// ResetTokenStore manages password reset tokens.
type ResetTokenStore interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	InvalidateOutstanding(ctx context.Context, userID string, now time.Time) error
	Create(ctx context.Context, t *PasswordResetToken) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error)
	// Consume flips used exactly once and replaces the password hash in the same transaction.
	// It returns ErrInvalidResetToken when the token was already used.
	Consume(ctx context.Context, tokenID, userID, passwordHash string, at time.Time) error
}
