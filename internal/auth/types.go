package auth

import (
	"strings"
	"time"
)

// Kind is the closed set of principal variants. Authentication strategy is
// selected from it and nothing else.
type Kind string

const (
	// KindInternal principals are institutional identities verified by the directory.
	KindInternal Kind = "internal"
	// KindExternal principals are self-registered and hold a local password hash.
	KindExternal Kind = "external"
)

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	return k == KindInternal || k == KindExternal
}

// User is a principal together with its security state.
type User struct {
	ID       string
	Email    string
	Username string
	FullName string
	Phone    string
	// PasswordHash is only meaningful for external principals.
	PasswordHash        string
	Kind                Kind
	Active              bool
	FailedLoginAttempts int
	Locked              bool
	LockExpiresAt       *time.Time
	LastLoginAt         *time.Time
	LastDirectorySyncAt *time.Time
	RoleID              string
	DirectoryGroups     []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LockedUntil returns the lock expiry when the account is locked at now.
func (u *User) LockedUntil(now time.Time) (time.Time, bool) {
	if u == nil || !u.Locked || u.LockExpiresAt == nil {
		return time.Time{}, false
	}
	if !now.Before(*u.LockExpiresAt) {
		return time.Time{}, false
	}
	return *u.LockExpiresAt, true
}

// Role groups permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a named capability.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// BranchManagerGrant gives a principal authority over resources located in a branch.
type BranchManagerGrant struct {
	UserID    string
	BranchID  string
	CreatedAt time.Time
}

// AttemptStatus is the outcome stored with every login attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptBlocked AttemptStatus = "blocked"
)

// LoginAttempt is an immutable audit row. Reason is internal only.
type LoginAttempt struct {
	ID          string
	Identifier  string
	UserID      string
	IPAddress   string
	UserAgent   string
	Status      AttemptStatus
	Reason      string
	AttemptedAt time.Time
}

func (a *LoginAttempt) succeed() {
	a.Status = AttemptSuccess
	a.Reason = ""
}

func (a *LoginAttempt) fail(reason string) {
	a.Status = AttemptFailed
	a.Reason = reason
}

func (a *LoginAttempt) block(reason string) {
	a.Status = AttemptBlocked
	a.Reason = reason
}

// Session backs one refresh token. Only the token digest is persisted.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	IPAddress string
	UserAgent string
	Active    bool
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PasswordResetToken is a one-time, time-boxed credential for an external principal.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	Used      bool
	ExpiresAt time.Time
	CreatedAt time.Time
	UsedAt    *time.Time
}

// ProfileUpdate carries directory-sourced profile fields. It never touches the role.
type ProfileUpdate struct {
	Email    string
	FullName string
	Phone    string
	Groups   []string
	SyncedAt time.Time
}

// TokenPair is the credential set returned by a successful login.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// PrincipalInfo is the caller-facing view of an authenticated principal.
type PrincipalInfo struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username,omitempty"`
	FullName    string   `json:"full_name,omitempty"`
	Kind        Kind     `json:"principal_kind"`
	Role        string   `json:"role,omitempty"`
	RoleID      string   `json:"role_id,omitempty"`
	Permissions []string `json:"permissions"`
	FullAccess  bool     `json:"full_access"`
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
