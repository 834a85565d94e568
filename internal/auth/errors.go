package auth

import (
	"errors"
	"fmt"
	"time"
)

// Credential errors. Callers outside the engine only ever see ErrInvalidCredentials.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrForbidden          = errors.New("auth: forbidden")
)

// State errors.
var (
	ErrAccountLocked = errors.New("auth: account locked")
	ErrRateLimited   = errors.New("auth: too many attempts")
)

// Infrastructure errors.
var (
	ErrServiceUnavailable = errors.New("auth: service unavailable")
)

// Store errors.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Token errors. The specific kinds are for logs; all match ErrInvalidToken.
var (
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrTokenExpired      = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenMalformed    = fmt.Errorf("%w: malformed or bad signature", ErrInvalidToken)
	ErrTokenSubject      = fmt.Errorf("%w: subject missing or inactive", ErrInvalidToken)
	ErrInvalidResetToken = errors.New("auth: invalid or expired reset token")
)

// Directory failure causes, distinguished for internal logging only.
var (
	ErrDirectoryUnavailable     = errors.New("directory: service unavailable")
	ErrDirectoryEntryNotFound   = errors.New("directory: entry not found")
	ErrDirectoryInvalidSecret   = errors.New("directory: invalid credentials")
	ErrDirectoryAccountDisabled = errors.New("directory: account disabled or expired")
)

// LockedError is returned while a principal is locked out.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrAccountLocked) true.
func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// RateLimitError is returned when the sliding window ceiling is reached.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("auth: too many attempts, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
