package auth

import (
	"context"
	"time"
)

// DirectoryEntry is a directory account mapped into the principal profile shape.
type DirectoryEntry struct {
	DN       string
	Username string
	Email    string
	FullName string
	Phone    string
	// Groups is recorded for audit only; roles are owned by the local store.
	Groups    []string
	Disabled  bool
	ExpiresAt *time.Time
}

// Active reports whether the directory considers the account usable at now.
func (e *DirectoryEntry) Active(now time.Time) bool {
	if e == nil || e.Disabled {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// DirectoryHealth summarises directory reachability.
type DirectoryHealth struct {
	Status  string        `json:"status"`
	Server  string        `json:"server,omitempty"`
	Latency time.Duration `json:"latency_ns"`
	Detail  string        `json:"detail,omitempty"`
}

const (
	DirectoryStatusOK          = "ok"
	DirectoryStatusUnavailable = "unavailable"
	DirectoryStatusDisabled    = "disabled"
)

// Directory authenticates internal principals.
//
// Authenticate returns one of ErrDirectoryUnavailable, ErrDirectoryEntryNotFound,
// ErrDirectoryInvalidSecret or ErrDirectoryAccountDisabled on failure. Lookup
// resolves an entry without binding as it.
type Directory interface {
	Authenticate(ctx context.Context, username, secret string) (*DirectoryEntry, error)
	Lookup(ctx context.Context, username string) (*DirectoryEntry, error)
	FetchAll(ctx context.Context) ([]DirectoryEntry, error)
	HealthCheck(ctx context.Context) DirectoryHealth
}

// noDirectory is used when no directory server is configured.
type noDirectory struct{}

func (noDirectory) Authenticate(context.Context, string, string) (*DirectoryEntry, error) {
	return nil, ErrDirectoryEntryNotFound
}

func (noDirectory) Lookup(context.Context, string) (*DirectoryEntry, error) {
	return nil, ErrDirectoryEntryNotFound
}

func (noDirectory) FetchAll(context.Context) ([]DirectoryEntry, error) { return nil, nil }

func (noDirectory) HealthCheck(context.Context) DirectoryHealth {
	return DirectoryHealth{Status: DirectoryStatusDisabled}
}
