package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu           sync.Mutex
	users        map[string]*User
	roles        map[string]*Role
	permissions  map[string]Permission
	rolePerms    map[string][]string
	branches     map[string][]string
	attempts     []LoginAttempt
	sessions     map[string]*Session
	resets       map[string]*PasswordResetToken
	recordErr    error
	sessionOrder []string
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*User{},
		roles:       map[string]*Role{},
		permissions: map[string]Permission{},
		rolePerms:   map[string][]string{},
		branches:    map[string][]string{},
		sessions:    map[string]*Session{},
		resets:      map[string]*PasswordResetToken{},
	}
}

func (m *memStore) Users() UserStore               { return memUsers{m} }
func (m *memStore) Roles() RoleStore               { return memRoles{m} }
func (m *memStore) Permissions() PermissionStore   { return memPermissions{m} }
func (m *memStore) BranchGrants() BranchGrantStore { return memBranches{m} }
func (m *memStore) Attempts() AttemptStore         { return memAttempts{m} }
func (m *memStore) Sessions() SessionStore         { return memSessions{m} }
func (m *memStore) ResetTokens() ResetTokenStore   { return memResets{m} }

func (m *memStore) addUser(u *User) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return u
}

func (m *memStore) user(id string) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *memStore) addRole(id, name string, permKeys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[id] = &Role{ID: id, Name: name}
	m.rolePerms[id] = permKeys
}

func (m *memStore) addPermissions(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.permissions[k] = Permission{ID: "perm-" + k, Key: k}
	}
}

func (m *memStore) attemptsFor(identifier string) []LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LoginAttempt
	for _, a := range m.attempts {
		if a.Identifier == identifier {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) activeSessions(userID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, id := range m.sessionOrder {
		s := m.sessions[id]
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	return out
}

func (m *memStore) sessionByToken(refreshToken string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := hashToken(refreshToken)
	for _, s := range m.sessions {
		if s.TokenHash == hash {
			return *s
		}
	}
	return Session{}
}

func (m *memStore) userCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

type memUsers struct{ m *memStore }

func (s memUsers) Find(_ context.Context, id string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s memUsers) FindByIdentifier(_ context.Context, identifier string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	identifier = normalizeIdentifier(identifier)
	for _, u := range s.m.users {
		if normalizeIdentifier(u.Email) == identifier || (u.Username != "" && normalizeIdentifier(u.Username) == identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) Create(_ context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.users {
		if existing.Email == u.Email || (u.Username != "" && existing.Username == u.Username) {
			return ErrConflict
		}
	}
	cp := *u
	s.m.users[u.ID] = &cp
	return nil
}

func (s memUsers) UpdateProfile(_ context.Context, id string, upd ProfileUpdate) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Email != "" {
		u.Email = upd.Email
	}
	u.FullName = upd.FullName
	u.Phone = upd.Phone
	u.DirectoryGroups = upd.Groups
	at := upd.SyncedAt
	u.LastDirectorySyncAt = &at
	return nil
}

func (s memUsers) RecordFailure(_ context.Context, id string, at time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.FailedLoginAttempts++
	u.UpdatedAt = at
	return u.FailedLoginAttempts, nil
}

func (s memUsers) Lock(_ context.Context, id string, until time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Locked = true
	if u.LockExpiresAt == nil || until.After(*u.LockExpiresAt) {
		u.LockExpiresAt = &until
	}
	return nil
}

func (s memUsers) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.Locked = false
	u.LockExpiresAt = nil
	u.LastLoginAt = &at
	return nil
}

func (s memUsers) ClearLockout(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.Locked = false
	u.LockExpiresAt = nil
	u.UpdatedAt = at
	return nil
}

func (s memUsers) SetPassword(_ context.Context, id, hash string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	return nil
}

func (s memUsers) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	u.UpdatedAt = at
	return nil
}

type memRoles struct{ m *memStore }

func (s memRoles) Find(_ context.Context, id string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

type memPermissions struct{ m *memStore }

func (s memPermissions) Ensure(_ context.Context, perms []Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.m.permissions[p.Key]; !ok {
			p.ID = "perm-" + p.Key
			s.m.permissions[p.Key] = p
		}
	}
	return nil
}

func (s memPermissions) List(context.Context) ([]Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Permission, 0, len(s.m.permissions))
	for _, p := range s.m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s memPermissions) ForRole(_ context.Context, roleID string) ([]Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []Permission
	for _, k := range s.m.rolePerms[roleID] {
		if p, ok := s.m.permissions[k]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type memBranches struct{ m *memStore }

func (s memBranches) BranchesManagedBy(_ context.Context, userID string) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]string(nil), s.m.branches[userID]...), nil
}

type memAttempts struct{ m *memStore }

func (s memAttempts) Record(_ context.Context, a *LoginAttempt) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.recordErr != nil {
		return s.m.recordErr
	}
	s.m.attempts = append(s.m.attempts, *a)
	return nil
}

func (s memAttempts) CountByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for _, a := range s.m.attempts {
		if a.IPAddress == ip && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s memAttempts) CountByIdentifier(_ context.Context, identifier string, since time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for _, a := range s.m.attempts {
		if a.Identifier == identifier && !a.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type memSessions struct{ m *memStore }

func (s memSessions) Create(_ context.Context, sess *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *sess
	s.m.sessions[sess.ID] = &cp
	s.m.sessionOrder = append(s.m.sessionOrder, sess.ID)
	return nil
}

func (s memSessions) FindByTokenHash(_ context.Context, hash string) (*Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, sess := range s.m.sessions {
		if sess.TokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memSessions) Touch(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.UpdatedAt = at
	return nil
}

func (s memSessions) Deactivate(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Active = false
	sess.UpdatedAt = at
	return nil
}

func (s memSessions) DeactivateAll(_ context.Context, userID string, at time.Time) (int64, error) {
	return s.deactivateWhere(at, func(sess *Session) bool { return sess.UserID == userID }), nil
}

func (s memSessions) DeactivateExpired(_ context.Context, userID string, now time.Time) (int64, error) {
	return s.deactivateWhere(now, func(sess *Session) bool {
		return sess.UserID == userID && !now.Before(sess.ExpiresAt)
	}), nil
}

func (s memSessions) EvictOldest(_ context.Context, userID string, keep int, at time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var active []*Session
	for _, id := range s.m.sessionOrder {
		sess := s.m.sessions[id]
		if sess.UserID == userID && sess.Active {
			active = append(active, sess)
		}
	}
	var n int64
	for i := 0; i < len(active)-keep; i++ {
		active[i].Active = false
		active[i].UpdatedAt = at
		n++
	}
	return n, nil
}

func (s memSessions) deactivateWhere(at time.Time, match func(*Session) bool) int64 {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for _, sess := range s.m.sessions {
		if sess.Active && match(sess) {
			sess.Active = false
			sess.UpdatedAt = at
			n++
		}
	}
	return n
}

type memResets struct{ m *memStore }

func (s memResets) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for _, t := range s.m.resets {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s memResets) InvalidateOutstanding(_ context.Context, userID string, now time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, t := range s.m.resets {
		if t.UserID == userID && !t.Used {
			t.Used = true
			at := now
			t.UsedAt = &at
		}
	}
	return nil
}

func (s memResets) Create(_ context.Context, t *PasswordResetToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *t
	s.m.resets[t.ID] = &cp
	return nil
}

func (s memResets) FindByTokenHash(_ context.Context, hash string) (*PasswordResetToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, t := range s.m.resets {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memResets) Consume(_ context.Context, tokenID, userID, hash string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.resets[tokenID]
	if !ok || t.Used {
		return ErrInvalidResetToken
	}
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	t.Used = true
	t.UsedAt = &at
	u.PasswordHash = hash
	return nil
}

// fakeDirectory is a scripted Directory.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]DirectoryEntry
	secrets map[string]string
	aliases map[string]string
	down    bool
	calls   int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: map[string]DirectoryEntry{}, secrets: map[string]string{}, aliases: map[string]string{}}
}

// alias makes name resolve to the entry stored under username.
func (d *fakeDirectory) alias(name, username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[name] = username
}

func (d *fakeDirectory) find(username string) (string, DirectoryEntry, bool) {
	if key, ok := d.aliases[username]; ok {
		e, found := d.entries[key]
		return key, e, found
	}
	for key, e := range d.entries {
		if key == username || normalizeIdentifier(e.Email) == normalizeIdentifier(username) {
			return key, e, true
		}
	}
	return "", DirectoryEntry{}, false
}

func (d *fakeDirectory) add(e DirectoryEntry, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.Username] = e
	d.secrets[e.Username] = secret
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDirectory) Authenticate(_ context.Context, username, secret string) (*DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.down {
		return nil, ErrDirectoryUnavailable
	}
	key, e, ok := d.find(username)
	if !ok {
		return nil, ErrDirectoryEntryNotFound
	}
	if e.Disabled {
		return nil, ErrDirectoryAccountDisabled
	}
	if d.secrets[key] != secret {
		return nil, ErrDirectoryInvalidSecret
	}
	return &e, nil
}

func (d *fakeDirectory) Lookup(_ context.Context, username string) (*DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.down {
		return nil, ErrDirectoryUnavailable
	}
	_, e, ok := d.find(username)
	if !ok {
		return nil, ErrDirectoryEntryNotFound
	}
	return &e, nil
}

func (d *fakeDirectory) FetchAll(context.Context) ([]DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, ErrDirectoryUnavailable
	}
	out := make([]DirectoryEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (d *fakeDirectory) HealthCheck(context.Context) DirectoryHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return DirectoryHealth{Status: DirectoryStatusUnavailable}
	}
	return DirectoryHealth{Status: DirectoryStatusOK}
}

var errStoreDown = errors.New("store down")
