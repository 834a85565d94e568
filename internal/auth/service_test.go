package auth

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"lostfound.org/authcore/internal/obs"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc   *Service
	store *memStore
	dir   *fakeDirectory
	clock *testClock
}

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	store := newMemStore()
	store.addPermissions(PermManageItems, PermManageClaims)
	store.addRole("finder", "finder", PermManageItems)
	dir := newFakeDirectory()
	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	tokens, err := NewTokenManager(WithHMACSecret("test-secret"), WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	base := []ServiceOption{
		WithDirectory(dir),
		WithClock(clock.Now),
		WithLogger(obs.NewWriterLogger(io.Discard)),
	}
	svc, err := NewService(store, tokens, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{svc: svc, store: store, dir: dir, clock: clock}
}

func (h *harness) external(t *testing.T, id, email, password string) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h.store.addUser(&User{ID: id, Email: email, PasswordHash: hash, Kind: KindExternal, Active: true, RoleID: "finder"})
}

func (h *harness) login(identifier, secret string) (*LoginResult, error) {
	return h.svc.Authenticate(context.Background(), LoginRequest{
		Identifier: identifier,
		Secret:     secret,
		ClientIP:   "198.51.100.7",
		UserAgent:  "test",
	})
}

func TestAuthenticateExternalSuccess(t *testing.T) {
	h := newHarness(t)
	h.external(t, "u1", "alice@ext.test", "correct horse")

	res, err := h.login("  Alice@Ext.test ", "correct horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatalf("expected token pair: %+v", res.Tokens)
	}
	if res.Principal.ID != "u1" || res.Principal.Kind != KindExternal || res.Principal.Role != "finder" {
		t.Fatalf("unexpected principal: %+v", res.Principal)
	}
	u := h.store.user("u1")
	if u.LastLoginAt == nil || !u.LastLoginAt.Equal(h.clock.Now()) {
		t.Fatalf("expected last login stamp, got %v", u.LastLoginAt)
	}
	attempts := h.store.attemptsFor("alice@ext.test")
	if len(attempts) != 1 || attempts[0].Status != AttemptSuccess || attempts[0].UserID != "u1" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestAuthenticateLocksAfterThreshold(t *testing.T) {
	h := newHarness(t)
	h.external(t, "u1", "alice@ext.test", "correct horse")
	start := h.clock.Now()

	for i := 0; i < 5; i++ {
		if _, err := h.login("alice@ext.test", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i+1, err)
		}
	}

	_, err := h.login("alice@ext.test", "correct horse")
	var locked *LockedError
	if !errors.As(err, &locked) || !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if !locked.Until.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("unexpected lock expiry %s", locked.Until)
	}

	u := h.store.user("u1")
	if u.FailedLoginAttempts != 5 {
		t.Fatalf("blocked attempt must not increment counter, got %d", u.FailedLoginAttempts)
	}
	attempts := h.store.attemptsFor("alice@ext.test")
	if len(attempts) != 6 {
		t.Fatalf("expected one attempt row per call, got %d", len(attempts))
	}
	if attempts[5].Status != AttemptBlocked {
		t.Fatalf("expected blocked status, got %s", attempts[5].Status)
	}

	// After expiry the counter persists, so the next failure locks for twice as long.
	h.clock.Advance(31 * time.Minute)
	if _, err := h.login("alice@ext.test", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	u = h.store.user("u1")
	if u.FailedLoginAttempts != 6 || u.LockExpiresAt == nil || !u.LockExpiresAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected escalated lock, got %d %v", u.FailedLoginAttempts, u.LockExpiresAt)
	}

	h.clock.Advance(61 * time.Minute)
	if _, err := h.login("alice@ext.test", "correct horse"); err != nil {
		t.Fatalf("expected success after lock expiry, got %v", err)
	}
	u = h.store.user("u1")
	if u.FailedLoginAttempts != 0 || u.Locked || u.LockExpiresAt != nil {
		t.Fatalf("success must reset lockout state: %+v", u)
	}
}

func TestAuthenticateInternalIgnoresLocalHash(t *testing.T) {
	h := newHarness(t)
	hash, _ := HashPassword("local-pass")
	h.store.addUser(&User{ID: "u2", Email: "bob@campus.test", Username: "bob", PasswordHash: hash, Kind: KindInternal, Active: true})
	h.dir.add(DirectoryEntry{Username: "bob", Email: "bob@campus.test", FullName: "Bob Smith", Groups: []string{"staff"}}, "dir-pass")

	if _, err := h.login("bob", "local-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("internal principal must not verify against local hash, got %v", err)
	}
	res, err := h.login("bob", "dir-pass")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Principal.Kind != KindInternal {
		t.Fatalf("unexpected kind %s", res.Principal.Kind)
	}
	u := h.store.user("u2")
	if u.FullName != "Bob Smith" || u.LastDirectorySyncAt == nil {
		t.Fatalf("expected directory profile refresh: %+v", u)
	}
}

func TestAuthenticateDirectoryUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(&User{ID: "u2", Email: "bob@campus.test", Username: "bob", Kind: KindInternal, Active: true})
	h.dir.down = true

	_, err := h.login("bob", "whatever")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("outage must not look like bad credentials")
	}
	if u := h.store.user("u2"); u.FailedLoginAttempts != 0 {
		t.Fatalf("outage must not count as failure, got %d", u.FailedLoginAttempts)
	}
	attempts := h.store.attemptsFor("bob")
	if len(attempts) != 1 || attempts[0].Status != AttemptFailed || attempts[0].Reason != "directory unavailable" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestAuthenticateProvisionsInternalPrincipal(t *testing.T) {
	h := newHarness(t)
	h.dir.add(DirectoryEntry{Username: "carol", Email: "Carol@Campus.test", FullName: "Carol Jones"}, "dir-pass")

	res, err := h.login("carol", "dir-pass")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Principal.Kind != KindInternal || res.Principal.Email != "carol@campus.test" {
		t.Fatalf("unexpected principal: %+v", res.Principal)
	}
	if res.Principal.Role != "" {
		t.Fatalf("provisioned principal must have no role, got %q", res.Principal.Role)
	}

	// Second login reuses the stored principal.
	again, err := h.login("carol", "dir-pass")
	if err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
	if again.Principal.ID != res.Principal.ID {
		t.Fatalf("expected same principal, got %s and %s", res.Principal.ID, again.Principal.ID)
	}
}

func TestAuthenticateDirectoryAliasHonoursLockout(t *testing.T) {
	h := newHarness(t)
	until := h.clock.Now().Add(30 * time.Minute)
	h.store.addUser(&User{
		ID: "u9", Email: "alice@inst.edu", Username: "alice", Kind: KindInternal, Active: true,
		FailedLoginAttempts: 5, Locked: true, LockExpiresAt: &until,
	})
	h.dir.add(DirectoryEntry{Username: "alice", Email: "alice@inst.edu"}, "dir-pass")
	h.dir.alias("alice@corp.local", "alice")

	if _, err := h.login("alice", "dir-pass"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	calls := h.dir.callCount()
	_, err := h.login("alice@corp.local", "dir-pass")
	var locked *LockedError
	if !errors.As(err, &locked) || !locked.Until.Equal(until) {
		t.Fatalf("alias must hit the same lock, got %v", err)
	}
	if got := h.dir.callCount() - calls; got != 1 {
		t.Fatalf("locked alias must stop after the lookup, got %d directory calls", got)
	}
	if u := h.store.user("u9"); !u.Locked || u.FailedLoginAttempts != 5 {
		t.Fatalf("lock must survive an alias login: %+v", u)
	}
	attempts := h.store.attemptsFor("alice@corp.local")
	if len(attempts) != 1 || attempts[0].Status != AttemptBlocked || attempts[0].UserID != "u9" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	// Once the lock lapses, wrong guesses through the alias count against the principal.
	h.clock.Advance(31 * time.Minute)
	if _, err := h.login("alice@corp.local", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	u := h.store.user("u9")
	if u.FailedLoginAttempts != 6 || !u.Locked {
		t.Fatalf("alias failure must be counted and relock: %+v", u)
	}
	if _, err := h.login("alice@corp.local", "dir-pass"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected relocked principal, got %v", err)
	}

	h.clock.Advance(24 * time.Hour)
	res, err := h.login("alice@corp.local", "dir-pass")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Principal.ID != "u9" || h.store.userCount() != 1 {
		t.Fatalf("alias must resolve to the stored principal: %+v", res.Principal)
	}
	if u := h.store.user("u9"); u.FailedLoginAttempts != 0 || u.Locked {
		t.Fatalf("success must reset lockout state: %+v", u)
	}
}

func TestAuthenticateDirectoryAliasOfExternalPrincipal(t *testing.T) {
	h := newHarness(t)
	h.external(t, "u1", "dave@ext.test", "correct horse")
	h.dir.add(DirectoryEntry{Username: "dave", Email: "dave@ext.test"}, "dir-pass")

	if _, err := h.login("dave", "dir-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if h.store.userCount() != 1 {
		t.Fatalf("directory entry of an external principal must not be provisioned")
	}
	if u := h.store.user("u1"); u.Kind != KindExternal || u.FailedLoginAttempts != 0 {
		t.Fatalf("external principal must be untouched: %+v", u)
	}
}

func TestAuthenticateUnknownIdentifier(t *testing.T) {
	h := newHarness(t)
	_, err := h.login("ghost@ext.test", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	attempts := h.store.attemptsFor("ghost@ext.test")
	if len(attempts) != 1 || attempts[0].UserID != "" || attempts[0].Status != AttemptFailed {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	if _, err := h.login("", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for empty input, got %v", err)
	}
}

func TestAuthenticateDeactivatedPrincipal(t *testing.T) {
	h := newHarness(t)
	u := h.external(t, "u1", "alice@ext.test", "correct horse")
	h.store.mu.Lock()
	h.store.users[u.ID].Active = false
	h.store.mu.Unlock()

	if _, err := h.login("alice@ext.test", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestAuthenticateRateLimit(t *testing.T) {
	h := newHarness(t, WithRateLimitPolicy(RateLimitPolicy{Window: time.Minute, PerIP: 100, PerIdentifier: 3}))

	for i := 0; i < 3; i++ {
		if _, err := h.login("nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
	}
	calls := h.dir.callCount()

	_, err := h.login("nobody", "x")
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != time.Minute {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if h.dir.callCount() != calls {
		t.Fatalf("rate limited attempt must not reach the directory")
	}
	attempts := h.store.attemptsFor("nobody")
	if len(attempts) != 4 || attempts[3].Status != AttemptBlocked {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	h.clock.Advance(61 * time.Second)
	if _, err := h.login("nobody", "x"); errors.Is(err, ErrRateLimited) {
		t.Fatalf("window should have slid past earlier attempts")
	}
}

func TestAuthenticateRateLimitPerIP(t *testing.T) {
	h := newHarness(t, WithRateLimitPolicy(RateLimitPolicy{Window: time.Minute, PerIP: 2, PerIdentifier: 100}))
	h.login("a@ext.test", "x")
	h.login("b@ext.test", "x")
	if _, err := h.login("c@ext.test", "x"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected address ceiling to apply across identifiers, got %v", err)
	}
}

func TestAuthenticateUnrecordedAttemptFails(t *testing.T) {
	h := newHarness(t)
	h.external(t, "u1", "alice@ext.test", "correct horse")
	earlier, err := h.login("alice@ext.test", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	h.store.recordErr = errStoreDown

	if _, err := h.login("alice@ext.test", "correct horse"); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	active := h.store.activeSessions("u1")
	if len(active) != 1 || active[0].TokenHash != hashToken(earlier.Tokens.RefreshToken) {
		t.Fatalf("only the unrecorded session may be revoked, got %+v", active)
	}
	if _, err := h.svc.Refresh(context.Background(), earlier.Tokens.RefreshToken); err != nil {
		t.Fatalf("earlier session must stay usable: %v", err)
	}
}

func TestSessionCapEvictsOldest(t *testing.T) {
	h := newHarness(t, WithSessionLimits(2, 0))
	h.external(t, "u1", "alice@ext.test", "correct horse")

	var first *LoginResult
	for i := 0; i < 3; i++ {
		res, err := h.login("alice@ext.test", "correct horse")
		if err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
		if i == 0 {
			first = res
		}
		h.clock.Advance(time.Second)
	}
	if n := len(h.store.activeSessions("u1")); n != 2 {
		t.Fatalf("expected 2 active sessions, got %d", n)
	}
	if _, err := h.svc.Refresh(context.Background(), first.Tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("oldest session should be evicted, got %v", err)
	}
}

func TestRefreshLogoutAndExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.external(t, "u1", "alice@ext.test", "correct horse")
	res, err := h.login("alice@ext.test", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	opened := h.store.sessionByToken(res.Tokens.RefreshToken)
	if !opened.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected session activity stamp %s", opened.UpdatedAt)
	}

	h.clock.Advance(20 * time.Minute)
	pair, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	touched := h.store.sessionByToken(res.Tokens.RefreshToken)
	if !touched.UpdatedAt.Equal(h.clock.Now()) || !touched.UpdatedAt.After(opened.UpdatedAt) {
		t.Fatalf("refresh must advance session activity: opened=%s touched=%s", opened.UpdatedAt, touched.UpdatedAt)
	}
	if !touched.ExpiresAt.Equal(opened.ExpiresAt) {
		t.Fatalf("refresh must not extend the session: %s != %s", touched.ExpiresAt, opened.ExpiresAt)
	}
	if pair.RefreshToken != res.Tokens.RefreshToken {
		t.Fatalf("refresh token must not rotate")
	}
	if pair.AccessToken == res.Tokens.AccessToken || !pair.AccessExpiresAt.Equal(h.clock.Now().Add(15*time.Minute)) {
		t.Fatalf("expected fresh access token: %+v", pair)
	}
	if _, err := h.svc.Refresh(ctx, "unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	if err := h.svc.Logout(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token after logout, got %v", err)
	}
	if err := h.svc.Logout(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout must be idempotent: %v", err)
	}

	res, _ = h.login("alice@ext.test", "correct horse")
	h.clock.Advance(8 * 24 * time.Hour)
	if _, err := h.svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestLoginDeactivatesExpiredSessionsBeforeCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithSessionLimits(2, 0))
	h.external(t, "u1", "alice@ext.test", "correct horse")

	first, err := h.login("alice@ext.test", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	h.clock.Advance(time.Second)

	// A newer row that has already expired; were it still counted, the cap
	// would evict the first session instead.
	stale := &Session{
		ID:        "stale",
		UserID:    "u1",
		TokenHash: hashToken("stale-token"),
		Active:    true,
		ExpiresAt: h.clock.Now().Add(-time.Second),
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}
	if err := h.store.Sessions().Create(ctx, stale); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h.clock.Advance(time.Second)

	if _, err := h.login("alice@ext.test", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if got := h.store.sessionByToken("stale-token"); got.Active || !got.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("expired session must be deactivated by login: %+v", got)
	}
	if n := len(h.store.activeSessions("u1")); n != 2 {
		t.Fatalf("expected 2 active sessions, got %d", n)
	}
	if _, err := h.svc.Refresh(ctx, first.Tokens.RefreshToken); err != nil {
		t.Fatalf("live session must not be evicted: %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t)
	h.external(t, "u1", "alice@ext.test", "correct horse")
	h.login("alice@ext.test", "correct horse")
	h.login("alice@ext.test", "correct horse")

	if err := h.svc.LogoutAll(context.Background(), "u1"); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n := len(h.store.activeSessions("u1")); n != 0 {
		t.Fatalf("expected no active sessions, got %d", n)
	}
}

func TestAuthenticateToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.external(t, "u1", "alice@ext.test", "correct horse")
	res, err := h.login("alice@ext.test", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	p, err := h.svc.AuthenticateToken(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("authenticate token: %v", err)
	}
	if p.User.ID != "u1" || !p.HasPermission(PermManageItems) {
		t.Fatalf("unexpected principal: %+v", p.Info())
	}

	h.store.mu.Lock()
	h.store.users["u1"].Active = false
	h.store.mu.Unlock()
	if _, err := h.svc.AuthenticateToken(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrTokenSubject) {
		t.Fatalf("expected inactive subject rejection, got %v", err)
	}

	h.clock.Advance(16 * time.Minute)
	if _, err := h.svc.AuthenticateToken(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestEnsureBuiltins(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("ensure builtins: %v", err)
	}
	perms, _ := h.store.Permissions().List(context.Background())
	if len(perms) != len(BuiltinPermissions) {
		t.Fatalf("expected %d permissions, got %d", len(BuiltinPermissions), len(perms))
	}
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	h := newHarness(t)
	// bcrypt hash below the default cost stands in for any outdated hash.
	weak, err := bcryptHashAtCost("correct horse", 4)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h.store.addUser(&User{ID: "u1", Email: "alice@ext.test", PasswordHash: weak, Kind: KindExternal, Active: true})
	if _, err := h.login("alice@ext.test", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if u := h.store.user("u1"); u.PasswordHash == weak || needsRehash(u.PasswordHash) {
		t.Fatalf("expected hash upgrade")
	}
}
