package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lostfound.org/authcore/internal/audit"
	"lostfound.org/authcore/internal/config"
	"lostfound.org/authcore/internal/ids"
	"lostfound.org/authcore/internal/obs"
)

// Service orchestrates authentication, sessions, password reset and directory sync.
type Service struct {
	store     Store
	directory Directory
	tokens    *TokenManager
	sessions  *SessionManager
	resolver  *Resolver
	lockout   LockoutPolicy
	rateLimit RateLimitPolicy
	reset     ResetPolicy
	notifier  ResetNotifier

	minPasswordLength int
	internalDomains   []string

	now    func() time.Time
	logger *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithDirectory sets the directory used to verify internal principals.
func WithDirectory(d Directory) ServiceOption {
	return func(s *Service) error {
		if d != nil {
			s.directory = d
		}
		return nil
	}
}

// WithLockoutPolicy overrides the lockout thresholds.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Threshold <= 0 || p.Base <= 0 {
			return errors.New("auth: lockout threshold and base must be positive")
		}
		s.lockout = p
		return nil
	}
}

// WithRateLimitPolicy overrides the sliding window limits.
func WithRateLimitPolicy(p RateLimitPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Window <= 0 {
			return errors.New("auth: rate limit window must be positive")
		}
		s.rateLimit = p
		return nil
	}
}

// WithSessionLimits configures refresh token lifetime and the per-principal session cap.
func WithSessionLimits(maxSessions int, refreshTTL time.Duration) ServiceOption {
	return func(s *Service) error {
		if maxSessions > 0 {
			s.sessions.maxSessions = maxSessions
		}
		if refreshTTL > 0 {
			s.sessions.refreshTTL = refreshTTL
		}
		return nil
	}
}

// WithResetPolicy overrides reset token lifetime and hourly request cap.
func WithResetPolicy(p ResetPolicy) ServiceOption {
	return func(s *Service) error {
		if p.TTL > 0 {
			s.reset.TTL = p.TTL
		}
		if p.PerHour > 0 {
			s.reset.PerHour = p.PerHour
		}
		return nil
	}
}

// WithResetNotifier sets the out-of-band channel for reset tokens.
func WithResetNotifier(n ResetNotifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithMinPasswordLength overrides the local password length policy.
func WithMinPasswordLength(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.minPasswordLength = n
		}
		return nil
	}
}

// WithInternalDomains lists email domains that may not self-register.
func WithInternalDomains(domains ...string) ServiceOption {
	return func(s *Service) error {
		for _, d := range domains {
			if d = normalizeIdentifier(strings.TrimPrefix(d, "@")); d != "" {
				s.internalDomains = append(s.internalDomains, d)
			}
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
			s.sessions.now = fn
		}
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// SecurityOptions translates the loaded security configuration into options.
func SecurityOptions(sec config.SecurityConfig, tokens config.TokenConfig) []ServiceOption {
	return []ServiceOption{
		WithLockoutPolicy(LockoutPolicy{
			Threshold: sec.MaxLoginAttempts,
			Base:      sec.LockoutBase,
			Growth:    sec.LockoutGrowthFactor,
			Max:       sec.LockoutMax,
		}),
		WithRateLimitPolicy(RateLimitPolicy{
			Window:        sec.RateLimitWindow,
			PerIP:         sec.RateLimitPerIP,
			PerIdentifier: sec.RateLimitPerIdentifier,
		}),
		WithSessionLimits(sec.MaxSessionsPerUser, tokens.RefreshTTL),
		WithResetPolicy(ResetPolicy{TTL: sec.PasswordResetTTL, PerHour: sec.PasswordResetPerHour}),
		WithMinPasswordLength(sec.MinPasswordLength),
		WithInternalDomains(sec.InternalEmailDomains...),
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenManager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token manager is required")
	}
	svc := &Service{
		store:             store,
		directory:         noDirectory{},
		tokens:            tokens,
		sessions:          newSessionManager(store, tokens),
		resolver:          NewResolver(store),
		lockout:           DefaultLockoutPolicy(),
		rateLimit:         DefaultRateLimitPolicy(),
		reset:             DefaultResetPolicy(),
		minPasswordLength: defaultMinPasswordLength,
		now:               time.Now,
		logger:            obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.notifier == nil {
		svc.notifier = LogNotifier{Logger: svc.logger}
	}
	svc.logger = svc.logger.With("component", "auth")
	svc.sessions.logger = svc.logger
	svc.resolver.logger = svc.logger
	return svc, nil
}

// Resolver exposes the authorization resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// DirectoryHealth reports directory reachability.
func (s *Service) DirectoryHealth(ctx context.Context) DirectoryHealth {
	return s.directory.HealthCheck(ctx)
}

// EnsureBuiltins seeds the built-in permission catalogue.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Permissions().Ensure(ctx, BuiltinPermissions)
}

// LoginRequest carries one credential presentation.
type LoginRequest struct {
	Identifier string
	Secret     string
	ClientIP   string
	UserAgent  string
}

// LoginResult is returned by a successful Authenticate.
type LoginResult struct {
	Tokens    TokenPair
	Principal PrincipalInfo

	sessionID string
}

// Authenticate verifies credentials and opens a session.
//
// Exactly one login attempt is recorded per call. Callers see ErrInvalidCredentials,
// a *RateLimitError, a *LockedError or ErrServiceUnavailable; the detailed cause
// is only kept in the attempt reason and the logs.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	now := s.now().UTC()
	identifier := normalizeIdentifier(req.Identifier)
	attempt := &LoginAttempt{
		ID:          ids.New(),
		Identifier:  identifier,
		IPAddress:   req.ClientIP,
		UserAgent:   req.UserAgent,
		AttemptedAt: now,
	}

	res, err := s.authenticate(ctx, req, identifier, attempt, now)

	if recErr := s.store.Attempts().Record(ctx, attempt); recErr != nil {
		s.logger.Error("record login attempt", "identifier", identifier, "error", recErr)
		if res != nil {
			if err := s.sessions.Revoke(ctx, res.sessionID, "attempt_unrecorded"); err != nil {
				s.logger.Error("revoke unrecorded session", "user_id", attempt.UserID, "session_id", res.sessionID, "error", err)
			}
		}
		return nil, unavailable(recErr)
	}

	kind := "unknown"
	if res != nil {
		kind = string(res.Principal.Kind)
	}
	obs.ObserveLogin(kind, string(attempt.Status))
	s.logger.Info("login attempt",
		"identifier", identifier,
		"user_id", attempt.UserID,
		"client_ip", req.ClientIP,
		"status", attempt.Status,
		"reason", attempt.Reason,
	)
	return res, err
}

func (s *Service) authenticate(ctx context.Context, req LoginRequest, identifier string, attempt *LoginAttempt, now time.Time) (*LoginResult, error) {
	if identifier == "" || req.Secret == "" {
		attempt.fail("empty identifier or secret")
		return nil, ErrInvalidCredentials
	}

	if err := s.checkRateLimit(ctx, req.ClientIP, identifier, now); err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			attempt.block("rate limited")
		} else {
			attempt.fail("rate limit lookup: " + err.Error())
		}
		return nil, err
	}

	user, err := s.store.Users().FindByIdentifier(ctx, identifier)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.authenticateUnknown(ctx, req, identifier, attempt, now)
	case err != nil:
		attempt.fail("user lookup: " + err.Error())
		return nil, unavailable(err)
	}
	return s.authenticateUser(ctx, user, req, attempt, now)
}

// authenticateUser runs the lock, credential and activity checks for a known principal.
func (s *Service) authenticateUser(ctx context.Context, user *User, req LoginRequest, attempt *LoginAttempt, now time.Time) (*LoginResult, error) {
	attempt.UserID = user.ID

	if until, locked := user.LockedUntil(now); locked {
		attempt.block("account locked")
		return nil, &LockedError{Until: until}
	}

	entry, err := s.verify(ctx, user, req.Secret)
	if err != nil {
		if errors.Is(err, ErrDirectoryUnavailable) {
			attempt.fail("directory unavailable")
			return nil, unavailable(err)
		}
		return nil, s.registerFailure(ctx, user, attempt, err.Error(), now)
	}
	if !user.Active {
		return nil, s.registerFailure(ctx, user, attempt, "account deactivated", now)
	}
	return s.complete(ctx, user, entry, req, attempt, now)
}

// verify dispatches on the principal kind. Internal principals are only ever checked
// against the directory; their stored hash is never consulted.
func (s *Service) verify(ctx context.Context, u *User, secret string) (*DirectoryEntry, error) {
	switch u.Kind {
	case KindInternal:
		login := u.Username
		if login == "" {
			login = u.Email
		}
		return s.directory.Authenticate(ctx, login, secret)
	case KindExternal:
		if err := VerifyPassword(u.PasswordHash, secret); err != nil {
			return nil, errors.New("password mismatch")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown principal kind %q", u.Kind)
	}
}

// authenticateUnknown handles identifiers with no local match. The directory may
// still resolve them to an entry that belongs to a stored principal under its
// email or username; that principal's lock and failure counter then apply.
func (s *Service) authenticateUnknown(ctx context.Context, req LoginRequest, identifier string, attempt *LoginAttempt, now time.Time) (*LoginResult, error) {
	entry, err := s.directory.Lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrDirectoryUnavailable) {
			attempt.fail("directory unavailable")
			return nil, unavailable(err)
		}
		attempt.fail("unknown identifier: " + err.Error())
		return nil, ErrInvalidCredentials
	}

	linked, err := s.linkedPrincipal(ctx, entry)
	if err != nil {
		attempt.fail("user lookup: " + err.Error())
		return nil, unavailable(err)
	}
	if linked == nil {
		return s.provisionInternal(ctx, req, identifier, attempt, now)
	}
	if linked.Kind != KindInternal {
		attempt.UserID = linked.ID
		attempt.fail("directory entry maps to external principal")
		return nil, ErrInvalidCredentials
	}
	return s.authenticateUser(ctx, linked, req, attempt, now)
}

// linkedPrincipal finds the stored principal a directory entry belongs to, if any.
func (s *Service) linkedPrincipal(ctx context.Context, entry *DirectoryEntry) (*User, error) {
	for _, key := range []string{normalizeIdentifier(entry.Email), normalizeIdentifier(entry.Username)} {
		if key == "" {
			continue
		}
		u, err := s.store.Users().FindByIdentifier(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	return nil, nil
}

// provisionInternal handles directory entries with no local principal: a successful
// directory authentication creates an internal principal on the fly.
func (s *Service) provisionInternal(ctx context.Context, req LoginRequest, identifier string, attempt *LoginAttempt, now time.Time) (*LoginResult, error) {
	entry, err := s.directory.Authenticate(ctx, identifier, req.Secret)
	if err != nil {
		if errors.Is(err, ErrDirectoryUnavailable) {
			attempt.fail("directory unavailable")
			return nil, unavailable(err)
		}
		attempt.fail("unknown identifier: " + err.Error())
		return nil, ErrInvalidCredentials
	}

	email := normalizeIdentifier(entry.Email)
	if email == "" && strings.Contains(identifier, "@") {
		email = identifier
	}
	if email == "" {
		attempt.fail("directory entry has no mail attribute")
		return nil, ErrInvalidCredentials
	}

	user := &User{
		ID:                  ids.New(),
		Email:               email,
		Username:            normalizeIdentifier(entry.Username),
		FullName:            entry.FullName,
		Phone:               entry.Phone,
		Kind:                KindInternal,
		Active:              true,
		DirectoryGroups:     entry.Groups,
		LastDirectorySyncAt: &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = s.store.Users().Create(ctx, user)
	if errors.Is(err, ErrConflict) {
		// A concurrent login may have provisioned the same principal.
		existing, findErr := s.store.Users().FindByIdentifier(ctx, email)
		if findErr != nil || existing.Kind != KindInternal {
			attempt.fail("provisioning conflict")
			return nil, ErrInvalidCredentials
		}
		if until, locked := existing.LockedUntil(now); locked {
			attempt.UserID = existing.ID
			attempt.block("account locked")
			return nil, &LockedError{Until: until}
		}
		user = existing
	} else if err != nil {
		attempt.fail("provision principal: " + err.Error())
		return nil, unavailable(err)
	} else {
		_ = audit.LogEvent(ctx, "auth.principal.provisioned", map[string]any{
			"user_id": user.ID,
			"email":   user.Email,
		})
	}
	attempt.UserID = user.ID
	if !user.Active {
		return nil, s.registerFailure(ctx, user, attempt, "account deactivated", now)
	}
	return s.complete(ctx, user, entry, req, attempt, now)
}

// registerFailure increments the counter and locks the principal once it crosses the threshold.
func (s *Service) registerFailure(ctx context.Context, u *User, attempt *LoginAttempt, reason string, now time.Time) error {
	attempt.fail(reason)
	failures, err := s.store.Users().RecordFailure(ctx, u.ID, now)
	if err != nil {
		s.logger.Error("record failed attempt", "user_id", u.ID, "error", err)
		return unavailable(err)
	}
	if until, lock := s.lockout.LockUntil(failures, now); lock {
		if err := s.store.Users().Lock(ctx, u.ID, until); err != nil {
			s.logger.Error("lock principal", "user_id", u.ID, "error", err)
			return unavailable(err)
		}
		obs.ObserveLock()
		s.logger.Warn("principal locked", "user_id", u.ID, "failures", failures, "until", until)
		_ = audit.LogEvent(ctx, "auth.principal.locked", map[string]any{
			"user_id":  u.ID,
			"failures": failures,
			"until":    until.Format(time.RFC3339),
		})
	}
	return ErrInvalidCredentials
}

func (s *Service) complete(ctx context.Context, u *User, entry *DirectoryEntry, req LoginRequest, attempt *LoginAttempt, now time.Time) (*LoginResult, error) {
	users := s.store.Users()
	if entry != nil {
		upd := ProfileUpdate{
			Email:    normalizeIdentifier(entry.Email),
			FullName: entry.FullName,
			Phone:    entry.Phone,
			Groups:   entry.Groups,
			SyncedAt: now,
		}
		if err := users.UpdateProfile(ctx, u.ID, upd); err != nil {
			s.logger.Warn("refresh directory profile", "user_id", u.ID, "error", err)
		}
	}
	if u.Kind == KindExternal && needsRehash(u.PasswordHash) {
		if hash, err := HashPassword(req.Secret); err == nil {
			if err := users.SetPassword(ctx, u.ID, hash, now); err != nil {
				s.logger.Warn("upgrade password hash", "user_id", u.ID, "error", err)
			}
		}
	}
	if err := users.RecordSuccess(ctx, u.ID, now); err != nil {
		attempt.fail("reset failure counter: " + err.Error())
		return nil, unavailable(err)
	}
	u.FailedLoginAttempts = 0
	u.Locked = false
	u.LockExpiresAt = nil
	u.LastLoginAt = &now

	grants, err := s.resolver.Resolve(ctx, u)
	if err != nil {
		attempt.fail("resolve grants: " + err.Error())
		return nil, unavailable(err)
	}
	pair, sessionID, err := s.sessions.Open(ctx, u, grants.Role(), req.ClientIP, req.UserAgent)
	if err != nil {
		attempt.fail("open session: " + err.Error())
		return nil, unavailable(err)
	}
	attempt.succeed()
	return &LoginResult{Tokens: pair, Principal: Principal{User: u, Grants: grants}.Info(), sessionID: sessionID}, nil
}

func (s *Service) checkRateLimit(ctx context.Context, ip, identifier string, now time.Time) error {
	since := now.Add(-s.rateLimit.Window)
	var ipCount int
	if ip != "" {
		n, err := s.store.Attempts().CountByIP(ctx, ip, since)
		if err != nil {
			return unavailable(err)
		}
		ipCount = n
	}
	idCount, err := s.store.Attempts().CountByIdentifier(ctx, identifier, since)
	if err != nil {
		return unavailable(err)
	}
	if s.rateLimit.Exceeded(ipCount, idCount) {
		return &RateLimitError{RetryAfter: s.rateLimit.Window}
	}
	return nil
}

// Refresh issues a new access token for a live session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, u, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		s.logger.Debug("refresh rejected", "error", err)
		return TokenPair{}, err
	}
	s.logger.Debug("access token refreshed", "user_id", u.ID)
	return pair, nil
}

// Logout ends the session behind refreshToken.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.Logout(ctx, refreshToken)
}

// LogoutAll ends every session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	n, err := s.sessions.LogoutAll(ctx, userID, "logout_all")
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.sessions.revoked", map[string]any{"user_id": userID, "count": n})
	return nil
}

// AuthenticateToken verifies a bearer access token and resolves the caller.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		s.logger.Debug("access token rejected", "error", err)
		return Principal{}, err
	}
	u, err := s.store.Users().Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrTokenSubject
	}
	if err != nil {
		return Principal{}, unavailable(err)
	}
	if !u.Active {
		return Principal{}, ErrTokenSubject
	}
	grants, err := s.resolver.Resolve(ctx, u)
	if err != nil {
		return Principal{}, unavailable(err)
	}
	return Principal{User: u, Grants: grants}, nil
}
