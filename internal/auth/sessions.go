package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lostfound.org/authcore/internal/ids"
	"lostfound.org/authcore/internal/obs"
)

const defaultMaxSessions = 5

// SessionManager owns refresh-token sessions and access token issuance.
type SessionManager struct {
	sessions    SessionStore
	users       UserStore
	roles       RoleStore
	tokens      *TokenManager
	refreshTTL  time.Duration
	maxSessions int
	now         func() time.Time
	logger      *slog.Logger
}

func newSessionManager(store Store, tokens *TokenManager) *SessionManager {
	return &SessionManager{
		sessions:    store.Sessions(),
		users:       store.Users(),
		roles:       store.Roles(),
		tokens:      tokens,
		refreshTTL:  defaultRefreshTTL,
		maxSessions: defaultMaxSessions,
		now:         time.Now,
		logger:      obs.Logger(),
	}
}

// Open prunes expired sessions, creates a new one and evicts the oldest beyond the cap.
// It returns the tokens and the id of the new session.
func (m *SessionManager) Open(ctx context.Context, u *User, role *Role, ip, userAgent string) (TokenPair, string, error) {
	if _, err := m.Prune(ctx, u.ID); err != nil {
		return TokenPair{}, "", err
	}
	now := m.now().UTC()

	access, accessExp, err := m.tokens.Issue(u, role)
	if err != nil {
		return TokenPair{}, "", err
	}
	refresh, err := ids.Secret(32)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("generate refresh token: %w", err)
	}
	sess := &Session{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hashToken(refresh),
		IPAddress: ip,
		UserAgent: userAgent,
		Active:    true,
		ExpiresAt: now.Add(m.refreshTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return TokenPair{}, "", fmt.Errorf("create session: %w", err)
	}

	if m.maxSessions > 0 {
		n, err := m.sessions.EvictOldest(ctx, u.ID, m.maxSessions, now)
		if err != nil {
			return TokenPair{}, "", fmt.Errorf("evict sessions: %w", err)
		}
		if n > 0 {
			obs.ObserveSessionsDeactivated("evicted", n)
			m.logger.Info("evicted sessions over cap", "user_id", u.ID, "count", n, "max_sessions", m.maxSessions)
		}
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, sess.ID, nil
}

// Prune deactivates the expired sessions of userID.
func (m *SessionManager) Prune(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.DeactivateExpired(ctx, userID, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("prune expired sessions: %w", err)
	}
	if n > 0 {
		obs.ObserveSessionsDeactivated("expired", n)
	}
	return n, nil
}

// Refresh issues a new access token for an active, unexpired session.
// The refresh token itself is never rotated.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (TokenPair, *User, error) {
	sess, err := m.lookup(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	u, err := m.users.Find(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, nil, ErrTokenSubject
	}
	if err != nil {
		return TokenPair{}, nil, unavailable(err)
	}
	if !u.Active {
		return TokenPair{}, nil, ErrTokenSubject
	}
	role, err := findRole(ctx, m.roles, u.RoleID)
	if err != nil {
		return TokenPair{}, nil, unavailable(err)
	}
	access, accessExp, err := m.tokens.Issue(u, role)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := m.sessions.Touch(ctx, sess.ID, m.now().UTC()); err != nil {
		return TokenPair{}, nil, unavailable(err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, u, nil
}

// Logout deactivates the session behind refreshToken. Unknown or inactive tokens are ignored.
func (m *SessionManager) Logout(ctx context.Context, refreshToken string) error {
	sess, err := m.lookup(ctx, refreshToken)
	if errors.Is(err, ErrInvalidToken) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.sessions.Deactivate(ctx, sess.ID, m.now().UTC()); err != nil {
		return unavailable(err)
	}
	obs.ObserveSessionsDeactivated("logout", 1)
	return nil
}

// Revoke deactivates one session by id.
func (m *SessionManager) Revoke(ctx context.Context, sessionID, reason string) error {
	if err := m.sessions.Deactivate(ctx, sessionID, m.now().UTC()); err != nil {
		return unavailable(err)
	}
	obs.ObserveSessionsDeactivated(reason, 1)
	return nil
}

// LogoutAll deactivates every active session of userID.
func (m *SessionManager) LogoutAll(ctx context.Context, userID, reason string) (int64, error) {
	n, err := m.sessions.DeactivateAll(ctx, userID, m.now().UTC())
	if err != nil {
		return 0, unavailable(err)
	}
	if n > 0 {
		obs.ObserveSessionsDeactivated(reason, n)
	}
	return n, nil
}

func (m *SessionManager) lookup(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, ErrTokenMalformed
	}
	sess, err := m.sessions.FindByTokenHash(ctx, hashToken(refreshToken))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if !sess.Active {
		return nil, ErrInvalidToken
	}
	now := m.now().UTC()
	if !now.Before(sess.ExpiresAt) {
		if err := m.sessions.Deactivate(ctx, sess.ID, now); err != nil {
			m.logger.Warn("deactivate expired session", "session_id", sess.ID, "error", err)
		} else {
			obs.ObserveSessionsDeactivated("expired", 1)
		}
		return nil, ErrTokenExpired
	}
	return sess, nil
}

func findRole(ctx context.Context, roles RoleStore, roleID string) (*Role, error) {
	if roleID == "" {
		return nil, nil
	}
	role, err := roles.Find(ctx, roleID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return role, err
}
