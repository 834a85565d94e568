package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lostfound.org/authcore/internal/audit"
	"lostfound.org/authcore/internal/ids"
)

const defaultMinPasswordLength = 8

// ResetPolicy bounds password reset tokens.
type ResetPolicy struct {
	TTL     time.Duration
	PerHour int
}

// DefaultResetPolicy issues tokens valid for one hour, at most three per hour.
func DefaultResetPolicy() ResetPolicy {
	return ResetPolicy{TTL: time.Hour, PerHour: 3}
}

// ResetNotifier delivers reset material out of band.
type ResetNotifier interface {
	// SendResetToken delivers a one-time token to an external principal.
	SendResetToken(ctx context.Context, u *User, token string, expiresAt time.Time) error
	// SendSelfServiceNotice points an internal principal to the directory's own reset channel.
	SendSelfServiceNotice(ctx context.Context, u *User) error
}

// LogNotifier records deliveries in the log without the token itself.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) SendResetToken(_ context.Context, u *User, _ string, expiresAt time.Time) error {
	n.Logger.Info("password reset token issued", "user_id", u.ID, "expires_at", expiresAt)
	return nil
}

func (n LogNotifier) SendSelfServiceNotice(_ context.Context, u *User) error {
	n.Logger.Info("password reset redirected to directory self-service", "user_id", u.ID)
	return nil
}

// RequestPasswordReset issues a reset token for an external principal.
//
// It returns nil whether or not the address exists, belongs to an internal principal
// or is over the hourly cap, so callers cannot enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeIdentifier(email)
	if email == "" {
		return nil
	}
	outcome := s.requestReset(ctx, email)
	s.logger.Info("password reset requested", "email", email, "outcome", outcome)
	_ = audit.LogEvent(ctx, "auth.password_reset.requested", map[string]any{"email": email, "outcome": outcome})
	return nil
}

func (s *Service) requestReset(ctx context.Context, email string) string {
	now := s.now().UTC()
	u, err := s.store.Users().FindByIdentifier(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return "unknown"
	}
	if err != nil {
		s.logger.Error("reset lookup", "error", err)
		return "error"
	}
	if !u.Active {
		return "inactive"
	}
	if u.Kind == KindInternal {
		if err := s.notifier.SendSelfServiceNotice(ctx, u); err != nil {
			s.logger.Error("send self-service notice", "user_id", u.ID, "error", err)
		}
		return "directory_self_service"
	}

	resets := s.store.ResetTokens()
	n, err := resets.CountSince(ctx, u.ID, now.Add(-time.Hour))
	if err != nil {
		s.logger.Error("count reset tokens", "user_id", u.ID, "error", err)
		return "error"
	}
	if n >= s.reset.PerHour {
		return "throttled"
	}
	if err := resets.InvalidateOutstanding(ctx, u.ID, now); err != nil {
		s.logger.Error("invalidate reset tokens", "user_id", u.ID, "error", err)
		return "error"
	}
	secret, err := ids.Secret(32)
	if err != nil {
		s.logger.Error("generate reset token", "error", err)
		return "error"
	}
	tok := &PasswordResetToken{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hashToken(secret),
		ExpiresAt: now.Add(s.reset.TTL),
		CreatedAt: now,
	}
	if err := resets.Create(ctx, tok); err != nil {
		s.logger.Error("store reset token", "user_id", u.ID, "error", err)
		return "error"
	}
	if err := s.notifier.SendResetToken(ctx, u, secret, tok.ExpiresAt); err != nil {
		s.logger.Error("deliver reset token", "user_id", u.ID, "error", err)
		return "error"
	}
	return "issued"
}

// ConfirmPasswordReset consumes token and sets a new password. Every session of the
// principal is ended and any lockout is cleared.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := ValidatePassword(newPassword, s.minPasswordLength); err != nil {
		return err
	}
	if token == "" {
		return ErrInvalidResetToken
	}
	now := s.now().UTC()
	resets := s.store.ResetTokens()
	rec, err := resets.FindByTokenHash(ctx, hashToken(token))
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return unavailable(err)
	}
	if rec.Used || !now.Before(rec.ExpiresAt) {
		return ErrInvalidResetToken
	}
	u, err := s.store.Users().Find(ctx, rec.UserID)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return unavailable(err)
	}
	if u.Kind != KindExternal || !u.Active {
		return ErrInvalidResetToken
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := resets.Consume(ctx, rec.ID, u.ID, hash, now); err != nil {
		if errors.Is(err, ErrInvalidResetToken) {
			return err
		}
		return unavailable(err)
	}
	if err := s.store.Users().ClearLockout(ctx, u.ID, now); err != nil {
		s.logger.Warn("clear lockout after reset", "user_id", u.ID, "error", err)
	}
	if _, err := s.sessions.LogoutAll(ctx, u.ID, "password_reset"); err != nil {
		return err
	}
	s.logger.Info("password reset completed", "user_id", u.ID)
	_ = audit.LogEvent(ctx, "auth.password_reset.completed", map[string]any{"user_id": u.ID})
	return nil
}
