package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"lostfound.org/authcore/internal/audit"
	"lostfound.org/authcore/internal/ids"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,63}$`)

// RegisterRequest carries a self-registration.
type RegisterRequest struct {
	Email    string
	Username string
	Password string
	FullName string
	Phone    string
}

// RegisterExternal creates an external principal.
//
// Malformed input is rejected with ErrInvalidInput. An address that is already taken
// or belongs to an institutional domain yields the same nil result as a new account.
func (s *Service) RegisterExternal(ctx context.Context, req RegisterRequest) error {
	email := normalizeIdentifier(req.Email)
	username := normalizeIdentifier(req.Username)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: email address is not valid", ErrInvalidInput)
	}
	if username != "" && !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-64 characters of letters, digits, dot, dash or underscore", ErrInvalidInput)
	}
	if err := ValidatePassword(req.Password, s.minPasswordLength); err != nil {
		return err
	}

	if s.isInternalDomain(email) {
		s.logger.Info("registration refused for institutional domain", "email", email)
		return nil
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	u := &User{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		FullName:     strings.TrimSpace(req.FullName),
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: hash,
		Kind:         KindExternal,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.Users().Create(ctx, u)
	if errors.Is(err, ErrConflict) {
		s.logger.Info("registration for existing identity ignored", "email", email)
		return nil
	}
	if err != nil {
		return unavailable(err)
	}
	_ = audit.LogEvent(ctx, "auth.principal.registered", map[string]any{"user_id": u.ID})
	return nil
}

func (s *Service) isInternalDomain(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range s.internalDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
