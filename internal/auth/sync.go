package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lostfound.org/authcore/internal/audit"
	"lostfound.org/authcore/internal/ids"
)

// SyncReport summarises one bulk directory sync.
type SyncReport struct {
	Fetched     int `json:"fetched"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

// SyncDirectory reconciles internal principals with the directory. Profiles are
// refreshed, new active accounts are provisioned and accounts disabled in the
// directory are deactivated locally. Roles are never changed and nothing is deleted.
func (s *Service) SyncDirectory(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	entries, err := s.directory.FetchAll(ctx)
	if err != nil {
		return report, unavailable(err)
	}
	report.Fetched = len(entries)
	now := s.now().UTC()

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.syncEntry(ctx, &entries[i], now, &report); err != nil {
			report.Failed++
			s.logger.Warn("sync directory entry", "dn", entries[i].DN, "error", err)
		}
	}

	s.logger.Info("directory sync finished",
		"fetched", report.Fetched,
		"created", report.Created,
		"updated", report.Updated,
		"deactivated", report.Deactivated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	_ = audit.LogEvent(ctx, "auth.directory.synced", map[string]any{
		"fetched":     report.Fetched,
		"created":     report.Created,
		"deactivated": report.Deactivated,
	})
	return report, nil
}

func (s *Service) syncEntry(ctx context.Context, e *DirectoryEntry, now time.Time, report *SyncReport) error {
	users := s.store.Users()
	email := normalizeIdentifier(e.Email)
	username := normalizeIdentifier(e.Username)

	var (
		u   *User
		err error
	)
	for _, key := range []string{email, username} {
		if key == "" {
			continue
		}
		u, err = users.FindByIdentifier(ctx, key)
		if err == nil || !errors.Is(err, ErrNotFound) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if u == nil {
		if !e.Active(now) || email == "" {
			report.Skipped++
			return nil
		}
		created := &User{
			ID:                  ids.New(),
			Email:               email,
			Username:            username,
			FullName:            e.FullName,
			Phone:               e.Phone,
			Kind:                KindInternal,
			Active:              true,
			DirectoryGroups:     e.Groups,
			LastDirectorySyncAt: &now,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := users.Create(ctx, created); err != nil {
			return fmt.Errorf("provision %s: %w", email, err)
		}
		report.Created++
		return nil
	}

	if u.Kind != KindInternal {
		report.Skipped++
		return nil
	}
	upd := ProfileUpdate{Email: email, FullName: e.FullName, Phone: e.Phone, Groups: e.Groups, SyncedAt: now}
	if err := users.UpdateProfile(ctx, u.ID, upd); err != nil {
		return fmt.Errorf("update %s: %w", u.ID, err)
	}
	report.Updated++

	if !e.Active(now) && u.Active {
		if err := users.SetActive(ctx, u.ID, false, now); err != nil {
			return fmt.Errorf("deactivate %s: %w", u.ID, err)
		}
		if _, err := s.sessions.LogoutAll(ctx, u.ID, "directory_disabled"); err != nil {
			return err
		}
		report.Deactivated++
	}
	return nil
}
