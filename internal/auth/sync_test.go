package auth

import (
	"context"
	"errors"
	"testing"
)

func TestSyncDirectory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.addUser(&User{ID: "u2", Email: "bob@campus.test", Username: "bob", Kind: KindInternal, Active: true, RoleID: "finder"})
	h.store.addUser(&User{ID: "u3", Email: "gina@campus.test", Username: "gina", Kind: KindInternal, Active: true})
	h.external(t, "u4", "hal@campus.test", "correct horse")

	h.dir.add(DirectoryEntry{Username: "bob", Email: "bob@campus.test", FullName: "Robert Smith"}, "x")
	h.dir.add(DirectoryEntry{Username: "gina", Email: "gina@campus.test", Disabled: true}, "x")
	h.dir.add(DirectoryEntry{Username: "hal", Email: "hal@campus.test"}, "x")
	h.dir.add(DirectoryEntry{Username: "ivy", Email: "ivy@campus.test", FullName: "Ivy Chen"}, "x")

	report, err := h.svc.SyncDirectory(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := SyncReport{Fetched: 4, Created: 1, Updated: 2, Deactivated: 1, Skipped: 1}
	if report != want {
		t.Fatalf("unexpected report: %+v", report)
	}

	bob := h.store.user("u2")
	if bob.FullName != "Robert Smith" || bob.RoleID != "finder" {
		t.Fatalf("sync must refresh profile without touching role: %+v", bob)
	}
	if gina := h.store.user("u3"); gina.Active {
		t.Fatalf("disabled directory account must be deactivated")
	}
	if hal := h.store.user("u4"); hal.Kind != KindExternal {
		t.Fatalf("external principal must not be converted")
	}
	ivy, err := h.store.Users().FindByIdentifier(ctx, "ivy@campus.test")
	if err != nil || ivy.Kind != KindInternal {
		t.Fatalf("expected provisioned principal, got %+v %v", ivy, err)
	}
}

func TestSyncDirectoryUnavailable(t *testing.T) {
	h := newHarness(t)
	h.dir.down = true
	if _, err := h.svc.SyncDirectory(context.Background()); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}
