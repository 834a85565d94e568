package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterExternal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithInternalDomains("@Campus.test"))

	err := h.svc.RegisterExternal(ctx, RegisterRequest{Email: "Dana@Ext.test", Username: "dana", Password: "correct horse", FullName: " Dana "})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := h.login("dana", "correct horse")
	if err != nil {
		t.Fatalf("login after register: %v", err)
	}
	if res.Principal.Kind != KindExternal || res.Principal.Email != "dana@ext.test" || res.Principal.FullName != "Dana" {
		t.Fatalf("unexpected principal: %+v", res.Principal)
	}

	// Duplicate registration is indistinguishable from success and changes nothing.
	if err := h.svc.RegisterExternal(ctx, RegisterRequest{Email: "dana@ext.test", Password: "another password"}); err != nil {
		t.Fatalf("duplicate register: %v", err)
	}
	if _, err := h.login("dana@ext.test", "correct horse"); err != nil {
		t.Fatalf("original password must still work: %v", err)
	}
}

func TestRegisterExternalRefusesInstitutionalDomain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithInternalDomains("campus.test"))

	if err := h.svc.RegisterExternal(ctx, RegisterRequest{Email: "eve@staff.campus.test", Password: "correct horse"}); err != nil {
		t.Fatalf("expected silent refusal, got %v", err)
	}
	if _, err := h.store.Users().FindByIdentifier(ctx, "eve@staff.campus.test"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no principal may be created for institutional addresses, got %v", err)
	}
}

func TestRegisterExternalValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cases := []RegisterRequest{
		{Email: "not-an-email", Password: "correct horse"},
		{Email: "frank@ext.test", Password: "short"},
		{Email: "frank@ext.test", Username: "x", Password: "correct horse"},
	}
	for _, req := range cases {
		if err := h.svc.RegisterExternal(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", req, err)
		}
	}
}
