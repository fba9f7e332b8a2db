package auth

import (
	"errors"
	"testing"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
)

func TestRolesFromConfig(t *testing.T) {
	svc := New(config.Default())
	if !svc.KnownRole("manager") || svc.KnownRole("admin") {
		t.Fatalf("unexpected role set")
	}
	if err := svc.Require([]string{"rep"}, PermBantScore); err != nil {
		t.Fatalf("rep should score: %v", err)
	}
	err := svc.Require([]string{"rep", "viewer"}, PermPipelineOverride)
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Permission != PermPipelineOverride {
		t.Fatalf("expected forbidden, got %v", err)
	}
	perms := svc.Permissions([]string{"viewer", "unknown"})
	if len(perms) != 1 || perms[0] != PermRead {
		t.Fatalf("viewer perms = %v", perms)
	}
}

func TestNilConfigGrantsNothing(t *testing.T) {
	svc := New(nil)
	if svc.HasPermission([]string{"manager"}, PermRead) {
		t.Fatalf("nil config must not grant permissions")
	}
}
