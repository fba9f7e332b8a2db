package auth

import (
	"fmt"
	"sort"

	"github.com/zxc5118690/Sales-Copilot/internal/config"
)

// Permissions checked by the API and CLI.
const (
	PermRead             = "read"
	PermAccountWrite     = "account.write"
	PermSignalWrite      = "signal.write"
	PermInteractionWrite = "interaction.write"
	PermBantScore        = "bant.score"
	PermPainWrite        = "pain.write"
	PermOutreachWrite    = "outreach.write"
	PermOutreachReview   = "outreach.review"
	PermPipelineOverride = "pipeline.override"
	PermAPIKeyManage     = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves role grants from the rbac section of copilot.yml.
type Service struct {
	Roles map[string]config.RBACRole
}

func New(cfg *config.Config) Service {
	if cfg == nil {
		return Service{}
	}
	return Service{Roles: cfg.RBAC.Roles}
}

func (s Service) KnownRole(role string) bool {
	_, ok := s.Roles[role]
	return ok
}

// Permissions returns the sorted union of permissions granted to roles.
func (s Service) Permissions(roles []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range s.Roles[r].Permissions {
			set[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

func (s Service) HasPermission(roles []string, perm string) bool {
	for _, r := range roles {
		for _, p := range s.Roles[r].Permissions {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Require returns ForbiddenError when none of roles grants perm.
func (s Service) Require(roles []string, perm string) error {
	if s.HasPermission(roles, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
