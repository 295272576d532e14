package auth

import (
	"fmt"
	"strings"
)

// Permissions granted to API keys and tokens.
const (
	PermMissionsRead    = "missions.read"
	PermMissionsWrite   = "missions.write"
	PermContributorsAct = "contributors.act"
	PermTrackingRun     = "tracking.run"
	PermAll             = "*"
)

// KnownPermissions lists every grantable permission.
var KnownPermissions = []string{PermMissionsRead, PermMissionsWrite, PermContributorsAct, PermTrackingRun, PermAll}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// HasRole reports whether roles contains role, ignoring case and surrounding
// whitespace.
func HasRole(roles []string, role string) bool {
	want := strings.TrimSpace(role)
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), want) {
			return true
		}
	}
	return false
}

// HasPermission reports whether perms grants perm directly or through "*".
func HasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless perms grants perm.
func Require(perms []string, perm string) error {
	if HasPermission(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ValidPermission reports whether p is a known permission name.
func ValidPermission(p string) bool {
	for _, k := range KnownPermissions {
		if k == p {
			return true
		}
	}
	return false
}
