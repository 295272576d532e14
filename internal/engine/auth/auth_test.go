package auth

import (
	"errors"
	"testing"
)

func TestHasRole(t *testing.T) {
	cases := []struct {
		roles []string
		role  string
		want  bool
	}{
		{[]string{"Publisher"}, "Publisher", true},
		{[]string{" publisher "}, "PUBLISHER", true},
		{[]string{"Viewer", "Mod"}, "Publisher", false},
		{nil, "Publisher", false},
	}
	for _, tc := range cases {
		if got := HasRole(tc.roles, tc.role); got != tc.want {
			t.Fatalf("HasRole(%v, %q) = %v, want %v", tc.roles, tc.role, got, tc.want)
		}
	}
}

func TestRequire(t *testing.T) {
	if err := Require([]string{PermMissionsRead}, PermMissionsRead); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Require([]string{PermAll}, PermTrackingRun); err != nil {
		t.Fatalf("wildcard should grant everything: %v", err)
	}
	err := Require([]string{PermMissionsRead}, PermMissionsWrite)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermMissionsWrite {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if ValidPermission("missions.delete") {
		t.Fatalf("unknown permission accepted")
	}
}
