package auth

import (
	"errors"
	"net/http"
	"slices"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	// RoleWorkload is carried by run tokens and never satisfies an operator role.
	RoleWorkload = "workload"
	RoleViewer   = "viewer"
	RoleEditor   = "editor"
	RoleAdmin    = "admin"
)

var operatorRoles = []string{RoleViewer, RoleEditor, RoleAdmin}

func roleRank(role string) int {
	return slices.Index(operatorRoles, strings.ToLower(strings.TrimSpace(role))) + 1
}

// HasAtLeast reports whether any of roles ranks at or above required.
func HasAtLeast(roles []string, required string) bool {
	want := roleRank(required)
	if want == 0 {
		return false
	}
	return slices.ContainsFunc(roles, func(role string) bool {
		return roleRank(role) >= want
	})
}

// RequiredRoleForRequest maps a request to the operator role it needs.
// Reads need viewer. Completing an execution on behalf of its workload needs
// admin; every other write needs editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if r.Method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/complete") {
		return RoleAdmin
	}
	return RoleEditor
}
