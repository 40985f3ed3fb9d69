package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

// HasAtLeast reports whether roles satisfy the required role. Viewer, editor
// and admin form a hierarchy; worker sits outside it and is satisfied only by
// worker itself or admin.
func HasAtLeast(roles []string, required string) bool {
	required = strings.ToLower(strings.TrimSpace(required))
	if required == RoleWorker {
		for _, role := range roles {
			switch strings.ToLower(strings.TrimSpace(role)) {
			case RoleWorker, RoleAdmin:
				return true
			}
		}
		return false
	}

	requiredLevel := roleLevels[required]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest maps a request to the role it needs: the worker
// surface requires the worker role, reads require viewer, mutations editor.
func RequiredRoleForRequest(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/worker/") {
		return RoleWorker
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}
