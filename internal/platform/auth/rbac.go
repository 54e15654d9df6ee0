package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleReader   = "reader"
	RoleCompiler = "compiler"
	RoleAdmin    = "admin"
)

var roleLevels = map[string]int{
	RoleReader:   1,
	RoleCompiler: 2,
	RoleAdmin:    3,
}

func HasAtLeast(role, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	return roleLevels[strings.ToLower(strings.TrimSpace(role))] >= requiredLevel
}

// RequiredRoleForRequest treats key derivation as a read even though it is a POST.
func RequiredRoleForRequest(r *http.Request) string {
	switch {
	case r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions:
		return RoleReader
	case strings.HasPrefix(r.URL.Path, "/v1/keys:"):
		return RoleReader
	default:
		return RoleCompiler
	}
}
