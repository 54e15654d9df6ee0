package auth

import (
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast("reader", RoleReader) {
		t.Fatalf("reader should satisfy reader")
	}
	if HasAtLeast("reader", RoleCompiler) {
		t.Fatalf("reader should not satisfy compiler")
	}
	if !HasAtLeast("compiler", RoleReader) {
		t.Fatalf("compiler should satisfy reader")
	}
	if !HasAtLeast("Admin", RoleCompiler) {
		t.Fatalf("admin should satisfy compiler")
	}
	if HasAtLeast("root", RoleReader) {
		t.Fatalf("unknown role should satisfy nothing")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/v1/artifacts/abc", RoleReader},
		{http.MethodPost, "/v1/keys:derive", RoleReader},
		{http.MethodPost, "/v1/programs:compile", RoleCompiler},
		{http.MethodGet, "/v1/locks", RoleReader},
	}
	for _, tc := range tests {
		req, _ := http.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
