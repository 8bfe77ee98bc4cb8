package middleware

import (
	"encoding/json"
	"net/http"

	pkgmw "github.com/agentoven/supportdesk/pkg/middleware"
)

// RequireIdentity rejects anonymous requests even when the auth middleware
// runs in permissive mode. Customer routes scope every read by the caller's
// subject, so they cannot serve anonymous traffic.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pkgmw.GetIdentity(r.Context()) == nil {
			unauthorized(w, "authentication_required", "sign in to continue")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireStaff admits agents and admins only.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := pkgmw.GetIdentity(r.Context())
		if id == nil {
			unauthorized(w, "authentication_required", "sign in to continue")
			return
		}
		if !id.IsStaff() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "forbidden",
				"message": "staff role required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
