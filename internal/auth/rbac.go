package auth

import (
	"net/http"
	"slices"
)

const (
	RoleOperator      = "Operator"
	RoleAuditor       = "Auditor"
	RoleShipmentAdmin = "ShipmentAdmin"
)

func HasRole(p *Principal, role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// RequireAnyRole lets the request through when the principal holds at least
// one of roles, and answers 403 otherwise.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(p, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("{\"error\":\"forbidden\"}\n"))
		})
	}
}
