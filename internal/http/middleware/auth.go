package middlewarex

import (
	"net/http"

	"schoolpay/internal/config"
)

// AdminAuth guards operator endpoints with the shared admin token. An
// empty configured token disables the routes entirely rather than
// leaving them open.
func AdminAuth(cfg config.Cfg) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if cfg.Sec.AdminToken == "" || token != cfg.Sec.AdminToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
