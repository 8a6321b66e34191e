package api

import (
	"net/http"

	"github.com/mattjoyce/hookrelay/internal/auth"
)

// requireScope admits requests whose bearer token grants scope. With no
// tokens configured every request is admitted.
func (s *Server) requireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(s.config.Tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			presented, err := auth.BearerToken(r)
			if err != nil {
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			token, ok := auth.Match(s.config.Tokens, presented)
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !token.Grants(scope) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
