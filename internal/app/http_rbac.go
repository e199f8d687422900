package app

import (
	"net/http"

	"github.com/K-Schubert/mediawatch/internal/rbac"
)

// requireAction rejects sessions whose role does not allow action. It must
// run after authenticated.
func (s *HTTPServer) requireAction(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sessionFrom(r)
			if err := s.service.authorize(session, action); err != nil {
				s.forbid(w, r, session, string(action))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
