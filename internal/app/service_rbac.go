package app

import (
	"net/http"

	"github.com/K-Schubert/mediawatch/internal/rbac"
)

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// authorize returns a FORBIDDEN domain error when the session's role does
// not allow action. Ownership is checked by the store, not here.
func (s *Service) authorize(session Session, action rbac.Action) error {
	if s.Can(session.Role, action) {
		return nil
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{
		"action": string(action),
		"role":   string(rbac.Normalize(session.Role)),
	})
}
