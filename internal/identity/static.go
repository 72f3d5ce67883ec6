package identity

import (
	"context"
	"sort"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"
)

// Static serves roles from configuration. It suits development and tests.
type Static struct {
	roles map[string][]string
	users map[string]*models.User
}

func NewStatic(roles map[string][]string) *Static {
	s := &Static{roles: make(map[string][]string, len(roles)), users: map[string]*models.User{}}
	for role, ids := range roles {
		s.roles[role] = append([]string(nil), ids...)
		for _, id := range ids {
			u, ok := s.users[id]
			if !ok {
				u = &models.User{ID: id, Username: id, Enabled: true}
				s.users[id] = u
			}
			u.Roles = append(u.Roles, role)
		}
	}
	for _, u := range s.users {
		sort.Strings(u.Roles)
	}
	return s
}

func (s *Static) Lookup(_ context.Context, userID string) (*models.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, errors.NewNotFoundError("user", userID)
	}
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp, nil
}

// MembersOf returns a copy; an unconfigured role has no members.
func (s *Static) MembersOf(_ context.Context, role string) ([]string, error) {
	return append([]string{}, s.roles[role]...), nil
}
