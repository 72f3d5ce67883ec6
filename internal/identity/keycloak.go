package identity

import (
	"context"
	"strings"

	"portal-mailbox/internal/common/auth"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/models"
)

// directoryClient is the part of the Keycloak admin API the provider uses.
type directoryClient interface {
	GetUser(ctx context.Context, userID string) (*auth.User, error)
	RoleMembers(ctx context.Context, role string) ([]auth.User, error)
}

type Keycloak struct {
	client directoryClient
	log    logger.Logger
}

func NewKeycloak(client directoryClient, log logger.Logger) *Keycloak {
	return &Keycloak{client: client, log: log.WithFields(map[string]interface{}{"component": "identity.keycloak"})}
}

func (k *Keycloak) Lookup(ctx context.Context, userID string) (*models.User, error) {
	u, err := k.client.GetUser(ctx, userID)
	if err != nil {
		return nil, errors.NewIdentityLookupFailedError(err)
	}
	return toUser(*u), nil
}

// MembersOf returns the ids of enabled users holding role.
func (k *Keycloak) MembersOf(ctx context.Context, role string) ([]string, error) {
	users, err := k.client.RoleMembers(ctx, role)
	if err != nil {
		return nil, errors.NewIdentityLookupFailedError(err)
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		if !u.Enabled || u.ID == "" {
			continue
		}
		ids = append(ids, u.ID)
	}
	k.log.Debug("Resolved role members", map[string]interface{}{
		"role":    role,
		"members": len(ids),
		"skipped": len(users) - len(ids),
	})
	return ids, nil
}

func toUser(u auth.User) *models.User {
	return &models.User{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Name:     strings.TrimSpace(u.FirstName + " " + u.LastName),
		Enabled:  u.Enabled,
	}
}
