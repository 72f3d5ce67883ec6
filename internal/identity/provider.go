// Package identity resolves portal users and role audiences.
package identity

import (
	"context"
	"fmt"

	"portal-mailbox/internal/common/auth"
	"portal-mailbox/internal/common/config"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/models"
)

// Provider answers who a user is and who holds a role. MembersOf returns a
// snapshot; callers fan out to that list and never re-read it mid-operation.
type Provider interface {
	Lookup(ctx context.Context, userID string) (*models.User, error)
	MembersOf(ctx context.Context, role string) ([]string, error)
}

// NewFromConfig builds the provider selected by identity.provider.
func NewFromConfig(cfg *config.Config, log logger.Logger) (Provider, error) {
	switch cfg.Identity.Provider {
	case "keycloak":
		kc := cfg.Auth.Keycloak
		client := auth.NewKeycloakClient(kc.URL, kc.Realm, kc.ClientID, kc.ClientSecret, config.GetDuration(kc.Timeout))
		return NewKeycloak(client, log), nil
	case "static":
		return NewStatic(cfg.Identity.Static), nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Identity.Provider)
	}
}
