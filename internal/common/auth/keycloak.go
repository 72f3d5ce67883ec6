package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"portal-mailbox/internal/common/errors"
)

// rolePageSize is how many members are requested per role-users page.
const rolePageSize = 100

// KeycloakClient talks to the Keycloak admin REST API with a service
// account obtained through the client credentials flow.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// User represents a user in Keycloak.
type User struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Enabled   bool   `json:"enabled"`
}

// TokenResponse holds the response from Keycloak's token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func NewKeycloakClient(baseURL, realm, clientID, clientSecret string, timeout time.Duration) *KeycloakClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &KeycloakClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// token returns a cached access token, fetching a new one shortly before
// the old one expires.
func (k *KeycloakClient) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accessToken != "" && time.Now().Before(k.tokenExpiry) {
		return k.accessToken, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("keycloak token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	k.accessToken = tokenResp.AccessToken
	// refresh 10s early so a token never expires mid-request
	k.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - 10*time.Second)
	return k.accessToken, nil
}

// GetUser retrieves a user by id.
func (k *KeycloakClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	path := fmt.Sprintf("/users/%s", url.PathEscape(userID))
	if err := k.getJSON(ctx, path, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// RoleMembers lists every user holding the realm role, following pages
// until a short page is returned.
func (k *KeycloakClient) RoleMembers(ctx context.Context, role string) ([]User, error) {
	var members []User
	for first := 0; ; first += rolePageSize {
		var page []User
		path := fmt.Sprintf("/roles/%s/users?first=%d&max=%d", url.PathEscape(role), first, rolePageSize)
		if err := k.getJSON(ctx, path, &page); err != nil {
			return nil, err
		}
		members = append(members, page...)
		if len(page) < rolePageSize {
			return members, nil
		}
	}
}

func (k *KeycloakClient) getJSON(ctx context.Context, path string, out interface{}) error {
	token, err := k.token(ctx)
	if err != nil {
		return errors.NewAuthenticationError(err.Error()).WithMeta("service", "keycloak")
	}

	reqURL := fmt.Sprintf("%s/admin/realms/%s%s", k.baseURL, k.realm, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errors.NewExternalServiceError("keycloak", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
			return errors.NewTimeoutError("keycloak", err)
		}
		return errors.NewExternalServiceError("keycloak", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewResourceNotFoundError("keycloak", path)
	case resp.StatusCode == http.StatusUnauthorized:
		k.invalidate()
		return errors.NewAuthenticationError("keycloak rejected the service token").WithMeta("service", "keycloak")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		e := errors.NewExternalServiceError("keycloak",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		e.Retryable = isTransientHTTPError(resp.StatusCode)
		return e
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewExternalServiceError("keycloak", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (k *KeycloakClient) invalidate() {
	k.mu.Lock()
	k.accessToken = ""
	k.mu.Unlock()
}

func isTransientHTTPError(statusCode int) bool {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
