package identity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"portal-mailbox/internal/common/auth"
	"portal-mailbox/internal/common/config"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeKeycloak(t *testing.T, admins int, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/portal/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 300})
	})
	mux.HandleFunc("/admin/realms/portal/roles/admin/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		first, _ := strconv.Atoi(r.URL.Query().Get("first"))
		size, _ := strconv.Atoi(r.URL.Query().Get("max"))
		page := []auth.User{}
		for i := first; i < admins && i < first+size; i++ {
			page = append(page, auth.User{ID: "admin" + strconv.Itoa(i), Enabled: i != 1})
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/admin/realms/portal/users/u1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.User{ID: "u1", Username: "ada", FirstName: "Ada", LastName: "Lovelace", Enabled: true})
	})
	mux.HandleFunc("/admin/realms/portal/roles/broken/users", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/admin/realms/portal/roles/slow/users", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newKeycloakProvider(t *testing.T, srv *httptest.Server) *Keycloak {
	client := auth.NewKeycloakClient(srv.URL, "portal", "mailbox", "secret", 0)
	return NewKeycloak(client, logger.NewTestLogger(t))
}

// ==========================
// Keycloak
// ==========================

func TestKeycloak_MembersOfSkipsDisabled(t *testing.T) {
	var tokens int32
	p := newKeycloakProvider(t, fakeKeycloak(t, 3, &tokens))

	ids, err := p.MembersOf(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin0", "admin2"}, ids)
}

func TestKeycloak_MembersOfFollowsPages(t *testing.T) {
	var tokens int32
	p := newKeycloakProvider(t, fakeKeycloak(t, 250, &tokens))

	ids, err := p.MembersOf(context.Background(), "admin")
	require.NoError(t, err)
	assert.Len(t, ids, 249)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens), "token is cached across pages")
}

func TestKeycloak_Lookup(t *testing.T) {
	var tokens int32
	p := newKeycloakProvider(t, fakeKeycloak(t, 0, &tokens))

	u, err := p.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", u.DisplayName())
}

func TestKeycloak_UpstreamFailure(t *testing.T) {
	var tokens int32
	p := newKeycloakProvider(t, fakeKeycloak(t, 0, &tokens))

	_, err := p.MembersOf(context.Background(), "broken")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIdentityLookupFailed, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestKeycloak_UpstreamTimeout(t *testing.T) {
	var tokens int32
	srv := fakeKeycloak(t, 0, &tokens)
	client := auth.NewKeycloakClient(srv.URL, "portal", "mailbox", "secret", 100*time.Millisecond)
	p := NewKeycloak(client, logger.NewTestLogger(t))

	_, err := p.MembersOf(context.Background(), "slow")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIdentityLookupFailed, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, &errors.StandardError{Code: errors.ErrCodeTimeout}), "got %v", err)
}

// ==========================
// Static
// ==========================

func TestStatic(t *testing.T) {
	p := NewStatic(map[string][]string{
		"admin":     {"a1", "a2"},
		"moderator": {"a2", "m1"},
	})
	ctx := context.Background()

	ids, err := p.MembersOf(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)

	ids[0] = "mutated"
	again, _ := p.MembersOf(ctx, "admin")
	assert.Equal(t, "a1", again[0])

	none, err := p.MembersOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	u, err := p.Lookup(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "moderator"}, u.Roles)

	_, err = p.Lookup(ctx, "ghost")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Identity.Provider = "static"
	cfg.Identity.Static = map[string][]string{"admin": {"a1"}}

	p, err := NewFromConfig(cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	assert.IsType(t, &Static{}, p)

	cfg.Identity.Provider = "ldap"
	_, err = NewFromConfig(cfg, logger.NewNoOpLogger())
	assert.Error(t, err)
}
