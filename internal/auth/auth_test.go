package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-coordinator/internal/clock/manual"
	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/policy/ratelimit"
	"github.com/JakeFAU/scraper-coordinator/internal/storage/memory"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

type failingRunners struct {
	store.RunnerRepository
	err error
}

func (f failingRunners) FindRunnerByKeyHash(context.Context, string) (coordinator.Runner, error) {
	return coordinator.Runner{}, f.err
}

func sessionsFor(token, subject string, roles ...string) *StaticSessions {
	return NewStaticSessions([]SessionEntry{{TokenSHA256: HashKey(token), Subject: subject, Roles: roles}})
}

func TestGenerateAPIKeyShape(t *testing.T) {
	t.Parallel()

	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(a.Key, KeyPrefix))
	require.Len(t, a.Key, len(KeyPrefix)+64)
	require.Len(t, a.Hash, 64)
	require.Equal(t, a.Key[:12], a.Prefix)
	require.Equal(t, HashKey(a.Key), a.Hash)
	require.NotEqual(t, a.Key, b.Key)
	require.NotEqual(t, a.Hash, b.Hash)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.NewStore()
	clk := manual.New(time.Unix(1700000000, 0))
	reg := NewRegistry(st, clk, 0, nil)
	gw := NewGateway(st, nil, nil)

	registration, err := reg.Register(ctx, RegisterRequest{Name: "runner-a"})
	require.NoError(t, err)

	identity, err := gw.ValidateAPIKey(ctx, registration.APIKey)
	require.NoError(t, err)
	require.NotNil(t, identity)
	require.Equal(t, "runner-a", identity.RunnerName)
	require.Equal(t, coordinator.AuthMethodAPIKey, identity.AuthMethod)
	require.Equal(t, registration.Runner.KeyPrefix, identity.KeyID)

	require.NoError(t, reg.Revoke(ctx, "runner-a"))
	identity, err = gw.ValidateAPIKey(ctx, registration.APIKey)
	require.NoError(t, err)
	require.Nil(t, identity, "revoked keys must not validate")
}

func TestValidateAPIKeyRejects(t *testing.T) {
	t.Parallel()

	gw := NewGateway(memory.NewStore(), nil, nil)
	for _, key := range []string{"", "scr_", "nope_abcdef", KeyPrefix + "unknown"} {
		identity, err := gw.ValidateAPIKey(context.Background(), key)
		require.NoError(t, err, key)
		require.Nil(t, identity, key)
	}
}

func TestValidateAPIKeyStoreFailure(t *testing.T) {
	t.Parallel()

	gw := NewGateway(failingRunners{err: errors.New("db down")}, nil, nil)
	_, err := gw.ValidateAPIKey(context.Background(), KeyPrefix+"abc")
	require.Error(t, err)
	require.Equal(t, coordinator.KindInternal, coordinator.KindOf(err))
	require.NotContains(t, coordinator.PublicMessage(err), "db down")
}

func TestValidateRunnerAuthPrecedence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.NewStore()
	reg := NewRegistry(st, manual.New(time.Now()), 0, nil)
	registration, err := reg.Register(ctx, RegisterRequest{Name: "keyed"})
	require.NoError(t, err)

	sessions := NewStaticSessions([]SessionEntry{
		{TokenSHA256: HashKey("runner-token"), Subject: "session-runner", Roles: []string{RoleRunner}},
		{TokenSHA256: HashKey("viewer-token"), Subject: "viewer", Roles: []string{"viewer"}},
	})
	gw := NewGateway(st, sessions, nil)

	tests := []struct {
		name       string
		creds      Credentials
		wantRunner string
		wantMethod string
	}{
		{name: "api key wins", creds: Credentials{APIKey: registration.APIKey, BearerToken: "runner-token"}, wantRunner: "keyed", wantMethod: coordinator.AuthMethodAPIKey},
		{name: "bearer fallback", creds: Credentials{APIKey: "scr_bad", BearerToken: "runner-token"}, wantRunner: "session-runner", wantMethod: coordinator.AuthMethodBearer},
		{name: "bearer without runner role", creds: Credentials{BearerToken: "viewer-token"}},
		{name: "unknown bearer", creds: Credentials{BearerToken: "other"}},
		{name: "nothing", creds: Credentials{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			identity, err := gw.ValidateRunnerAuth(ctx, tt.creds)
			require.NoError(t, err)
			if tt.wantRunner == "" {
				require.Nil(t, identity)
				_, err := gw.RequireRunner(ctx, tt.creds)
				require.Equal(t, coordinator.KindAuthentication, coordinator.KindOf(err))
				return
			}
			require.NotNil(t, identity)
			require.Equal(t, tt.wantRunner, identity.RunnerName)
			require.Equal(t, tt.wantMethod, identity.AuthMethod)
		})
	}
}

func TestAuthorizeRoles(t *testing.T) {
	t.Parallel()

	sessions := NewStaticSessions([]SessionEntry{
		{TokenSHA256: HashKey("admin-token"), Subject: "alice", Roles: []string{RoleAdmin}},
		{TokenSHA256: HashKey("staff-token"), Subject: "bob", Roles: []string{RoleStaff}},
		{TokenSHA256: HashKey("customer-token"), Subject: "carol", Roles: []string{"customer"}},
	})
	gw := NewGateway(memory.NewStore(), sessions, nil)

	tests := []struct {
		name     string
		token    string
		wantKind coordinator.Kind
		wantSub  string
	}{
		{name: "admin", token: "admin-token", wantSub: "alice"},
		{name: "staff", token: "staff-token", wantSub: "bob"},
		{name: "wrong role", token: "customer-token", wantKind: coordinator.KindAuthorization},
		{name: "unknown", token: "nope", wantKind: coordinator.KindAuthentication},
		{name: "missing", token: "", wantKind: coordinator.KindAuthentication},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := gw.Authorize(context.Background(), tt.token, RoleAdmin, RoleStaff)
			if tt.wantSub != "" {
				require.NoError(t, err)
				require.Equal(t, tt.wantSub, p.Subject)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.wantKind, coordinator.KindOf(err))
		})
	}
}

func TestCredentialsFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(HeaderAPIKey, " scr_abc ")
	r.Header.Set(HeaderAuthorization, "bearer tok-1")
	creds := CredentialsFromRequest(r)
	require.Equal(t, "scr_abc", creds.APIKey)
	require.Equal(t, "tok-1", creds.BearerToken)

	r.Header.Set(HeaderAuthorization, "Basic xyz")
	require.Empty(t, BearerToken(r))
}

func TestRegistryValidatesNameAndDerivesStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.NewStore()
	clk := manual.New(time.Unix(1700000000, 0))
	reg := NewRegistry(st, clk, time.Minute, nil)

	_, err := reg.Register(ctx, RegisterRequest{Name: "Bad Name"})
	require.Equal(t, coordinator.KindValidation, coordinator.KindOf(err))

	_, err = reg.Register(ctx, RegisterRequest{Name: "runner-a", AllowedScrapers: []string{"amazon"}})
	require.NoError(t, err)
	require.NoError(t, st.TouchRunner(ctx, store.RunnerUpdate{
		Name: "runner-a", WorkState: coordinator.WorkStateBusy, SeenAt: clk.Now(),
	}))

	views, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, coordinator.RunnerBusy, views[0].Status)
	require.Equal(t, []string{"amazon"}, views[0].AllowedScrapers)

	clk.Advance(2 * time.Minute)
	views, err = reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, coordinator.RunnerOffline, views[0].Status)

	require.Equal(t, coordinator.KindNotFound, coordinator.KindOf(reg.Revoke(ctx, "ghost")))
}

func TestRegistryRevokeReleasesPollBucket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memory.NewStore()
	limiter := ratelimit.New(ratelimit.Config{PerSecond: 0.001, Burst: 1})
	reg := NewRegistry(st, manual.New(time.Now()), 0, nil).WithPollBuckets(limiter)

	_, err := reg.Register(ctx, RegisterRequest{Name: "runner-a"})
	require.NoError(t, err)

	require.True(t, limiter.Allow("runner-a"))
	require.False(t, limiter.Allow("runner-a"))
	require.True(t, limiter.Allow("ghost"))
	require.False(t, limiter.Allow("ghost"))

	require.NoError(t, reg.Revoke(ctx, "runner-a"))
	require.True(t, limiter.Allow("runner-a"))

	require.Error(t, reg.Revoke(ctx, "ghost"))
	require.False(t, limiter.Allow("ghost"))
}

func TestStaticSessionsSkipsIncompleteEntries(t *testing.T) {
	t.Parallel()

	s := NewStaticSessions([]SessionEntry{{TokenSHA256: "", Subject: "x"}, {TokenSHA256: HashKey("t")}})
	_, ok, err := s.Verify(context.Background(), "t")
	require.NoError(t, err)
	require.False(t, ok)

	p, ok, err := sessionsFor("tok", "dave", RoleStaff).Verify(context.Background(), "tok")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dave", p.Subject)
}
