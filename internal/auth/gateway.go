package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// Header names carrying credentials.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

// Credentials are the raw credentials presented on a request.
type Credentials struct {
	APIKey      string
	BearerToken string
}

// CredentialsFromRequest extracts the API key and bearer token headers.
func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		APIKey:      strings.TrimSpace(r.Header.Get(HeaderAPIKey)),
		BearerToken: BearerToken(r),
	}
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get(HeaderAuthorization)
	const scheme = "bearer "
	if len(h) <= len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return ""
	}
	return strings.TrimSpace(h[len(scheme):])
}

// Gateway validates runner and staff credentials.
type Gateway struct {
	runners  store.RunnerRepository
	sessions SessionVerifier
	logger   *zap.Logger
}

// NewGateway builds a gateway; sessions may be nil to disable bearer auth.
func NewGateway(runners store.RunnerRepository, sessions SessionVerifier, logger *zap.Logger) *Gateway {
	return &Gateway{
		runners:  runners,
		sessions: sessions,
		logger:   logging.OrNop(logger).Named("auth"),
	}
}

// ValidateAPIKey resolves key to a runner identity. A nil identity with a nil
// error means the key is absent, malformed, unknown, or revoked; the caller
// cannot tell these apart.
func (g *Gateway) ValidateAPIKey(ctx context.Context, key string) (*coordinator.RunnerIdentity, error) {
	if !hasKeyShape(key) {
		return nil, nil
	}
	runner, err := g.runners.FindRunnerByKeyHash(ctx, HashKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, coordinator.Internal("failed to verify credentials", err)
	}
	return &coordinator.RunnerIdentity{
		RunnerName: runner.Name,
		KeyID:      runner.KeyPrefix,
		AuthMethod: coordinator.AuthMethodAPIKey,
	}, nil
}

// ValidateRunnerAuth tries the API key first and falls back to a bearer
// session carrying a runner, staff, or admin role.
func (g *Gateway) ValidateRunnerAuth(ctx context.Context, creds Credentials) (*coordinator.RunnerIdentity, error) {
	if creds.APIKey != "" {
		identity, err := g.ValidateAPIKey(ctx, creds.APIKey)
		if err != nil || identity != nil {
			return identity, err
		}
	}
	if creds.BearerToken == "" || g.sessions == nil {
		return nil, nil
	}
	p, ok, err := g.sessions.Verify(ctx, creds.BearerToken)
	if err != nil {
		return nil, coordinator.Internal("failed to verify credentials", err)
	}
	if !ok || !p.HasRole(RoleRunner, RoleStaff, RoleAdmin) {
		return nil, nil
	}
	return &coordinator.RunnerIdentity{
		RunnerName: p.Subject,
		AuthMethod: coordinator.AuthMethodBearer,
	}, nil
}

// RequireRunner is ValidateRunnerAuth with a 401 on a miss.
func (g *Gateway) RequireRunner(ctx context.Context, creds Credentials) (coordinator.RunnerIdentity, error) {
	identity, err := g.ValidateRunnerAuth(ctx, creds)
	if err != nil {
		return coordinator.RunnerIdentity{}, err
	}
	if identity == nil {
		metrics.ObserveAuthFailure("runner")
		return coordinator.RunnerIdentity{}, coordinator.Unauthenticated("Unauthorized")
	}
	return *identity, nil
}

// RequireAPIKey accepts only a runner API key.
func (g *Gateway) RequireAPIKey(ctx context.Context, key string) (coordinator.RunnerIdentity, error) {
	identity, err := g.ValidateAPIKey(ctx, key)
	if err != nil {
		return coordinator.RunnerIdentity{}, err
	}
	if identity == nil {
		metrics.ObserveAuthFailure("api_key")
		return coordinator.RunnerIdentity{}, coordinator.Unauthenticated("Invalid API key")
	}
	return *identity, nil
}

// Authorize returns the session principal if it holds any of roles.
// Missing or unknown sessions are 401; a valid session lacking the role is 403.
func (g *Gateway) Authorize(ctx context.Context, bearer string, roles ...string) (coordinator.Principal, error) {
	if bearer == "" || g.sessions == nil {
		metrics.ObserveAuthFailure("session")
		return coordinator.Principal{}, coordinator.Unauthenticated("Unauthorized")
	}
	p, ok, err := g.sessions.Verify(ctx, bearer)
	if err != nil {
		return coordinator.Principal{}, coordinator.Internal("failed to verify session", err)
	}
	if !ok {
		metrics.ObserveAuthFailure("session")
		return coordinator.Principal{}, coordinator.Unauthenticated("Unauthorized")
	}
	if len(roles) > 0 && !p.HasRole(roles...) {
		metrics.ObserveAuthFailure("role")
		g.logger.Info("session lacks role", zap.String("subject", p.Subject), zap.Strings("required", roles))
		return coordinator.Principal{}, coordinator.Forbidden("Forbidden")
	}
	return p, nil
}
