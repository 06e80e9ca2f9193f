package auth

import (
	"context"
	"strings"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

// Roles recognized by the gateway.
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleRunner = "runner"
)

// SessionVerifier resolves a bearer token to a principal.
type SessionVerifier interface {
	// Verify returns ok=false for unknown tokens; err is reserved for backend failures.
	Verify(ctx context.Context, token string) (coordinator.Principal, bool, error)
}

// SessionEntry configures one static bearer session. Only the token hash is kept.
type SessionEntry struct {
	TokenSHA256 string   `mapstructure:"token_sha256"`
	Subject     string   `mapstructure:"subject"`
	Roles       []string `mapstructure:"roles"`
}

// StaticSessions verifies bearer tokens against a fixed table of hashes.
type StaticSessions struct {
	byHash map[string]coordinator.Principal
}

// NewStaticSessions indexes entries by lowercase token hash. Entries without
// a hash or subject are skipped.
func NewStaticSessions(entries []SessionEntry) *StaticSessions {
	s := &StaticSessions{byHash: make(map[string]coordinator.Principal, len(entries))}
	for _, e := range entries {
		h := strings.ToLower(strings.TrimSpace(e.TokenSHA256))
		if h == "" || e.Subject == "" {
			continue
		}
		s.byHash[h] = coordinator.Principal{
			Subject: e.Subject,
			Roles:   append([]string(nil), e.Roles...),
		}
	}
	return s
}

// Verify implements SessionVerifier.
func (s *StaticSessions) Verify(_ context.Context, token string) (coordinator.Principal, bool, error) {
	if s == nil || token == "" {
		return coordinator.Principal{}, false, nil
	}
	p, ok := s.byHash[HashKey(token)]
	return p, ok, nil
}
