package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeout: time.Second},
		Lease:   config.LeaseConfig{Duration: time.Minute},
		Sweeper: config.SweeperConfig{Interval: time.Second},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Auth: config.AuthConfig{Sessions: []auth.SessionEntry{{
			TokenSHA256: auth.HashKey("staff-token"),
			Subject:     "alice",
			Roles:       []string{auth.RoleStaff},
		}}},
	}
}

func TestBuildMemoryApp(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/scraper-network/runners", nil)
	req.Header.Set("Authorization", "Bearer staff-token")
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	reg, err := app.Registry().Register(context.Background(), auth.RegisterRequest{Name: "runner-a"})
	require.NoError(t, err)
	require.NotEmpty(t, reg.APIKey)

	n, err := app.Sweeper().SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, app.Migrate(context.Background()))
}

func TestBuildLocalArchive(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage = config.StorageConfig{Backend: config.BackendLocal}
	cfg.Storage.Local.BaseDir = t.TempDir()

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Server.Port = 18089
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Sweeper.Enabled = true

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
