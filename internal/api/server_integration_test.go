// Package api provides HTTP API server implementation for the prediction service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maliev/predictionservice/internal/config"
	"github.com/maliev/predictionservice/internal/orchestrator"
	"github.com/maliev/predictionservice/internal/registry"
	"github.com/maliev/predictionservice/internal/storage"
)

// TestAuthenticationIntegration exercises the full API key authentication
// flow against a real HTTP server and a real Postgres-backed key store.
func TestAuthenticationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	storageConn := &storage.Connection{DB: testDB.Connection}

	keyStore, err := storage.NewPersistentKeyStore(storageConn)
	require.NoError(t, err, "failed to create key store")

	t.Cleanup(func() { _ = keyStore.Close() })

	testAPIKey, err := storage.GenerateAPIKey("test-plugin")
	require.NoError(t, err, "failed to generate API key")

	apiKey := &storage.APIKey{
		ID:          "test-key-id",
		Key:         testAPIKey,
		PluginID:    "test-plugin",
		Name:        "Test Plugin",
		Permissions: []string{"PredictionUser"},
		CreatedAt:   time.Now(),
		Active:      true,
	}
	require.NoError(t, keyStore.Add(ctx, apiKey))

	cfg := &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           slog.LevelInfo,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400,
		APIKeyStore:        keyStore,
	}

	reg := registry.NewInMemory()
	orch := orchestrator.New(reg, nil, nil, nil, nil, nil, nil)

	server := NewServer(cfg, Dependencies{Orchestrator: orch, Registry: reg, APIKeyStore: keyStore})

	t.Run("successful authentication with X-Api-Key header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/predictionservice/liveness", nil)
		req.Header.Set("X-Api-Key", testAPIKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		require.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
	})

	t.Run("successful authentication with Authorization bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/predictionservice/liveness", nil)
		req.Header.Set("Authorization", "Bearer "+testAPIKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("missing API key returns 401 with an RFC 7807 body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/predictions/v1/demand-forecast", nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code)

		var problem map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
		require.NotEmpty(t, problem["type"])
		require.NotEmpty(t, problem["title"])
		require.NotNil(t, problem["status"])
		require.NotEmpty(t, problem["detail"])
		require.NotEmpty(t, problem["correlationId"])
	})

	t.Run("invalid API key returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/predictions/v1/demand-forecast", nil)
		req.Header.Set("X-Api-Key", "predictionsvc_invalid")

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("inactive API key returns 403", func(t *testing.T) {
		inactiveKey, err := storage.GenerateAPIKey("inactive-plugin")
		require.NoError(t, err)

		inactiveAPIKey := &storage.APIKey{
			ID:          "inactive-key-id",
			Key:         inactiveKey,
			PluginID:    "inactive-plugin",
			Name:        "Inactive Plugin",
			Permissions: []string{"PredictionUser"},
			CreatedAt:   time.Now(),
			Active:      false,
		}
		require.NoError(t, keyStore.Add(ctx, inactiveAPIKey))

		req := httptest.NewRequest(http.MethodGet, "/predictions/v1/demand-forecast", nil)
		req.Header.Set("X-Api-Key", inactiveKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("expired API key returns 401", func(t *testing.T) {
		expiredKey, err := storage.GenerateAPIKey("expired-plugin")
		require.NoError(t, err)

		expiredAt := time.Now().Add(-1 * time.Hour)
		expiredAPIKey := &storage.APIKey{
			ID:          "expired-key-id",
			Key:         expiredKey,
			PluginID:    "expired-plugin",
			Name:        "Expired Plugin",
			Permissions: []string{"PredictionUser"},
			CreatedAt:   time.Now().Add(-2 * time.Hour),
			ExpiresAt:   &expiredAt,
			Active:      true,
		}
		require.NoError(t, keyStore.Add(ctx, expiredAPIKey))

		req := httptest.NewRequest(http.MethodGet, "/predictions/v1/demand-forecast", nil)
		req.Header.Set("X-Api-Key", expiredKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("health endpoints work without authentication", func(t *testing.T) {
		for _, endpoint := range []string{"/predictionservice/liveness", "/predictionservice/readiness", "/predictionservice/health"} {
			req := httptest.NewRequest(http.MethodGet, endpoint, nil)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			require.Equal(t, http.StatusOK, rr.Code, "endpoint %s: %s", endpoint, rr.Body.String())
		}
	})
}
