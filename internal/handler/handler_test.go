package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebloop/fleetbridge/internal/models"
)

func newCatalog(t *testing.T) *models.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"updatedAt":"2026-01-01T00:00:00Z","models":[{"id":"gemini-2.5-flash","displayName":"Gemini 2.5 Flash","contextWindow":1000000,"family":"gemini"}]}`), 0o644))
	return models.New(path)
}

func TestMountRejectsMissingAPIKey(t *testing.T) {
	r := chi.NewRouter()
	Mount(r, Deps{Models: newCatalog(t), APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListModelsOpenAIShape(t *testing.T) {
	r := chi.NewRouter()
	Mount(r, Deps{Models: newCatalog(t), APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "gemini-2.5-flash", body.Data[0].ID)
}

func TestListModelsNativeShape(t *testing.T) {
	r := chi.NewRouter()
	Mount(r, Deps{Models: newCatalog(t), APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "models/gemini-2.5-flash", body.Models[0].Name)
}
