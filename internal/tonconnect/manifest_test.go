package tonconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func manifestServer(t *testing.T, status int, body interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestManifestResolver(t *testing.T) {
	r := NewManifestResolver()
	ctx := context.Background()

	t.Run("resolves valid manifest", func(t *testing.T) {
		server := manifestServer(t, http.StatusOK, AppManifest{
			URL:     "https://app.example.com",
			Name:    "Example App",
			IconURL: "https://app.example.com/icon.png",
		})

		manifest, err := r.Resolve(ctx, server.URL+"/tonconnect-manifest.json")
		require.NoError(t, err)
		require.Equal(t, "Example App", manifest.Name)
		require.Equal(t, "https://app.example.com", manifest.URL)
	})

	t.Run("404 is not found", func(t *testing.T) {
		server := manifestServer(t, http.StatusNotFound, nil)

		_, err := r.Resolve(ctx, server.URL+"/missing.json")
		require.ErrorIs(t, err, ErrManifestNotFound)
	})

	t.Run("unreachable host is not found", func(t *testing.T) {
		_, err := r.Resolve(ctx, "http://127.0.0.1:1/manifest.json")
		require.ErrorIs(t, err, ErrManifestNotFound)
	})

	t.Run("non-json body is content error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>oops</html>"))
		}))
		t.Cleanup(server.Close)

		_, err := r.Resolve(ctx, server.URL+"/manifest.json")
		require.ErrorIs(t, err, ErrManifestContent)
	})

	t.Run("missing fields is content error", func(t *testing.T) {
		server := manifestServer(t, http.StatusOK, AppManifest{Name: "No URL"})

		_, err := r.Resolve(ctx, server.URL+"/manifest.json")
		require.ErrorIs(t, err, ErrManifestContent)
	})
}
