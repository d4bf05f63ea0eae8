package tonconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tonwhales/tonhub-connect/internal/constants"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"go.uber.org/zap"
)

var (
	ErrManifestNotFound = errors.New("tonconnect: manifest not found")
	ErrManifestContent  = errors.New("tonconnect: manifest content invalid")
)

const maxManifestSize = 64 * 1024

// AppManifest is the dApp identity published at its manifest URL.
type AppManifest struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
}

// ManifestResolver fetches and validates dApp manifests. One fetch per
// connect flow; a failed fetch fails the connect.
type ManifestResolver struct {
	client *http.Client
	log    *zap.Logger
}

// NewManifestResolver returns a resolver with a bounded request timeout.
func NewManifestResolver() *ManifestResolver {
	return &ManifestResolver{
		client: &http.Client{Timeout: constants.ManifestFetchTimeout},
		log:    logger.New("manifest"),
	}
}

// Resolve fetches the manifest and validates its shape.
func (r *ManifestResolver) Resolve(ctx context.Context, manifestURL string) (*AppManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("Manifest fetch failed",
			zap.String("url", manifestURL),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrManifestNotFound, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}

	var manifest AppManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestContent, err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}

	r.log.Debug("Manifest resolved",
		zap.String("app", manifest.Name),
		zap.String("url", manifest.URL))
	return &manifest, nil
}

func validateManifest(m *AppManifest) error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrManifestContent)
	}
	if m.URL == "" {
		return fmt.Errorf("%w: missing url", ErrManifestContent)
	}
	if u, err := url.Parse(m.URL); err != nil || u.Host == "" {
		return fmt.Errorf("%w: malformed url", ErrManifestContent)
	}
	return nil
}
