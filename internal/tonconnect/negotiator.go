package tonconnect

import (
	"fmt"
	"net/url"
)

// CheckProtocolVersionCapability rejects connect requests above the version
// this wallet implements. Side-effect free; nothing is persisted before
// this check passes.
func CheckProtocolVersionCapability(version int) error {
	if version > CurrentProtocolVersion {
		return fmt.Errorf("%w: %d > %d", ErrUnsupportedProtocol, version, CurrentProtocolVersion)
	}
	return nil
}

// VerifyConnectRequest validates the shape of a connect request: the
// manifest URL must be an absolute http(s) URL and every requested item must
// be of a supported kind. No I/O happens here; the manifest is not fetched.
func VerifyConnectRequest(req ConnectRequest) error {
	if req.ManifestURL == "" {
		return fmt.Errorf("%w: missing manifestUrl", ErrBadRequest)
	}
	u, err := url.Parse(req.ManifestURL)
	if err != nil {
		return fmt.Errorf("%w: malformed manifestUrl: %v", ErrBadRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: manifestUrl must be an absolute http(s) URL", ErrBadRequest)
	}
	for _, item := range req.Items {
		switch item.Name {
		case ItemTonAddr, ItemTonProof:
		default:
			return fmt.Errorf("%w: unsupported item %q", ErrBadRequest, item.Name)
		}
	}
	return nil
}
