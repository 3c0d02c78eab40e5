package slippi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// VersionFetcher resolves the client version string the matchmaking server
// expects inside ticket requests.
type VersionFetcher interface {
	LatestVersion(ctx context.Context, uid string) (string, error)
}

// versionRequestTimeout bounds one version lookup. The lookup overlaps the
// UDP handshake, so this only matters when the endpoint stalls.
const versionRequestTimeout = 10 * time.Second

// VersionClient fetches version metadata from the user HTTP endpoint.
type VersionClient struct {
	baseURL string
	httpc   *http.Client
}

// NewVersionClient builds a client for the given API base URL. The bot uid
// is appended as the final path segment of each request. insecureSkipVerify
// disables TLS certificate verification for endpoints serving a self-signed
// chain.
func NewVersionClient(baseURL string, insecureSkipVerify bool) *VersionClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &VersionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{
			Timeout:   versionRequestTimeout,
			Transport: transport,
		},
	}
}

// LatestVersion returns the latestVersion field of GET <base>/<uid>.
func (c *VersionClient) LatestVersion(ctx context.Context, uid string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(uid), nil)
	if err != nil {
		return "", fmt.Errorf("building version request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching version metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version endpoint returned %s", resp.Status)
	}

	var body struct {
		LatestVersion string `json:"latestVersion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding version response: %w", err)
	}
	if body.LatestVersion == "" {
		return "", errors.New("version response missing latestVersion")
	}
	return body.LatestVersion, nil
}
