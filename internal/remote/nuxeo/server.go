package nuxeo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/nxdrive/drivesync/internal/remote"
)

// s3MinVersion is the first server release accepting direct S3 batches.
const s3MinVersion = "v10.10"

type cmisInfo struct {
	Default struct {
		ProductVersion string `json:"productVersion"`
	} `json:"default"`
}

// ServerVersion returns the product version reported by the repository,
// e.g. "10.10-HF23".
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var info cmisInfo
	if err := c.do(ctx, http.MethodGet, "/json/cmis", nil, nil, &info); err != nil {
		return "", fmt.Errorf("failed to get server version: %w", err)
	}
	if info.Default.ProductVersion == "" {
		return "", fmt.Errorf("server did not report a version")
	}
	return info.Default.ProductVersion, nil
}

// ServerConfig returns the Drive configuration pushed by the server. A
// server without the endpoint yields an empty map.
func (c *Client) ServerConfig(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.do(ctx, http.MethodGet, "/api/v1/drive/configuration", nil, nil, &out)
	if errors.Is(err, remote.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server configuration: %w", err)
	}
	return out, nil
}

// CanonicalVersion turns a product version into a semver string:
// "10.10-HF23" becomes "v10.10", "2021.5" stays "v2021.5".
func CanonicalVersion(version string) string {
	v := strings.TrimSpace(version)
	if i := strings.IndexAny(v, "-_ "); i >= 0 {
		v = v[:i]
	}
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// SupportsS3 reports whether version accepts direct S3 uploads.
func SupportsS3(version string) bool {
	v := CanonicalVersion(version)
	return v != "" && semver.Compare(v, s3MinVersion) >= 0
}

// Negotiate enables S3 direct uploads when allowed by the configuration
// and supported by the server version. It returns the server version.
func (c *Client) Negotiate(ctx context.Context, allowS3 bool) (string, error) {
	version, err := c.ServerVersion(ctx)
	if err != nil {
		return "", err
	}
	enabled := allowS3 && SupportsS3(version)
	c.SetS3(enabled)
	c.logger.Printf("server %s, S3 direct upload %t", version, enabled)
	return version, nil
}
