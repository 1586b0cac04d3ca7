// Package secrets resolves API key references. A literal value passes
// through; a gcp-secret:// reference is fetched from GCP Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// RefPrefix marks an API key value as a Secret Manager reference:
// gcp-secret://SECRET_NAME or gcp-secret://projects/P/secrets/S[/versions/V].
const RefPrefix = "gcp-secret://"

// IsRef reports whether a config value is a Secret Manager reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve returns the value itself for literals and fetches the payload for
// gcp-secret:// references.
func Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	client, err := NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()
	return client.Fetch(ctx, strings.TrimPrefix(value, RefPrefix))
}

// Client wraps the Secret Manager API client with project resolution.
type Client struct {
	sm        *secretmanager.Client
	projectID string
}

// NewClient builds a Secret Manager client. The project ID comes from the
// standard GCP environment variables; references using full resource paths
// work without one.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	sm, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating secret manager client: %w", err)
	}
	return &Client{sm: sm, projectID: projectIDFromEnv()}, nil
}

func projectIDFromEnv() string {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return ""
}

// Fetch retrieves one secret payload. Accepted forms:
//   - projects/P/secrets/S/versions/V
//   - projects/P/secrets/S (latest version)
//   - S (latest version in the environment's project)
func (c *Client) Fetch(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	name, err := c.normalize(ref)
	if err != nil {
		return "", err
	}
	result, err := c.sm.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("accessing secret %s: %w", name, err)
	}
	return string(result.Payload.Data), nil
}

func (c *Client) normalize(ref string) (string, error) {
	if strings.HasPrefix(ref, "projects/") {
		if strings.Contains(ref, "/versions/") {
			return ref, nil
		}
		if strings.Contains(ref, "/secrets/") {
			return ref + "/versions/latest", nil
		}
		return "", fmt.Errorf("malformed secret reference %q", ref)
	}
	if c.projectID == "" {
		return "", fmt.Errorf("secret reference %q needs a project; set GOOGLE_CLOUD_PROJECT or use a full resource path", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", c.projectID, path.Base(ref)), nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	if c.sm != nil {
		return c.sm.Close()
	}
	return nil
}
