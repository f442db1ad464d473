package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/warp/reward-engine/rewards"
)

// =============================================================================
// HISTORY CLIENT
// =============================================================================

// HistoryClient reads the latest stored version of a resource.
//
// Errors:
//   - rewards.ErrHistoryUnavailable: the server has no version yet
//   - rewards.ErrUpstreamUnavailable: transport failure, timeout or 5xx
type HistoryClient interface {
	LatestVersion(ctx context.Context, resourceType, id string) (*Resource, error)
}

const DefaultHistoryTimeout = 10 * time.Second

// HTTPHistoryClient reads GET {base}/fhir/R4/{type}/{id}/_history.
// Retries are left to the webhook sender: a failed fetch is reported as
// retryable and the notification is redelivered.
type HTTPHistoryClient struct {
	baseURL string
	token   string
	client  *httpclient.Client
}

func NewHTTPHistoryClient(baseURL, token string, timeout time.Duration) *HTTPHistoryClient {
	if timeout <= 0 {
		timeout = DefaultHistoryTimeout
	}
	return &HTTPHistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: httpclient.NewClient(
			httpclient.WithHTTPTimeout(timeout),
			httpclient.WithRetryCount(0),
		),
	}
}

func (c *HTTPHistoryClient) LatestVersion(ctx context.Context, resourceType, id string) (*Resource, error) {
	endpoint := fmt.Sprintf("%s/fhir/R4/%s/%s/_history",
		c.baseURL, url.PathEscape(resourceType), url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Content-Type", "application/fhir+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: history %s/%s: %v", rewards.ErrUpstreamUnavailable, resourceType, id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s/%s", rewards.ErrHistoryUnavailable, resourceType, id)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: history %s/%s: status %d", rewards.ErrUpstreamUnavailable, resourceType, id, resp.StatusCode)
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("%w: decode history bundle: %v", rewards.ErrUpstreamUnavailable, err)
	}
	return bundle.Latest(resourceType, id)
}

// Latest returns the newest entry of a history bundle.
func (b Bundle) Latest(resourceType, id string) (*Resource, error) {
	if len(b.Entry) == 0 || b.Entry[0].Resource == nil {
		return nil, fmt.Errorf("%w: %s/%s", rewards.ErrHistoryUnavailable, resourceType, id)
	}
	return b.Entry[0].Resource, nil
}
