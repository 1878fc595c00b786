// Package fetch acquires subject profiles through a cache-aside layer backed
// by an ordered chain of scraping providers.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Sentinel errors for provider failures. Permanent failures describe the
// subject and end the fallback chain; transient ones describe the provider.
var (
	ErrProviderPermanent = errors.New("provider permanent failure")
	ErrProviderTransient = errors.New("provider transient failure")
)

// ActorClient runs one scraping actor synchronously and returns its dataset items.
type ActorClient interface {
	Run(ctx context.Context, actor string, input map[string]any) ([]map[string]any, error)
}

// HTTPClient implements ActorClient against an actor platform's run-sync API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new actor HTTP client. Per-attempt timeouts come
// from the caller's context.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (c *HTTPClient) Run(ctx context.Context, actor string, input map[string]any) ([]map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding actor input: %w", err)
	}

	u := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items", c.baseURL, url.PathEscape(actor))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", ErrProviderTransient, err)
	}
	if err := classifyItems(items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps a non-2xx response to a sentinel error. Only 403 is a
// property of the subject. A 404 names the actor endpoint, not the profile:
// a renamed or misconfigured actor must fall through to the next provider.
// Missing profiles are reported in the items, see classifyItems.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(readSnippet(resp.Body)))
	switch resp.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrProviderPermanent, resp.StatusCode, snippet)
	case http.StatusNotFound:
		return fmt.Errorf("%w: actor not found: %s", ErrProviderTransient, snippet)
	default:
		return fmt.Errorf("%w: status %d", ErrProviderTransient, resp.StatusCode)
	}
}

func readSnippet(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return b
}

var permanentMarkers = []string{"not found", "not_found", "does not exist", "private", "restricted"}

// classifyItems inspects a successful response for error items. Actors report
// subject-level failures as a single item carrying an error field.
func classifyItems(items []map[string]any) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: empty payload", ErrProviderTransient)
	}
	first := items[0]
	if isPrivate(first) {
		return fmt.Errorf("%w: profile is private", ErrProviderPermanent)
	}
	raw, ok := first["error"]
	if !ok || raw == nil {
		return nil
	}
	msg := strings.ToLower(fmt.Sprint(raw))
	if desc, ok := first["errorDescription"].(string); ok {
		msg += ": " + strings.ToLower(desc)
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", ErrProviderPermanent, msg)
		}
	}
	return fmt.Errorf("%w: %s", ErrProviderTransient, msg)
}

func isPrivate(item map[string]any) bool {
	for _, k := range []string{"private", "isPrivate"} {
		if v, ok := item[k].(bool); ok && v {
			return true
		}
	}
	return false
}

// classifyError maps transport-level errors to sentinel errors. Every
// transport failure is transient.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrProviderTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrProviderTransient, err)
	}

	return fmt.Errorf("%w: unreachable: %v", ErrProviderTransient, err)
}

// Compile-time check that HTTPClient implements ActorClient.
var _ ActorClient = (*HTTPClient)(nil)
