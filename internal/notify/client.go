package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is the request/response surface of the external notification
// service. Fetch retrieves the full snapshot for a principal; the four
// mutation calls return nil only when the server acknowledged the
// command. None of the calls retry automatically: a Network failure is
// surfaced to the caller, which decides whether to reissue.
type Client interface {
	Fetch(ctx context.Context, principalID string) ([]Notification, error)
	MarkRead(ctx context.Context, id, principalID string) error
	MarkAllRead(ctx context.Context, principalID string) error
	Delete(ctx context.Context, id, principalID string) error
	ClearAll(ctx context.Context, principalID string) error
}

type HTTPClient struct {
	baseURL    string
	credential CredentialSource
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, credential CredentialSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		credential: credential,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, principalID string) ([]Notification, error) {
	var out []Notification
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/notifications/%s", url.PathEscape(principalID)), &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, id, principalID string) error {
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/notifications/%s/read/%s", url.PathEscape(id), url.PathEscape(principalID)), nil)
}

func (c *HTTPClient) MarkAllRead(ctx context.Context, principalID string) error {
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/notifications/%s/read-all", url.PathEscape(principalID)), nil)
}

func (c *HTTPClient) Delete(ctx context.Context, id, principalID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/notifications/%s/%s", url.PathEscape(id), url.PathEscape(principalID)), nil)
}

func (c *HTTPClient) ClearAll(ctx context.Context, principalID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/notifications/%s/clear-all", url.PathEscape(principalID)), nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
	if err != nil {
		return err
	}
	token := ""
	if c.credential != nil {
		token, err = c.credential.Token(ctx)
		if err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
