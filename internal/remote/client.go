// Package remote talks to the ledger API, the source of truth for every
// cached entity collection. One operation group per entity type, routed
// through the models route table.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	lserrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/tidwall/gjson"
)

// APIError is the error envelope the ledger API uses. Some endpoints
// return it with a 200 status, so bodies are always checked.
type APIError struct {
	Error string `json:"error"`
}

// Client talks to the ledger REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// do sends a request with an optional JSON body and returns the raw
// response body. 404 maps to ErrNotFound so callers can treat missing
// remote entities as already converged.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending %s %s: %v", lserrors.ErrAPIRequest, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, lserrors.ErrNotFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%w: %s (%d): %s", lserrors.ErrAPIResponse, endpoint, resp.StatusCode, apiErr.Error)
		}

		return nil, fmt.Errorf("%w: %s returned status %d: %s", lserrors.ErrAPIResponse, endpoint, resp.StatusCode, string(respBody))
	}

	// Some endpoints report errors as 200 with an "error" field in the body.
	var apiErr APIError
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", lserrors.ErrAPIResponse, endpoint, apiErr.Error)
	}

	return respBody, nil
}

// FetchAll returns the authoritative set for one entity type. The API may
// wrap the array in a {"data": [...]} envelope or return it bare.
func (c *Client) FetchAll(ctx context.Context, et models.EntityType) ([]json.RawMessage, error) {
	route, err := models.RouteFor(et)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodGet, route.APIPath, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", et, err)
	}

	arr := gjson.GetBytes(body, "data")
	if !arr.Exists() {
		arr = gjson.ParseBytes(body)
	}
	if !arr.IsArray() {
		return nil, fmt.Errorf("%w: %s list is not an array", lserrors.ErrAPIResponse, et)
	}

	var out []json.RawMessage
	arr.ForEach(func(_, item gjson.Result) bool {
		out = append(out, json.RawMessage(item.Raw))

		return true
	})

	return out, nil
}

// Create submits a new entity and returns the canonical record the remote
// assigned, including its permanent identifier.
func (c *Client) Create(ctx context.Context, et models.EntityType, payload []byte) (json.RawMessage, error) {
	route, err := models.RouteFor(et)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, route.APIPath, payload)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", et, err)
	}

	return unwrapRecord(body)
}

// Update submits changed fields for an entity and returns the canonical
// record.
func (c *Client) Update(ctx context.Context, et models.EntityType, id string, payload []byte) (json.RawMessage, error) {
	route, err := models.RouteFor(et)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPut, route.APIPath+"/"+id, payload)
	if err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", et, id, err)
	}

	return unwrapRecord(body)
}

// Delete removes an entity on the remote.
func (c *Client) Delete(ctx context.Context, et models.EntityType, id string) error {
	route, err := models.RouteFor(et)
	if err != nil {
		return err
	}

	if _, err := c.do(ctx, http.MethodDelete, route.APIPath+"/"+id, nil); err != nil {
		return fmt.Errorf("deleting %s %s: %w", et, id, err)
	}

	return nil
}

// Send triggers the entity-specific state transition (invoice dispatch,
// withdrawal submission) and returns the canonical record afterwards.
func (c *Client) Send(ctx context.Context, et models.EntityType, id string) (json.RawMessage, error) {
	route, err := models.RouteFor(et)
	if err != nil {
		return nil, err
	}
	if !route.Sendable {
		return nil, fmt.Errorf("%s does not support send", et)
	}

	body, err := c.do(ctx, http.MethodPost, route.APIPath+"/"+id+"/send", nil)
	if err != nil {
		return nil, fmt.Errorf("sending %s %s: %w", et, id, err)
	}

	return unwrapRecord(body)
}

// ResolveIdentity asks the API who the current token belongs to. Returns
// empty string when the session is signed out rather than an error, so
// callers can distinguish "no identity" from transport failures.
func (c *Client) ResolveIdentity(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/identity/me", nil)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}

		return "", fmt.Errorf("resolving identity: %w", err)
	}

	for _, field := range []string{"id", "_id", "identity", "data.id", "data._id"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.Str != "" {
			return v.Str, nil
		}
	}

	return "", nil
}

// unwrapRecord strips an optional {"data": {...}} envelope from a single
// record response.
func unwrapRecord(body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}

	if data := gjson.GetBytes(body, "data"); data.Exists() && data.IsObject() {
		return json.RawMessage(data.Raw), nil
	}

	return json.RawMessage(body), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, lserrors.ErrNotFound)
}
