package artifactstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"

	"github.com/maliev/predictionservice/internal/model"
)

// Remote is a Store backed by a service-issued-bearer-token upload service
// (§4.8). Uploads are multipart with idempotent overwrite semantics
// (re-uploading the same modelID replaces the prior artifact, no error).
// Downloads are staged through a signed, time-limited URL the service
// returns rather than assuming direct object-store access.
//
// Upload and Download are wrapped in a circuit breaker (§5 timeouts/retries
// for external I/O): once the remote service trips the breaker, they fail
// fast with gobreaker.ErrOpenState instead of piling up behind a dead
// dependency. Exists, Delete and List call the service directly and are not
// guarded by the breaker.
type Remote struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewRemote constructs a Remote store against baseURL, authenticating every
// request with token (a service-issued bearer token, not a user credential).
func NewRemote(baseURL, token string, httpClient *http.Client) *Remote {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "artifactstore-remote",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Remote{baseURL: baseURL, token: token, httpClient: httpClient, breaker: breaker}
}

var _ Store = (*Remote)(nil)

func (rs *Remote) Upload(ctx context.Context, r io.Reader, modelID string, t model.Type) (string, error) {
	result, err := rs.breaker.Execute(func() (any, error) {
		var body bytes.Buffer

		writer := multipart.NewWriter(&body)

		part, err := writer.CreateFormFile("artifact", modelID+".bin")
		if err != nil {
			return nil, fmt.Errorf("%w: create form file: %w", ErrUploadFailed, err)
		}

		if _, err := io.Copy(part, r); err != nil {
			return nil, fmt.Errorf("%w: copy payload: %w", ErrUploadFailed, err)
		}

		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("%w: close multipart writer: %w", ErrUploadFailed, err)
		}

		url := fmt.Sprintf("%s/artifacts/%s/%s", rs.baseURL, t, modelID)

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &body)
		if err != nil {
			return nil, fmt.Errorf("%w: build request: %w", ErrUploadFailed, err)
		}

		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+rs.token)
		// PUT semantics: re-uploading the same modelID overwrites idempotently.

		resp, err := rs.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
		}

		var parsed struct {
			URI string `json:"uri"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", ErrUploadFailed, err)
		}

		return parsed.URI, nil
	})
	if err != nil {
		return "", err
	}

	return result.(string), nil
}

func (rs *Remote) Download(ctx context.Context, modelID string, t model.Type) (string, error) {
	result, err := rs.breaker.Execute(func() (any, error) {
		signedURL, err := rs.signedDownloadURL(ctx, modelID, t)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: build request: %w", ErrDownloadFailed, err)
		}

		resp, err := rs.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t, modelID)
		}

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
		}

		tmp, err := os.CreateTemp("", "artifact-"+modelID+"-*.bin")
		if err != nil {
			return nil, fmt.Errorf("%w: create temp file: %w", ErrDownloadFailed, err)
		}

		defer func() { _ = tmp.Close() }()

		if _, err := io.Copy(tmp, resp.Body); err != nil {
			return nil, fmt.Errorf("%w: write temp file: %w", ErrDownloadFailed, err)
		}

		return tmp.Name(), nil
	})
	if err != nil {
		return "", err
	}

	return result.(string), nil
}

// signedDownloadURL asks the remote service for a time-limited download URL
// rather than assuming the core has direct network access to the
// underlying object store (§4.8).
func (rs *Remote) signedDownloadURL(ctx context.Context, modelID string, t model.Type) (string, error) {
	url := fmt.Sprintf("%s/artifacts/%s/%s/signed-url", rs.baseURL, t, modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build signed-url request: %w", ErrDownloadFailed, err)
	}

	req.Header.Set("Authorization", "Bearer "+rs.token)

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, t, modelID)
	}

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: signed-url status %d", ErrDownloadFailed, resp.StatusCode)
	}

	var parsed struct {
		URL string `json:"url"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode signed-url response: %w", ErrDownloadFailed, err)
	}

	return parsed.URL, nil
}

func (rs *Remote) Exists(ctx context.Context, modelID string, t model.Type) (bool, error) {
	url := fmt.Sprintf("%s/artifacts/%s/%s", rs.baseURL, t, modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("artifactstore: build exists request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+rs.token)

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("artifactstore: exists: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK, nil
}

func (rs *Remote) Delete(ctx context.Context, modelID string, t model.Type) error {
	url := fmt.Sprintf("%s/artifacts/%s/%s", rs.baseURL, t, modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("artifactstore: build delete request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+rs.token)

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifactstore: delete: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("artifactstore: delete status %d", resp.StatusCode)
	}

	return nil
}

func (rs *Remote) List(ctx context.Context, t model.Type) ([]string, error) {
	url := fmt.Sprintf("%s/artifacts/%s", rs.baseURL, t)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: build list request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+rs.token)

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifactstore: list status %d", resp.StatusCode)
	}

	var parsed struct {
		ModelIDs []string `json:"modelIds"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("artifactstore: decode list response: %w", err)
	}

	return parsed.ModelIDs, nil
}
