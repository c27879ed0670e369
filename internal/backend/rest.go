package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/nixcache/nixcache/internal/logging"
)

// httpCaller is the minimal surface backend clients need from an HTTP
// client: a base URL plus JSON and raw-body request helpers. Grounded on rclone's lib/rest.Client("opts, dest") pattern: a small
// typed wrapper around *http.Client rather than a raw transport.
type httpCaller struct {
	client *http.Client
	base   string
	log    logging.Identity
}

func newHTTPCaller(client *http.Client, base string, log logging.Identity) *httpCaller {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpCaller{client: client, base: base, log: log}
}

// callJSON performs an HTTP request with a JSON body (if req != nil) and
// decodes a JSON response into resp (if resp != nil). It returns the raw
// *http.Response (body already drained/closed) for callers that need the
// status code (e.g. CircuitBreaker.Observe), and an error classified into
// the backend package's error kinds.
func (h *httpCaller) callJSON(ctx context.Context, method, path string, headers map[string]string, req, resp interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, &ErrDecode{Cause: err}
		}
		bodyReader = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, h.base+path, bodyReader)
	if err != nil {
		return nil, &ErrTransport{Cause: err}
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		logging.Debugf(h.log, "request %s %s failed: %v", method, path, err)
		return nil, &ErrTransport{Cause: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return httpResp, &ErrTransport{Cause: err}
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return httpResp, &ErrThrottled{Status: httpResp.StatusCode}
	}
	if httpResp.StatusCode == http.StatusNoContent {
		return httpResp, nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return httpResp, parseBackendError(httpResp.StatusCode, body)
	}

	if resp != nil && len(body) > 0 {
		if err := json.Unmarshal(body, resp); err != nil {
			return httpResp, &ErrDecode{Cause: errors.Wrapf(err, "decoding response from %s", path)}
		}
	}
	return httpResp, nil
}

// rawBody performs a request with an arbitrary byte body (used for chunk
// PATCH/PUT uploads, which are never JSON) and returns the response.
func (h *httpCaller) rawBody(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ErrTransport{Cause: err}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, &ErrTransport{Cause: err}
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return httpResp, &ErrThrottled{Status: httpResp.StatusCode}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return httpResp, parseBackendError(httpResp.StatusCode, respBody)
	}
	return httpResp, nil
}

type structuredMessage struct {
	Message string `json:"message"`
}

// parseBackendError best-effort parses a non-2xx body as {message: string}.
// A UTF-8 BOM at the start of the body is stripped first, matching
// spec.md §4.B's explicit response-validation rule.
func parseBackendError(status int, body []byte) error {
	body = bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})
	var sm structuredMessage
	if err := json.Unmarshal(body, &sm); err == nil && sm.Message != "" {
		return &ErrBackend{Status: status, Message: sm.Message}
	}
	return &ErrBackend{Status: status, Body: string(body)}
}
