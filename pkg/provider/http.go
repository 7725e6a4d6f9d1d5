package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody caps how much of a failed upstream body ends up in an error.
const maxErrorBody = 512

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// doUpstreamRequest posts a JSON body to baseURL+path and returns the result.
func doUpstreamRequest(ctx context.Context, client *http.Client, baseURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// postJSON marshals in, posts it and decodes a 2xx response into out. Every
// failure is returned as a transport failure Error.
func postJSON(ctx context.Context, client *http.Client, name, model, baseURL, path string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindTransportFailure, Provider: name, Model: model, Err: fmt.Errorf("encode request: %w", err)}
	}

	res, err := doUpstreamRequest(ctx, client, baseURL, path, headers, body)
	if err != nil {
		return &Error{Kind: KindTransportFailure, Provider: name, Model: model, Err: err}
	}
	if res.statusCode < 200 || res.statusCode > 299 {
		snippet := res.body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return &Error{
			Kind:     KindTransportFailure,
			Provider: name,
			Model:    model,
			Status:   res.statusCode,
			Err:      fmt.Errorf("upstream returned %d: %s", res.statusCode, strings.TrimSpace(string(snippet))),
		}
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		return &Error{Kind: KindTransportFailure, Provider: name, Model: model, Status: res.statusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
