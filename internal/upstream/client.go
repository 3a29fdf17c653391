// Package upstream is the thin HTTP client for the Grok web API: request
// assembly with browser-profile headers and cookies, proxy-aware transport,
// and transparent response decompression.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"grokgate/internal/pool"
)

const (
	conversationPath = "/rest/app-chat/conversations/new"
	rateLimitsPath   = "/rest/rate-limits"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"
)

// ErrUpstreamStatus reports a non-200 response from the upstream API.
var ErrUpstreamStatus = errors.New("upstream status error")

// Client talks to the Grok web API on behalf of pooled credentials.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	assetBaseURL string
}

// New constructs a client for the given endpoints. proxyURL may be empty.
func New(baseURL, assetBaseURL, proxyURL string) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Minute, // streaming responses stay open long
		},
		baseURL:      strings.TrimRight(baseURL, "/"),
		assetBaseURL: strings.TrimRight(assetBaseURL, "/"),
	}, nil
}

// ConverseOptions tunes the conversation payload.
type ConverseOptions struct {
	Model                 string
	EnableSearch          bool
	ImageGenerationMethod string
	KeepChat              bool
}

// Converse opens a new conversation and returns the decompressed NDJSON
// response body. The caller owns the returned reader.
func (c *Client) Converse(ctx context.Context, cred pool.Credential, cfClearance, message string, opts ConverseOptions) (io.ReadCloser, error) {
	payload := map[string]any{
		"temporary":             !opts.KeepChat,
		"modelName":             opts.Model,
		"message":               message,
		"fileAttachments":       []string{},
		"imageAttachments":      []string{},
		"disableSearch":         !opts.EnableSearch,
		"enableImageGeneration": true,
		"enableImageStreaming":  opts.ImageGenerationMethod != "legacy",
		"imageGenerationCount":  2,
		"returnImageBytes":      false,
		"sendFinalMetadata":     true,
		"toolOverrides":         map[string]bool{},
		"disableTextFollowUps":  true,
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+conversationPath, cred, cfClearance, payload)
	if err != nil {
		return nil, err
	}
	body, err := decompressBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return body, nil
}

// CheckCredential verifies a credential can reach the rate-limits endpoint.
func (c *Client) CheckCredential(ctx context.Context, cred pool.Credential, cfClearance string) error {
	payload := map[string]any{"requestKind": "DEFAULT", "modelName": "grok-3"}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+rateLimitsPath, cred, cfClearance, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// Fetch retrieves an asset by absolute URL, or by path resolved against the
// upstream asset host. The response body is decompressed.
func (c *Client) Fetch(ctx context.Context, target string) (*http.Response, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.assetBaseURL + "/" + strings.TrimPrefix(target, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create asset request: %w", err)
	}
	req.Header.Set("user-agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: asset %s returned %s", ErrUpstreamStatus, target, resp.Status)
	}
	body, err := decompressBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, target string, cred pool.Credential, cfClearance string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", target, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", target, err)
	}

	host := req.URL.Host
	req.Header.Set("accept", "*/*")
	req.Header.Set("accept-encoding", "gzip, br")
	req.Header.Set("accept-language", "en-US,en;q=0.7")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("origin", "https://"+host)
	req.Header.Set("referer", "https://"+host+"/")
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("x-xai-request-id", uuid.New().String())
	req.Header.Set("cookie", assembleCookie(cred.Cookie, cfClearance))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", target, err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := readErrorSnippet(resp)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s: %s", ErrUpstreamStatus, target, resp.Status, snippet)
	}
	return resp, nil
}

// assembleCookie joins the credential cookie with the shared cf_clearance
// value, which arrives already prefixed from the settings layer.
func assembleCookie(credCookie, cfClearance string) string {
	cookie := strings.TrimSpace(credCookie)
	cf := strings.TrimSpace(cfClearance)
	if cf == "" || cf == "cf_clearance=" {
		return cookie
	}
	if cookie == "" {
		return cf
	}
	if strings.Contains(cookie, "cf_clearance=") {
		return cookie
	}
	return cookie + "; " + cf
}

func readErrorSnippet(resp *http.Response) string {
	body, err := decompressBody(resp)
	if err != nil {
		return "<unreadable body>"
	}
	data, _ := io.ReadAll(io.LimitReader(body, 256))
	body.Close()
	return strings.TrimSpace(string(data))
}

// decompressBody wraps the response body according to Content-Encoding.
// Unknown encodings pass through unchanged; an error body is often still
// readable text.
func decompressBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("content-encoding") {
	case "br":
		return readCloser{Reader: brotli.NewReader(resp.Body), Closer: resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return readCloser{Reader: zr, Closer: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
