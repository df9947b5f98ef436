package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// AllDebridClient talks to the AllDebrid v4.1 API. It normalizes the
// provider's nested, inconsistently-shaped magnet/link payloads to the
// {files: [{name, size, locked_url}]} contract every adapter must produce
// (spec.md §4.2, §9 "duck-typed provider clients").
type AllDebridClient struct {
	apiKey  string
	agent   string
	baseURL string
	http    *retryablehttp.Client
	limiter *RateLimiter
}

// AllDebridOption configures an AllDebridClient.
type AllDebridOption func(*AllDebridClient)

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(u string) AllDebridOption {
	return func(c *AllDebridClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRateLimiter installs a shared process-global limiter.
func WithRateLimiter(rl *RateLimiter) AllDebridOption {
	return func(c *AllDebridClient) { c.limiter = rl }
}

// NewAllDebridClient constructs a client bound to apiKey. Every call is
// retried with bounded backoff via retryablehttp, matching the "retried
// inside the rate-limited call layer" behavior spec.md §7 requires for
// Transient provider errors.
func NewAllDebridClient(apiKey, agent string, logger *slog.Logger, opts ...AllDebridOption) *AllDebridClient {
	if agent == "" {
		agent = "debridflow"
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 3 * time.Second
	hc.HTTPClient.Timeout = 70 * time.Second // connect 10s + read 60s, per spec §5
	hc.Logger = nil
	if logger != nil {
		hc.Logger = slogAdapter{logger}
	}

	c := &AllDebridClient{
		apiKey:  apiKey,
		agent:   agent,
		baseURL: "https://api.alldebrid.com/v4.1",
		http:    hc,
		limiter: NewRateLimiter(2, 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *AllDebridClient) Name() string { return "alldebrid" }

func (c *AllDebridClient) params(extra url.Values) url.Values {
	v := url.Values{"agent": {c.agent}, "apikey": {c.apiKey}}
	for k, vals := range extra {
		v[k] = vals
	}
	return v
}

func (c *AllDebridClient) do(ctx context.Context, method, path string, form url.Values) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	full := c.baseURL + path
	var req *retryablehttp.Request
	var err error
	if method == http.MethodGet {
		full += "?" + c.params(form).Encode()
		req, err = retryablehttp.NewRequestWithContext(ctx, method, full, nil)
	} else {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, full, strings.NewReader(c.params(form).Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alldebrid request: %w", err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp)
}

// uploadTorrentFile posts a .torrent file's bytes to /magnet/upload/file, the
// AllDebrid v4.1 endpoint for uploading a torrent directly rather than a
// magnet link, as the original implementation's AllDebrid client never did
// (it only ever forwarded magnet links) but `.torrent` submission requires.
func (c *AllDebridClient) uploadTorrentFile(ctx context.Context, name string, torrentBytes []byte) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("files[]", name)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(torrentBytes); err != nil {
		return nil, fmt.Errorf("write torrent bytes: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	full := c.baseURL + "/magnet/upload/file?" + c.params(nil).Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, full, body.Bytes())
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alldebrid request: %w", err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp)
}

// decodeEnvelope reads and unwraps AllDebrid's {status, data, error} response
// envelope, shared by form-encoded and multipart requests alike.
func decodeEnvelope(resp *http.Response) (map[string]any, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("alldebrid server error %d", resp.StatusCode)
	}

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Status != "success" {
		code := strings.ToUpper(envelope.Error.Code)
		if code == "MAGNET_INVALID" || code == "MAGNET_MUST_BE_PREMIUM" || code == "LINK_HOST_NOT_SUPPORTED" || code == "LINK_DEAD" {
			return nil, &ErrTerminal{Reason: envelope.Error.Message}
		}
		return nil, fmt.Errorf("alldebrid error %s: %s", envelope.Error.Code, envelope.Error.Message)
	}

	var data map[string]any
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return data, nil
}

// Upload submits a magnet, a base64-encoded .torrent payload, or a link. For
// source_type=link no request is made: the provider_ref is the link itself
// prefixed with "link:", which Status recognizes.
func (c *AllDebridClient) Upload(ctx context.Context, sourceType, source string) (string, error) {
	switch sourceType {
	case "magnet":
		data, err := c.do(ctx, http.MethodPost, "/magnet/upload", url.Values{"magnets[]": {source}})
		if err != nil {
			return "", err
		}
		magnets, _ := data["magnets"].([]any)
		for _, m := range magnets {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if id, ok := mm["id"]; ok {
				return fmt.Sprintf("%v", id), nil
			}
		}
		return "", fmt.Errorf("alldebrid upload: no magnet id in response")
	case "link":
		return "link:" + source, nil
	case "upload":
		raw, err := base64.StdEncoding.DecodeString(source)
		if err != nil {
			return "", fmt.Errorf("alldebrid upload: decode torrent payload: %w", err)
		}
		data, err := c.uploadTorrentFile(ctx, "upload.torrent", raw)
		if err != nil {
			return "", err
		}
		magnets, _ := data["magnets"].([]any)
		for _, m := range magnets {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if id, ok := mm["id"]; ok {
				return fmt.Sprintf("%v", id), nil
			}
		}
		return "", fmt.Errorf("alldebrid upload: no magnet id in response")
	default:
		return "", ErrUnsupportedSourceType
	}
}

// Status polls a provider_ref. For link refs this queries /link/infos and
// synthesizes a single-file manifest whose locked URL is the link itself
// (unlocking happens later, via Unlock); for magnet refs it queries
// /magnet/status and normalizes the nested file tree.
func (c *AllDebridClient) Status(ctx context.Context, providerRef string) (StatusResult, error) {
	if strings.HasPrefix(providerRef, "link:") {
		link := strings.TrimPrefix(providerRef, "link:")
		infos, err := c.do(ctx, http.MethodGet, "/link/infos", url.Values{"link": {link}})
		if err != nil {
			var term *ErrTerminal
			if asTerminal(err, &term) {
				return StatusResult{Terminal: true, Reason: term.Reason}, nil
			}
			return StatusResult{}, err
		}
		name, size := extractNameSize(infos)
		return StatusResult{Files: []File{{Name: name, Size: size, HasSize: size > 0, LockedURL: link}}}, nil
	}

	data, err := c.do(ctx, http.MethodGet, "/magnet/status", url.Values{"id": {providerRef}})
	if err != nil {
		var term *ErrTerminal
		if asTerminal(err, &term) {
			return StatusResult{Terminal: true, Reason: term.Reason}, nil
		}
		return StatusResult{}, err
	}

	mags, _ := data["magnets"]
	var items []any
	switch m := mags.(type) {
	case map[string]any:
		if statusCode, ok := m["statusCode"].(float64); ok && statusCode >= 5 {
			reason, _ := m["status"].(string)
			return StatusResult{Terminal: true, Reason: reason}, nil
		}
		items = append(items, flattenFiles(m["files"])...)
		items = append(items, flattenFiles(m["links"])...)
	case []any:
		if len(m) > 0 {
			if mm, ok := m[0].(map[string]any); ok {
				items = append(items, flattenFiles(mm["files"])...)
				items = append(items, flattenFiles(mm["links"])...)
			}
		}
	}

	var files []File
	for _, it := range items {
		e, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, size := extractNameSize(e)
		locked := firstString(e, "l", "link", "url")
		files = append(files, File{Name: name, Size: size, HasSize: size > 0, LockedURL: locked})
	}
	return StatusResult{Files: files}, nil
}

// Unlock resolves a locked entry to a direct, time-limited download URL.
func (c *AllDebridClient) Unlock(ctx context.Context, lockedURL string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/link/unlock", url.Values{"link": {lockedURL}})
	if err != nil {
		return "", err
	}
	direct := firstString(data, "link", "download", "url")
	if direct == "" {
		return "", fmt.Errorf("alldebrid unlock: no direct url in response")
	}
	return direct, nil
}

func flattenFiles(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []any
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if nested, ok := m["e"].([]any); ok {
			out = append(out, flattenFiles(nested)...)
			continue
		}
		out = append(out, m)
	}
	return out
}

func extractNameSize(m map[string]any) (string, int64) {
	name := firstString(m, "n", "name", "filename")
	var size int64
	for _, k := range []string{"s", "size", "filesize"} {
		switch v := m[k].(type) {
		case float64:
			size = int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				size = n
			}
		}
		if size > 0 {
			break
		}
	}
	return name, size
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func asTerminal(err error, target **ErrTerminal) bool {
	if t, ok := err.(*ErrTerminal); ok {
		*target = t
		return true
	}
	return false
}

// slogAdapter satisfies retryablehttp.LeveledLogger on top of log/slog, so the
// same structured logger used everywhere else in this repo also covers the
// HTTP retry layer instead of pulling in a second logging dependency.
type slogAdapter struct{ l *slog.Logger }

func (s slogAdapter) Error(msg string, kv ...any) { s.l.Error(msg, kv...) }
func (s slogAdapter) Info(msg string, kv ...any)  { s.l.Info(msg, kv...) }
func (s slogAdapter) Debug(msg string, kv ...any) { s.l.Debug(msg, kv...) }
func (s slogAdapter) Warn(msg string, kv ...any)  { s.l.Warn(msg, kv...) }
