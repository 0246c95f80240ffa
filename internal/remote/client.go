// Package remote talks to a patchsync server: the info handshake, manifest
// listing, size queries, the server ignore list, legacy version files and
// the file downloads themselves.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schaermu/patchsync/internal/manifest"
)

// ClientHeader identifies the updater instance on every request
const ClientHeader = "X-Patchsync-Client"

// maxResponseSize bounds JSON and text responses. File downloads are
// streamed and not subject to it.
const maxResponseSize int64 = 64 << 20

// Endpoint paths relative to the server base URL
const (
	InfoPath         = "server/info"
	ListPath         = "server/list/"
	SizePath         = "server/size"
	IgnoreListPath   = "server/ignore-list"
	FilesPath        = "files/"
	VersionIndexPath = "versionindex.txt"
)

// Info is the server handshake response
type Info struct {
	Enabled      bool     `json:"enabled"`
	Version      string   `json:"version"`
	CheckMethods []string `json:"check_methods"`
	Plugins      []string `json:"plugins"`
}

// SizeResponse is the answer to a size query
type SizeResponse struct {
	Size int64 `json:"size"`
}

// Options configures a Client
type Options struct {
	BaseURL    string
	ClientID   string
	UserAgent  string
	Timeout    time.Duration // connect and response header timeout
	HTTPClient *http.Client
}

// Client is a patchsync server client
type Client struct {
	base      string
	http      *http.Client
	clientID  string
	userAgent string
	logger    *slog.Logger
}

// NewClient validates the base URL and creates a client
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Timeout bounds connection setup and response headers only;
		// file bodies are streamed for as long as they take.
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: opts.Timeout}).DialContext,
			TLSHandshakeTimeout:   opts.Timeout,
			ResponseHeaderTimeout: opts.Timeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "patchsync"
	}

	return &Client{
		base:      strings.TrimSuffix(u.String(), "/") + "/",
		http:      httpClient,
		clientID:  opts.ClientID,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// BaseURL returns the server base URL with a trailing slash
func (c *Client) BaseURL() string { return c.base }

// FileURL returns the download URL of a manifest relative path. Each path
// segment is escaped on its own so separators survive.
func (c *Client) FileURL(rel string) string {
	return c.base + FilesPath + EscapePath(rel)
}

// EscapePath escapes every segment of a slash separated path
func EscapePath(rel string) string {
	segments := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.clientID != "" {
		req.Header.Set(ClientHeader, c.clientID)
	}
	return req, nil
}

// do sends a request and returns the response when the status is 2xx
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, &StatusError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// get fetches a bounded response body
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.base+endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

// Info performs the handshake
func (c *Client) Info(ctx context.Context) (*Info, error) {
	data, err := c.get(ctx, InfoPath)
	if err != nil {
		return nil, &ManifestError{URL: c.base + InfoPath, Err: err}
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &ManifestError{URL: c.base + InfoPath, Err: fmt.Errorf("invalid info response: %w", err)}
	}
	return &info, nil
}

// List fetches the manifest for method and decodes it with the method's
// own entry type.
func (c *Client) List(ctx context.Context, method manifest.CheckMethod) ([]manifest.Entry, error) {
	endpoint := ListPath + url.PathEscape(method.Name())
	data, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, &ManifestError{URL: c.base + endpoint, Err: err}
	}
	entries, err := method.Decode(data)
	if err != nil {
		return nil, &ManifestError{URL: c.base + endpoint, Err: err}
	}
	c.logger.Debug("manifest listed", "method", method.Name(), "entries", len(entries))
	return entries, nil
}

// Size returns the total size of paths. When the server cannot answer the
// query the Content-Length of every file is summed instead.
func (c *Client) Size(ctx context.Context, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	size, err := c.querySize(ctx, paths)
	if err == nil {
		return size, nil
	}
	c.logger.Warn("size query failed, falling back to HEAD requests", "error", err)
	return c.headSize(ctx, paths)
}

func (c *Client) querySize(ctx context.Context, paths []string) (int64, error) {
	body, err := json.Marshal(paths)
	if err != nil {
		return 0, fmt.Errorf("failed to encode size query: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.base+SizePath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var sr SizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&sr); err != nil {
		return 0, fmt.Errorf("invalid size response: %w", err)
	}
	return sr.Size, nil
}

func (c *Client) headSize(ctx context.Context, paths []string) (int64, error) {
	var total int64
	for _, p := range paths {
		req, err := c.newRequest(ctx, http.MethodHead, c.FileURL(p), nil)
		if err != nil {
			return 0, err
		}
		resp, err := c.do(req)
		if err != nil {
			return 0, err
		}
		_ = resp.Body.Close()
		if resp.ContentLength > 0 {
			total += resp.ContentLength
		}
	}
	return total, nil
}

// IgnoreList fetches the server-side ignore prefixes
func (c *Client) IgnoreList(ctx context.Context) ([]string, error) {
	data, err := c.get(ctx, IgnoreListPath)
	if err != nil {
		return nil, err
	}
	var rules []string
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("invalid ignore list: %w", err)
	}
	return rules, nil
}

// VersionIndex fetches the legacy version index
func (c *Client) VersionIndex(ctx context.Context) ([]byte, error) {
	data, err := c.get(ctx, VersionIndexPath)
	if err != nil {
		return nil, &ManifestError{URL: c.base + VersionIndexPath, Err: err}
	}
	return data, nil
}

// VersionFile fetches the directive file of one legacy version
func (c *Client) VersionFile(ctx context.Context, version string) ([]byte, error) {
	endpoint := url.PathEscape(version) + ".txt"
	data, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, &ManifestError{URL: c.base + endpoint, Err: err}
	}
	return data, nil
}

// Fetch opens a remote file for streaming. The caller closes the body.
func (c *Client) Fetch(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
