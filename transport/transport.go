// Package transport implements the tus 1.0.0 wire operations used by the
// Upload Engine: creation (POST), offset discovery (HEAD) and chunk upload
// (PATCH), with request/response debug-dump logging around a single HTTP
// client shared across calls.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	netURL "net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/go-tus/tusclient/tuserr"
)

// ProtocolVersion is the tus protocol version this client speaks.
const ProtocolVersion = "1.0.0"

// Client sends the tus wire requests. Each Engine builds its own Client;
// each request is independent — the Client itself holds no upload-specific
// state.
type Client struct {
	httpClient *http.Client
	logger     log.Logger
}

// New builds a transport Client. User-supplied headers are passed per call
// to Create, Offset and Patch. Retries are the caller's responsibility; the
// underlying HTTP client itself never retries, so callers see exactly one
// attempt per call.
func New(logger log.Logger) *Client {
	retryable := retryhttp.NewClient(logger)
	retryable.RetryMax = 0

	return &Client{
		httpClient: retryable.StandardClient(),
		logger:     logger,
	}
}

func (c *Client) do(req *http.Request, header http.Header) (*http.Response, error) {
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Tus-Resumable", ProtocolVersion)

	dump, err := httputil.DumpRequest(req, false)
	if err == nil {
		c.logger.Debugf("tus request: %s", string(dump))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if respDump, derr := httputil.DumpResponse(resp, false); derr == nil {
		c.logger.Debugf("tus response: %s", string(respDump))
	}

	return resp, nil
}

// CreateResult is the outcome of a successful Create call.
type CreateResult struct {
	URL string
}

// Create sends "POST collectionURI" with Upload-Length and Upload-Metadata.
// size must already be resolved (materialized if it was unknown at Engine
// construction).
func (c *Client) Create(ctx context.Context, collectionURI string, size int64, encodedMetadata string, header http.Header) (*CreateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, collectionURI, nil)
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}

	req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	req.Header.Set("Upload-Metadata", encodedMetadata)
	req.ContentLength = 0

	resp, err := c.do(req, header)
	if err != nil {
		return nil, fmt.Errorf("send create request: %w", err)
	}
	defer resp.Body.Close()

	// Accept any 2xx, and also 404 (some servers redirect unknown creations
	// rather than reject them outright).
	if !(resp.StatusCode >= 200 && resp.StatusCode < 300) && resp.StatusCode != http.StatusNotFound {
		return nil, tuserr.NewProtocolError("create", resp.StatusCode, "unexpected status from creation POST")
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, tuserr.NewProtocolError("create", resp.StatusCode, "missing Location header")
	}

	// Servers occasionally return a comma-joined list for a header that
	// should be single-valued; take only the first element.
	if idx := strings.Index(location, ","); idx >= 0 {
		location = location[:idx]
	}

	resolved, err := resolveLocation(collectionURI, location)
	if err != nil {
		return nil, tuserr.NewProtocolError("create", resp.StatusCode, fmt.Sprintf("unparsable Location: %s", err))
	}

	return &CreateResult{URL: resolved}, nil
}

func resolveLocation(baseURI, location string) (string, error) {
	base, err := netURL.Parse(baseURI)
	if err != nil {
		return "", fmt.Errorf("parse base URI: %w", err)
	}

	parsed, err := netURL.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Location header: %w", err)
	}

	if parsed.Host == "" {
		parsed.Host = base.Host
	}
	if parsed.Scheme == "" {
		parsed.Scheme = base.Scheme
	}

	return parsed.String(), nil
}

// Offset performs "HEAD uploadURL" and returns the server-reported
// Upload-Offset.
func (c *Client) Offset(ctx context.Context, uploadURL string, header http.Header) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build head request: %w", err)
	}

	resp, err := c.do(req, header)
	if err != nil {
		return 0, fmt.Errorf("send head request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, tuserr.NewProtocolError("head", resp.StatusCode, "unexpected status from offset query")
	}

	rawOffset := resp.Header.Get("Upload-Offset")
	if idx := strings.Index(rawOffset, ","); idx >= 0 {
		rawOffset = rawOffset[:idx]
	}

	offset, err := strconv.ParseInt(rawOffset, 10, 64)
	if err != nil || offset < 0 {
		return 0, tuserr.NewProtocolError("head", resp.StatusCode, "missing or invalid Upload-Offset")
	}

	return offset, nil
}

// PatchResult is the outcome of a successful chunk PATCH.
type PatchResult struct {
	// ServerOffset is the offset the server reports after applying the
	// chunk.
	ServerOffset int64
}

// Patch sends "PATCH uploadURL" with the chunk body starting at offset. It
// performs exactly one attempt; retry is the caller's responsibility.
func (c *Client) Patch(ctx context.Context, uploadURL string, offset int64, body io.Reader, size int64, header http.Header) (*PatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, body)
	if err != nil {
		return nil, fmt.Errorf("build patch request: %w", err)
	}

	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.ContentLength = size

	resp, err := c.do(req, header)
	if err != nil {
		return nil, fmt.Errorf("send patch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, tuserr.NewProtocolError("patch", resp.StatusCode, "unexpected status from chunk upload")
	}

	rawOffset := resp.Header.Get("Upload-Offset")
	if idx := strings.Index(rawOffset, ","); idx >= 0 {
		rawOffset = rawOffset[:idx]
	}

	serverOffset, err := strconv.ParseInt(rawOffset, 10, 64)
	if err != nil || serverOffset < 0 {
		return nil, tuserr.NewProtocolError("patch", resp.StatusCode, "missing or invalid Upload-Offset in response")
	}

	return &PatchResult{ServerOffset: serverOffset}, nil
}
