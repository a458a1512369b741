// Package transport implements the HTTP Transport (HT, spec.md §4.5):
// HEAD/GET requests with fixed headers, a configurable timeout triple,
// no redirect following, and a range-support probe. Grounded on the
// teacher's internal/engine/http.go (newRequest/ProbeURL/friendlyError),
// generalized from a GET-with-Range(0-0) probe to an explicit HEAD-first
// probe per spec.md §4.5, with the same fallback semantics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tachyon-labs/dlengine/internal/errkind"
)

// Config is the connect/response/idle timeout triple plus fixed headers.
type Config struct {
	UserAgent           string
	Referer             string
	ConnectTimeout      time.Duration
	ResponseTimeout     time.Duration
	IdleTimeout         time.Duration
	RangeSupportTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		UserAgent:           "dlengine/1.0",
		ConnectTimeout:      10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		IdleTimeout:         90 * time.Second,
		RangeSupportTimeout: 5 * time.Second,
	}
}

// Transport issues the engine's outbound HTTPS requests.
type Transport struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Transport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		DisableCompression:    true,
	}
	return &Transport{
		cfg: cfg,
		client: &http.Client{
			Transport: tr,
			Timeout:   0, // per-request deadlines come from ctx, not a blanket client timeout
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *Transport) newRequest(ctx context.Context, method, url string, resumeFrom int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	if t.cfg.Referer != "" {
		req.Header.Set("Referer", t.cfg.Referer)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}
	return req, nil
}

// ProbeResult is the outcome of a HEAD/range-support probe.
type ProbeResult struct {
	Supported    bool
	TotalBytes   int64
	AcceptRanges bool
	ETag         string
	LastModified string
}

// CheckRangeSupport issues a HEAD with timeout RangeSupportTimeout. A
// failure returns {Supported:false} — the caller falls back to SS
// (spec.md §4.5).
func (t *Transport) CheckRangeSupport(ctx context.Context, url string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RangeSupportTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodHead, url, 0)
	if err != nil {
		return ProbeResult{Supported: false}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return ProbeResult{Supported: false}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{Supported: false}
	}
	result := ProbeResult{
		TotalBytes:   resp.ContentLength,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
		result.AcceptRanges = true
		result.Supported = result.TotalBytes > 0
	}
	return result
}

// Get issues a ranged (resumeFrom>0) or full GET and returns the live
// response for the caller to stream from. Only 200 and 206 succeed; 3xx
// and every other status return an *errkind.Err of kind NetworkFatal.
//
// The wait for response headers is bounded by ResponseTimeout via the
// client transport's ResponseHeaderTimeout; it never bounds the body
// stream itself (spec.md §4.5 timeout triple). Once headers arrive, the
// returned body is wrapped so that IdleTimeout bounds only the gap
// between successive reads, letting a multi-gigabyte transfer (§6
// files.maxFileSize) run as long as bytes keep arriving.
func (t *Transport) Get(ctx context.Context, url string, resumeFrom int64) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := t.newRequest(ctx, http.MethodGet, url, resumeFrom)
	if err != nil {
		cancel()
		return nil, errkind.New(errkind.InputInvalid, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyNetError(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		resp.Body = newIdleTimeoutBody(resp.Body, cancel, t.cfg.IdleTimeout)
		return resp, nil
	default:
		defer resp.Body.Close()
		defer cancel()
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			return nil, errkind.New(errkind.NetworkFatal, fmt.Errorf("redirection not supported (HTTP %d)", resp.StatusCode))
		}
		return nil, errkind.New(errkind.NetworkFatal, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

// classifyNetError maps low-level network errors to the spec's §7 kinds
// and, for the terminal set, to a short human message (§7 "User-visible
// mapping"), continuing the teacher's friendlyError/friendlyHTTPError idiom.
func classifyNetError(err error) error {
	msg := friendlyNetError(err)
	if msg != "" {
		return errkind.New(errkind.NetworkTransient, errors.New(msg))
	}
	return errkind.New(errkind.NetworkTransient, err)
}

func friendlyNetError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "cannot connect"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "refused"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "reset by server"
	}
	if errors.Is(err, syscall.EPIPE) {
		return "connection closed"
	}
	if errors.Is(err, syscall.EHOSTUNREACH) {
		return "host unreachable"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return ""
}

// GetRange issues a GET for the inclusive byte range [start,end], used by
// the Chunked Downloader for per-chunk fetches (spec.md §4.7). Only 206
// (or 200, for servers that ignore Range on a full-file response) succeed.
// Header wait and body idle gaps are bounded the same way as Get.
func (t *Transport) GetRange(ctx context.Context, url string, start, end int64) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := t.newRequest(ctx, http.MethodGet, url, 0)
	if err != nil {
		cancel()
		return nil, errkind.New(errkind.InputInvalid, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyNetError(err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		resp.Body = newIdleTimeoutBody(resp.Body, cancel, t.cfg.IdleTimeout)
		return resp, nil
	default:
		defer resp.Body.Close()
		defer cancel()
		return nil, errkind.New(errkind.NetworkFatal, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

// idleTimeoutBody wraps a response body so that IdleTimeout bounds only
// the gap between successive reads, not total transfer time: each Read
// resets the timer, and a firing timer cancels the request context,
// which unblocks the in-flight Read with a context error.
type idleTimeoutBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	idle   time.Duration
	timer  *time.Timer
}

func newIdleTimeoutBody(body io.ReadCloser, cancel context.CancelFunc, idle time.Duration) io.ReadCloser {
	if idle <= 0 {
		return body
	}
	return &idleTimeoutBody{
		ReadCloser: body,
		cancel:     cancel,
		idle:       idle,
		timer:      time.AfterFunc(idle, cancel),
	}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.timer.Reset(b.idle)
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.ReadCloser.Close()
}

// ParseContentRange extracts the declared total size from a 206
// response's Content-Range header ("bytes a-b/total").
func ParseContentRange(header string) (total int64, ok bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
