// Package httpclient fetches encrypted inputs over HTTP with proxy routing
// and optional browser-like TLS fingerprints.
package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mp4decrypt-go/pkg/config"
	"mp4decrypt-go/pkg/interfaces"
	"mp4decrypt-go/pkg/logging"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// ErrTooLarge is returned by Fetch when the body exceeds the size limit.
var ErrTooLarge = errors.New("response body exceeds size limit")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return "upstream returned " + http.StatusText(e.StatusCode) + " for " + e.URL
}

var (
	_ interfaces.Fetcher    = (*Client)(nil)
	_ interfaces.HTTPClient = (*Client)(nil)
)

// Client wraps http.Client with proxy routing and connection pooling.
type Client struct {
	defaultClient *http.Client
	utlsClient    *http.Client
	proxyClients  map[string]*http.Client
	routes        []config.TransportRoute
	globalProxies []string
	utlsDomains   []string
	timeout       time.Duration
	maxSize       int64
	mu            sync.RWMutex
	log           *logging.Logger
}

// ipv4DialContext forces IPv4-only connections.
func ipv4DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network == "tcp" {
		network = "tcp4"
	}
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 60 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// New creates a new HTTP client with the given configuration.
func New(cfg *config.Config, log *logging.Logger) *Client {
	c := &Client{
		proxyClients:  make(map[string]*http.Client),
		routes:        cfg.TransportRoutes,
		globalProxies: cfg.GlobalProxies,
		utlsDomains:   cfg.UTLSDomains,
		timeout:       cfg.FetchTimeout,
		maxSize:       cfg.MaxInputSize,
		log:           log.WithComponent("httpclient"),
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.maxSize <= 0 {
		c.maxSize = config.DefaultMaxInputSize
	}

	c.defaultClient = &http.Client{
		Transport: &http.Transport{
			DialContext:           ipv4DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		Timeout: c.timeout,
	}
	c.utlsClient = &http.Client{
		Transport: newUTLSRoundTripper(),
		Timeout:   c.timeout,
	}

	return c
}

// Fetch downloads targetURL with the given request headers and returns the
// whole body. Bodies larger than the configured limit fail with ErrTooLarge.
func (c *Client) Fetch(ctx context.Context, targetURL string, headers map[string]string) ([]byte, error) {
	u, err := url.Parse(targetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("invalid input URL %q", targetURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "mp4decrypt-go/1.0")
	}

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", u.Host)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.WithStack(&StatusError{StatusCode: resp.StatusCode, URL: targetURL})
	}
	if resp.ContentLength > c.maxSize {
		return nil, errors.Wrapf(ErrTooLarge, "%s declared", humanize.IBytes(uint64(resp.ContentLength)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read body from %s", u.Host)
	}
	if int64(len(body)) > c.maxSize {
		return nil, errors.Wrapf(ErrTooLarge, "limit %s", humanize.IBytes(uint64(c.maxSize)))
	}

	c.log.WithDuration(time.Since(start)).WithSize("size", len(body)).Debug("fetched input", "host", u.Host)
	return body, nil
}

// utlsRoundTripper implements http.RoundTripper with utls and HTTP/2 support
type utlsRoundTripper struct {
	dialer      *net.Dialer
	h2Transport *http2.Transport
}

func newUTLSRoundTripper() *utlsRoundTripper {
	return &utlsRoundTripper{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		},
		h2Transport: &http2.Transport{},
	}
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return http.DefaultTransport.RoundTrip(req)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}

	conn, err := t.dialer.DialContext(req.Context(), "tcp4", addr)
	if err != nil {
		return nil, err
	}

	// Chrome fingerprint, ALPN decides between h2 and HTTP/1.1
	utlsConn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname()}, utls.HelloChrome_120)
	if err := utlsConn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if utlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Conn, err := t.h2Transport.NewClientConn(utlsConn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return h2Conn.RoundTrip(req)
	}

	if err := req.Write(utlsConn); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(utlsConn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body = &connCloser{resp.Body, utlsConn}
	return resp, nil
}

type connCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (c *connCloser) Close() error {
	c.ReadCloser.Close()
	return c.conn.Close()
}

// needsUTLS returns true if the URL requires browser-like TLS fingerprinting.
func (c *Client) needsUTLS(targetURL string) bool {
	lower := strings.ToLower(targetURL)
	for _, domain := range c.utlsDomains {
		if strings.Contains(lower, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}

// Do executes an HTTP request, routing through proxies as configured.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.getClientForURL(req.URL.String()).Do(req)
}

// getClientForURL returns the appropriate HTTP client based on URL routing rules.
func (c *Client) getClientForURL(targetURL string) *http.Client {
	if c.needsUTLS(targetURL) {
		c.log.Debug("using utls client", "url", targetURL)
		return c.utlsClient
	}

	// Transport routes are the most specific
	for _, route := range c.routes {
		if !strings.Contains(targetURL, route.URLPattern) {
			continue
		}
		c.log.Debug("matched transport route", "url", targetURL, "pattern", route.URLPattern, "proxy", route.Proxy, "direct", route.Direct)

		if route.Direct {
			if route.DisableSSL {
				return c.getInsecureClient()
			}
			return c.defaultClient
		}
		if route.Proxy != "" {
			return c.getOrCreateProxyClient(route.Proxy, route.DisableSSL)
		}
		if route.DisableSSL {
			return c.getInsecureClient()
		}
	}

	if len(c.globalProxies) > 0 {
		proxyURL := c.globalProxies[0]
		c.log.Debug("using global proxy", "url", targetURL, "proxy", proxyURL)
		return c.getOrCreateProxyClient(proxyURL, false)
	}

	return c.defaultClient
}

// getOrCreateProxyClient returns a cached proxy client or creates a new one.
func (c *Client) getOrCreateProxyClient(proxyURL string, disableSSL bool) *http.Client {
	cacheKey := proxyURL
	if disableSSL {
		cacheKey += ":insecure"
	}

	c.mu.RLock()
	if client, ok := c.proxyClients[cacheKey]; ok {
		c.mu.RUnlock()
		return client
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.proxyClients[cacheKey]; ok {
		return client
	}

	client := c.createProxyClient(proxyURL, disableSSL)
	c.proxyClients[cacheKey] = client
	c.log.Debug("created proxy client", "proxy", proxyURL, "disable_ssl", disableSSL)

	return client
}

// createProxyClient creates a new HTTP client for the given proxy.
func (c *Client) createProxyClient(proxyURL string, disableSSL bool) *http.Client {
	transport := &http.Transport{
		DialContext:           ipv4DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if disableSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if proxyURL == "" {
		return &http.Client{Transport: transport, Timeout: c.timeout}
	}

	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		c.log.Error("failed to parse proxy URL", "url", proxyURL, "error", err)
		return c.defaultClient
	}

	switch parsedURL.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(parsedURL, proxy.Direct)
		if err != nil {
			c.log.Error("failed to create SOCKS5 dialer", "error", err)
			return c.defaultClient
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.Dial = dialer.Dial
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	default:
		c.log.Warn("unsupported proxy scheme", "scheme", parsedURL.Scheme)
		return c.defaultClient
	}

	return &http.Client{Transport: transport, Timeout: c.timeout}
}

// getInsecureClient returns a client that skips SSL verification.
func (c *Client) getInsecureClient() *http.Client {
	return c.getOrCreateProxyClient("", true)
}

// ParseHeaderParams extracts headers from query parameters with h_ prefix.
// It converts underscores to hyphens in header names (e.g., h_User_Agent -> User-Agent).
func ParseHeaderParams(query url.Values) map[string]string {
	headers := make(map[string]string)
	for key, values := range query {
		if strings.HasPrefix(key, "h_") && len(values) > 0 {
			headerName := strings.ReplaceAll(key[2:], "_", "-")
			headers[headerName] = values[0]
		}
	}
	return headers
}
