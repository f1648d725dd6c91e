package socks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// checkProxyTimeout bounds the SOCKS handshake of CheckConnection.
const checkProxyTimeout = 2 * time.Second

// DefaultMaxBodySize limits the body Get reads.
const DefaultMaxBodySize = 5 * 1024 * 1024

// SOCKS5 protocol constants
const (
	socks5Version       = 0x05
	socks5AuthNone      = 0x00
	socks5AuthNoAccept  = 0xFF
	socks5CmdConnect    = 0x01
	socks5AddrTypeDomID = 0x03

	// socks5ProbeOnion is a syntactically valid onion host that does not
	// exist. CheckConnection only needs the proxy to answer the CONNECT.
	socks5ProbeOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

// Client dials through a SOCKS5 proxy.
type Client struct {
	proxyAddress string
	dialer       proxy.Dialer
	timeout      time.Duration
	maxBodySize  int64
}

// Response is the result of Get.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBodySize limits the body Get reads. Non-positive values are ignored.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// NewClient creates a client for the proxy at proxyAddress ("host:port").
// It does not contact the proxy; call CheckConnection for that.
func NewClient(proxyAddress string, timeout time.Duration, opts ...Option) (*Client, error) {
	if !isValidProxyAddress(proxyAddress) {
		return nil, ErrInvalidProxyAddress
	}

	// The daemon's SOCKS port does not require auth.
	dialer, err := proxy.SOCKS5("tcp", proxyAddress, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	c := &Client{
		proxyAddress: proxyAddress,
		dialer:       dialer,
		timeout:      timeout,
		maxBodySize:  DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// isValidProxyAddress checks for a non-empty host and a port in 1-65535.
func isValidProxyAddress(address string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

// ProxyAddress returns the configured proxy address.
func (c *Client) ProxyAddress() string {
	return c.proxyAddress
}

// CheckConnection verifies that the proxy speaks SOCKS5 without
// authentication and answers a CONNECT request. The CONNECT targets a
// non-existent onion host, so a failure reply still counts as OK.
func (c *Client) CheckConnection(ctx context.Context) ProxyStatus {
	ctx, cancel := context.WithTimeout(ctx, checkProxyTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.proxyAddress)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProxyStatusTimeout
		}
		return ProxyStatusCannotConnect
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(checkProxyTimeout)); err != nil {
		return ProxyStatusCannotConnect
	}

	// Greeting: version, one method, no auth
	if _, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone}); err != nil {
		return ProxyStatusCannotConnect
	}

	authResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, authResp); err != nil {
		return readFailure(err)
	}
	if authResp[0] != socks5Version || authResp[1] == socks5AuthNoAccept || authResp[1] != socks5AuthNone {
		return ProxyStatusWrongType
	}

	// CONNECT: version, cmd, reserved, domain type, length, host, port
	const probePort = 80
	req := []byte{socks5Version, socks5CmdConnect, 0x00, socks5AddrTypeDomID, byte(len(socks5ProbeOnion))}
	req = append(req, socks5ProbeOnion...)
	req = append(req, byte(probePort>>8), byte(probePort&0xFF))
	if _, err := conn.Write(req); err != nil {
		return ProxyStatusCannotConnect
	}

	// version, reply, reserved, address type
	connectResp := make([]byte, 4)
	if _, err := io.ReadFull(conn, connectResp); err != nil {
		return readFailure(err)
	}
	if connectResp[0] != socks5Version {
		return ProxyStatusWrongType
	}
	return ProxyStatusOK
}

// readFailure classifies a failed handshake read.
func readFailure(err error) ProxyStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProxyStatusTimeout
	}
	return ProxyStatusWrongType
}

// DialContext opens a connection to address through the proxy.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if cd, ok := c.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return c.dialer.Dial(network, address)
}

// HTTPClient returns an HTTP client whose connections all go through the
// proxy. Compression is disabled so response sizes do not leak content.
func (c *Client) HTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext:         c.DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// Get fetches url through the proxy. Bodies over the size limit fail with
// ErrBodyTooLarge.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", url, err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, fmt.Errorf("GET %s: %w (limit %d bytes)", url, ErrBodyTooLarge, c.maxBodySize)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    time.Since(start),
	}, nil
}
