// Package upstream opens streaming HTTP connections to AI providers.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	utls "github.com/refraction-networking/utls"
)

// maxErrorBody caps how much of a non-2xx body is kept for the error.
const maxErrorBody = 4 << 10

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned by Open when the provider answers with a non-2xx
// status, before any of the body has been relayed.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream returned %s", e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

type Options struct {
	// Timeout bounds connection setup and response headers. Streams may run
	// longer than this.
	Timeout time.Duration
	// Fingerprint dials TLS with a browser ClientHello.
	Fingerprint bool
}

type Client struct {
	http Doer
}

func New(opts Options) *Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DialContext:           (&net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if opts.Fingerprint {
		base.DialTLSContext = safariTLSDialer()
	}
	// No http.Client timeout: it would cut long streams. Cancellation comes
	// from the request context.
	return &Client{http: &http.Client{Transport: base}}
}

// NewWithDoer wraps an existing Doer, e.g. an httptest server client.
func NewWithDoer(d Doer) *Client {
	return &Client{http: d}
}

// Open sends req bound to ctx and returns a response whose body is already
// content-decoded. A non-2xx status is returned as *StatusError with the
// body closed.
func (c *Client) Open(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open upstream: %w", err)
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func decodeBody(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return nil
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("open gzip body: %w", err)
		}
		resp.Body = &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}
	default:
		return fmt.Errorf("unsupported content encoding %q", enc)
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func safariTLSDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	var dialer net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		plainConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, _ := net.SplitHostPort(addr)
		uConn := utls.UClient(plainConn, &utls.Config{ServerName: host}, utls.HelloSafari_Auto)
		if err := forceHTTP11ALPN(uConn); err != nil {
			_ = plainConn.Close()
			return nil, err
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = plainConn.Close()
			return nil, err
		}
		if negotiated := uConn.ConnectionState().NegotiatedProtocol; negotiated != "" && negotiated != "http/1.1" {
			_ = uConn.Close()
			return nil, fmt.Errorf("unexpected ALPN protocol negotiated: %s", negotiated)
		}
		return uConn, nil
	}
}

// forceHTTP11ALPN keeps the transport on HTTP/1.1 so chunked streams are
// read by the standard transport.
func forceHTTP11ALPN(uConn *utls.UConn) error {
	if err := uConn.BuildHandshakeState(); err != nil {
		return err
	}
	for _, ext := range uConn.Extensions {
		alpnExt, ok := ext.(*utls.ALPNExtension)
		if !ok {
			continue
		}
		alpnExt.AlpnProtocols = []string{"http/1.1"}
		return nil
	}
	return nil
}
