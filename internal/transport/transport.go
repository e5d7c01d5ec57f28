package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// Poster issues a single SOAP POST with a per-request deadline. The pipeline
// stages depend only on this, so tests can stub the wire.
type Poster interface {
	Post(ctx context.Context, endpoint string, body []byte, timeout time.Duration) ([]byte, error)
}

// Client is a mutually-authenticated TLS HTTP client shared by one search.
type Client struct {
	hc *http.Client
}

// NewClient builds a Client from PEM-encoded client certificate, key, and
// trust bundle.
func NewClient(certPEM, keyPEM, trustPEM []byte) (*Client, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(trustPEM) {
		return nil, fmt.Errorf("trust bundle contains no certificates")
	}
	return &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      pool,
				},
			},
		},
	}, nil
}

// NewClientForTest wraps an existing http.Client, for httptest servers.
func NewClientForTest(hc *http.Client) *Client {
	return &Client{hc: hc}
}

// Post sends one SOAP request and returns the raw response bytes. The
// timeout applies to the whole exchange.
func (c *Client) Post(ctx context.Context, endpoint string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/soap+xml")
	// Set explicitly, which also opts out of the transport's transparent
	// gzip handling; decoding happens below.
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}
	logger.Tracef("POST %s -> %d (%d bytes)", endpoint, resp.StatusCode, len(data))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, fmt.Errorf("post to %s: status %d", endpoint, resp.StatusCode)
	}
	return data, nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// IsTimeout reports whether err represents an exceeded request deadline.
func IsTimeout(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
