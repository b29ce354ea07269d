package geoprocessing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/celltower/polygon-pipeline/internal/version"
)

// maxBodyBytes bounds how much of a response is kept in memory.
const maxBodyBytes = 8 << 20

// Response is the part of an HTTP response the driver looks at.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Transport issues GET requests against the geoprocessing service. Submission,
// status and results requests all go through it.
type Transport interface {
	Get(ctx context.Context, rawURL string) (Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, rawURL string) (Response, error)

func (f TransportFunc) Get(ctx context.Context, rawURL string) (Response, error) {
	return f(ctx, rawURL)
}

// HTTPTransportOptions configures NewHTTPTransport.
type HTTPTransportOptions struct {
	// RequestTimeout bounds one request. Defaults to 60s.
	RequestTimeout time.Duration
	// RateLimitRPS is a global request limit. Set to <=0 to disable.
	RateLimitRPS float64
	// CAPath optionally points at a PEM bundle used as the TLS trust store.
	CAPath string
}

// HTTPTransport is the net/http backed Transport.
//
// Redirects are not followed: the submit endpoint answers with a redirect whose
// Location header is the results location the driver needs to see.
type HTTPTransport struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport builds a transport from opts.
func NewHTTPTransport(opts HTTPTransportOptions) (*HTTPTransport, error) {
	hc, err := newHTTPClient(opts.CAPath, opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	t := &HTTPTransport{http: hc}
	if opts.RateLimitRPS > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return t, nil
}

func newHTTPClient(caPath string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(caPath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse CA bundle PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Get performs one rate-limited GET and reads the body.
func (t *HTTPTransport) Get(ctx context.Context, rawURL string) (Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "text/html, application/json;q=0.9, */*;q=0.5")

	resp, err := t.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Response{}, err
	}
	if len(b) > maxBodyBytes {
		return Response{}, errors.New("response body exceeds 8 MiB")
	}
	return Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       b,
	}, nil
}
