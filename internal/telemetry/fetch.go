package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const maxMetricsBody = 16 << 20

var ErrBodyTooLarge = fmt.Errorf("metrics body exceeds %d bytes", maxMetricsBody)

// StreamDialer opens TCP-like connections. An outline transport client
// satisfies it, which lets the panel reach a metrics port that is only
// exposed inside a tunnel.
type StreamDialer interface {
	DialStream(ctx context.Context, addr string) (net.Conn, error)
}

// FetchError reports a failed scrape. It is transient by nature: the next
// tick simply tries again.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("telemetry: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch was cut short by its deadline.
func (e *FetchError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Fetcher retrieves the raw exposition text from telemt.
type Fetcher struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// NewFetcher creates a fetcher for url. If dialer is nil the default network
// is used.
func NewFetcher(url string, timeout time.Duration, dialer StreamDialer) *Fetcher {
	tr := &http.Transport{
		MaxIdleConns:    1,
		IdleConnTimeout: 90 * time.Second,
	}
	if dialer != nil {
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialStream(ctx, addr)
		}
	}
	return &Fetcher{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{Transport: tr},
	}
}

// URL returns the endpoint the fetcher scrapes.
func (f *Fetcher) URL() string {
	return f.url
}

// Fetch performs one GET bounded by the fetcher's timeout.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", &FetchError{URL: f.url, Err: err}
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", &FetchError{URL: f.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{URL: f.url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetricsBody+1))
	if err != nil {
		return "", &FetchError{URL: f.url, Err: err}
	}
	// A truncated body could cut a counter mid-digit and read as a reset.
	if len(body) > maxMetricsBody {
		return "", &FetchError{URL: f.url, Err: ErrBodyTooLarge}
	}
	return string(body), nil
}
