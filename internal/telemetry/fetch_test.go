package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s", r.Method)
		}
		w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/metrics", time.Second, nil)
	text, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if s := Parse(text); s.TotalConnections != 42 {
		t.Fatalf("parsed connections: got %d", s.TotalConnections)
	}
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, time.Second, nil).Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Timeout() {
		t.Fatal("status error must not be reported as timeout")
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewFetcher(srv.URL, 50*time.Millisecond, nil).Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || !fe.Timeout() {
		t.Fatalf("expected timeout FetchError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("fetch did not honour timeout: %v", elapsed)
	}
}

type countingDialer struct {
	calls atomic.Int32
}

func (d *countingDialer) DialStream(ctx context.Context, addr string) (net.Conn, error) {
	d.calls.Add(1)
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

func TestFetchThroughDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("telemt_connections_total 1\n"))
	}))
	defer srv.Close()

	d := &countingDialer{}
	if _, err := NewFetcher(srv.URL, time.Second, d).Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if d.calls.Load() == 0 {
		t.Fatal("custom dialer was not used")
	}
}

func TestFetchBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at limit", maxMetricsBody, false},
		{"over limit", maxMetricsBody + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := bytes.Repeat([]byte("#"), tt.size)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(body)
			}))
			defer srv.Close()

			text, err := NewFetcher(srv.URL, 5*time.Second, nil).Fetch(context.Background())
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Fetch: %v", err)
				}
				if len(text) != tt.size {
					t.Fatalf("body: got %d bytes, want %d", len(text), tt.size)
				}
				return
			}
			var fe *FetchError
			if !errors.As(err, &fe) || !errors.Is(err, ErrBodyTooLarge) {
				t.Fatalf("got %v, want FetchError wrapping ErrBodyTooLarge", err)
			}
		})
	}
}
