package outline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigbes/telemt-panel/internal/telemetry"
)

func TestClientDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "telemt_uptime_seconds 1\n")
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	text, err := telemetry.NewFetcher(srv.URL, 0, c).Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "telemt_uptime_seconds") {
		t.Fatalf("unexpected body %q", text)
	}
}

func TestClientInvalidConfig(t *testing.T) {
	if _, err := NewClient(context.Background(), "nosuchscheme://x"); err == nil {
		t.Fatal("expected error for unknown transport scheme")
	}
}
