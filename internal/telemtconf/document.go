// Package telemtconf builds and publishes telemt's config.toml.
//
// The panel owns five keys of the [access] table (the managed subtree) and
// rewrites them from the user database on every publication. Everything else
// in the file belongs to the operator and is carried through unchanged.
package telemtconf

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Managed keys of the [access] table.
const (
	KeyUsers           = "users"
	KeyMaxTCPConns     = "user_max_tcp_conns"
	KeyDataQuota       = "user_data_quota"
	KeyExpirations     = "user_expirations"
	KeyMaxUniqueIPs    = "user_max_unique_ips"
	defaultMetricsPort = 9090
)

var managedKeys = []string{KeyUsers, KeyMaxTCPConns, KeyDataQuota, KeyExpirations, KeyMaxUniqueIPs}

// Document is a decoded TOML document.
type Document map[string]any

// DefaultTemplate is used when no template file exists yet.
func DefaultTemplate(tlsDomain string) Document {
	return Document{
		"general": map[string]any{
			"fast_mode":        true,
			"use_middle_proxy": false,
			"modes":            map[string]any{"classic": false, "secure": false, "tls": true},
		},
		"server": map[string]any{
			"port":              int64(1234),
			"listen_addr_ipv4":  "0.0.0.0",
			"listen_addr_ipv6":  "::",
			"metrics_port":      int64(defaultMetricsPort),
			"metrics_whitelist": []any{"0.0.0.0/0"},
		},
		"censorship": map[string]any{
			"tls_domain":    tlsDomain,
			"mask":          true,
			"mask_port":     int64(443),
			"fake_cert_len": int64(2048),
		},
		"access": map[string]any{
			"replay_check_len":   int64(65536),
			"replay_window_secs": int64(1800),
			"ignore_time_skew":   false,
		},
		"upstreams": []map[string]any{
			{"type": "direct", "enabled": true, "weight": int64(10)},
		},
	}
}

// Decode parses TOML text into a Document.
func Decode(data []byte) (Document, error) {
	doc := Document{}
	if _, err := toml.Decode(string(data), (*map[string]any)(&doc)); err != nil {
		return nil, fmt.Errorf("telemtconf: decode: %w", err)
	}
	return doc, nil
}

// Encode renders doc as TOML. Map keys are emitted in sorted order, so equal
// documents encode to identical bytes.
func Encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, fmt.Errorf("telemtconf: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadTemplate reads the template at path with the managed keys removed.
// A missing file or empty path yields DefaultTemplate(tlsDomain).
func LoadTemplate(path, tlsDomain string) (Document, error) {
	if path == "" {
		return DefaultTemplate(tlsDomain), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultTemplate(tlsDomain), nil
	}
	if err != nil {
		return nil, fmt.Errorf("telemtconf: read template: %w", err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("telemtconf: template %s: %w", path, err)
	}
	if access, ok := doc["access"].(map[string]any); ok {
		for _, k := range managedKeys {
			delete(access, k)
		}
	}
	return doc, nil
}

// clone deep-copies the container types produced by the TOML decoder and
// by DefaultTemplate. Scalars are immutable and shared.
func clone(v any) any {
	switch v := v.(type) {
	case Document:
		out := make(Document, len(v))
		for k, e := range v {
			out[k] = clone(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = clone(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, e := range v {
			out[i] = clone(e).(map[string]any)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = clone(e)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, e := range v {
			out[k] = e
		}
		return out
	case map[string]int64:
		out := make(map[string]int64, len(v))
		for k, e := range v {
			out[k] = e
		}
		return out
	default:
		return v
	}
}
