package users

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
)

// GenerateSecret returns 16 random bytes as 32 lowercase hex characters.
func GenerateSecret() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("users: generating secret: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ValidSecret reports whether s is a raw 32-hex-character proxy secret.
func ValidSecret(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ProxyLinks are the client links for one user.
type ProxyLinks struct {
	TG    string
	HTTPS string
}

// Links builds fake-TLS client links: the link secret is "ee", the raw
// secret, then the hex-encoded TLS domain.
func Links(secret, host string, port int, tlsDomain string) ProxyLinks {
	query := fmt.Sprintf("server=%s&port=%d&secret=ee%s%s",
		url.QueryEscape(host), port, secret, hex.EncodeToString([]byte(tlsDomain)))
	return ProxyLinks{
		TG:    "tg://proxy?" + query,
		HTTPS: "https://t.me/proxy?" + query,
	}
}
