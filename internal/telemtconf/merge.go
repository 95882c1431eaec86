package telemtconf

import (
	"time"

	"github.com/bigbes/telemt-panel/internal/statsdb"
)

// ExpirationLayout is the UTC timestamp format telemt expects in
// access.user_expirations.
const ExpirationLayout = "2006-01-02T15:04:05Z"

// Merge returns a copy of tmpl whose managed [access] keys describe the users
// eligible at now. tmpl is not modified. Optional cap maps only carry users
// that have the cap configured; telemt treats a missing key as no cap.
func Merge(tmpl Document, users []statsdb.User, now time.Time) Document {
	doc, _ := clone(tmpl).(Document)
	if doc == nil {
		doc = Document{}
	}

	server, ok := doc["server"].(map[string]any)
	if !ok {
		server = map[string]any{}
		doc["server"] = server
	}
	if _, ok := server["metrics_port"]; !ok {
		server["metrics_port"] = int64(defaultMetricsPort)
	}
	if _, ok := server["metrics_whitelist"]; !ok {
		server["metrics_whitelist"] = []any{"0.0.0.0/0"}
	}

	access, ok := doc["access"].(map[string]any)
	if !ok {
		access = map[string]any{}
		doc["access"] = access
	}

	secrets := map[string]string{}
	maxConns := map[string]int64{}
	quota := map[string]int64{}
	expirations := map[string]string{}
	maxIPs := map[string]int64{}

	for _, u := range users {
		if !u.Eligible(now) {
			continue
		}
		secrets[u.Username] = u.Secret
		if u.MaxConnections != nil {
			maxConns[u.Username] = *u.MaxConnections
		}
		if u.DataLimit != nil {
			quota[u.Username] = *u.DataLimit
		}
		if u.ExpireAt != nil {
			expirations[u.Username] = u.ExpireAt.UTC().Format(ExpirationLayout)
		}
		if u.MaxUniqueIPs != nil {
			maxIPs[u.Username] = *u.MaxUniqueIPs
		}
	}

	access[KeyUsers] = secrets
	access[KeyMaxTCPConns] = maxConns
	access[KeyDataQuota] = quota
	access[KeyExpirations] = expirations
	access[KeyMaxUniqueIPs] = maxIPs
	return doc
}
