// Package telemetry scrapes telemt's Prometheus endpoint and turns its
// cumulative per-user counters into per-interval deltas.
package telemetry

import (
	"strconv"
	"strings"
)

const (
	metricOctetsFrom     = "telemt_user_octets_from_client"
	metricOctetsTo       = "telemt_user_octets_to_client"
	metricUptime         = "telemt_uptime_seconds"
	metricConnections    = "telemt_connections_total"
	metricBadConnections = "telemt_connections_bad_total"
)

// Counters is a pair of cumulative octet counters for one user.
type Counters struct {
	From int64 // octets received from the client
	To   int64 // octets sent to the client
}

// Scrape is the decoded content of one /metrics response.
type Scrape struct {
	OctetsFrom       map[string]int64
	OctetsTo         map[string]int64
	Uptime           float64
	TotalConnections int64
	BadConnections   int64
}

// Users returns the union of usernames seen in either counter family.
func (s Scrape) Users() map[string]Counters {
	out := make(map[string]Counters, len(s.OctetsFrom))
	for name, v := range s.OctetsFrom {
		c := out[name]
		c.From = v
		out[name] = c
	}
	for name, v := range s.OctetsTo {
		c := out[name]
		c.To = v
		out[name] = c
	}
	return out
}

// Parse decodes exposition-format text. Lines it does not understand are
// skipped, so a garbled response degrades to an empty Scrape.
func Parse(text string) Scrape {
	s := Scrape{
		OctetsFrom: make(map[string]int64),
		OctetsTo:   make(map[string]int64),
	}

	// No per-line size cap: an oversized line is skipped like any other
	// malformed one, and parsing continues after it.
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, labels, value, ok := splitSample(line)
		if !ok {
			continue
		}

		switch name {
		case metricOctetsFrom, metricOctetsTo:
			user, ok := labels["user"]
			if !ok || user == "" {
				continue
			}
			n, ok := parseCount(value)
			if !ok {
				continue
			}
			if name == metricOctetsFrom {
				s.OctetsFrom[user] = n
			} else {
				s.OctetsTo[user] = n
			}
		case metricUptime:
			if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
				s.Uptime = f
			}
		case metricConnections:
			if n, ok := parseCount(value); ok {
				s.TotalConnections = n
			}
		case metricBadConnections:
			if n, ok := parseCount(value); ok {
				s.BadConnections = n
			}
		}
	}
	return s
}

// splitSample splits `name{k="v",...} value [timestamp]`.
func splitSample(line string) (name string, labels map[string]string, value string, ok bool) {
	rest := line
	if i := strings.IndexByte(line, '{'); i >= 0 {
		end := strings.LastIndexByte(line, '}')
		if end < i {
			return "", nil, "", false
		}
		name = line[:i]
		labels, ok = parseLabels(line[i+1 : end])
		if !ok {
			return "", nil, "", false
		}
		rest = line[end+1:]
	} else {
		i := strings.IndexAny(line, " \t")
		if i < 0 {
			return "", nil, "", false
		}
		name, rest = line[:i], line[i:]
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 || len(fields) > 2 {
		return "", nil, "", false
	}
	return name, labels, fields[0], true
}

func parseLabels(s string) (map[string]string, bool) {
	labels := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " ,")
		if s == "" {
			return labels, true
		}
		key, rest, found := strings.Cut(s, "=")
		if !found {
			return nil, false
		}
		key = strings.TrimSpace(key)
		if !strings.HasPrefix(rest, `"`) {
			return nil, false
		}
		var b strings.Builder
		i := 1
		closed := false
		for ; i < len(rest); i++ {
			c := rest[i]
			if c == '\\' && i+1 < len(rest) {
				i++
				switch rest[i] {
				case 'n':
					b.WriteByte('\n')
				default:
					b.WriteByte(rest[i])
				}
				continue
			}
			if c == '"' {
				closed = true
				break
			}
			b.WriteByte(c)
		}
		if !closed || key == "" {
			return nil, false
		}
		labels[key] = b.String()
		s = rest[i+1:]
	}
}

// parseCount accepts non-negative integers, and floats with no fractional
// part since some exporters render counters as "1.2345e+06".
func parseCount(v string) (int64, bool) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, n >= 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}
