package telemetry

import "sort"

// Delta is the traffic attributed to one user over one scrape interval.
type Delta struct {
	Username   string
	OctetsFrom int64
	OctetsTo   int64
	Reset      bool // a counter went backwards since the previous reading
}

// Total returns the combined octets of the delta.
func (d Delta) Total() int64 {
	return d.OctetsFrom + d.OctetsTo
}

// Tracker remembers the last cumulative reading per user. It is owned by a
// single goroutine and is not safe for concurrent use.
type Tracker struct {
	last map[string]Counters
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]Counters)}
}

// Advance computes deltas against the previous reading and replaces the
// stored reading with s. A counter that went backwards is treated as a
// restart of the remote process: its delta is the current value.
// Users without traffic in either direction are omitted. The result is
// sorted by username.
func (t *Tracker) Advance(s Scrape) []Delta {
	current := s.Users()

	var deltas []Delta
	for name, cur := range current {
		prev := t.last[name]
		d := Delta{
			Username:   name,
			OctetsFrom: counterDelta(cur.From, prev.From),
			OctetsTo:   counterDelta(cur.To, prev.To),
			Reset:      cur.From < prev.From || cur.To < prev.To,
		}
		if d.OctetsFrom == 0 && d.OctetsTo == 0 {
			continue
		}
		deltas = append(deltas, d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Username < deltas[j].Username })

	t.last = current
	return deltas
}

// Len reports how many users the tracker currently remembers.
func (t *Tracker) Len() int {
	return len(t.last)
}

func counterDelta(cur, prev int64) int64 {
	d := cur - prev
	if d < 0 {
		return cur
	}
	return d
}
