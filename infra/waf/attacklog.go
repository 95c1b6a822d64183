package waf

import (
	"sort"
	"sync"
	"time"
)

// AttackRecord is one detected malicious request
type AttackRecord struct {
	IP             string     `json:"ip"`
	AttackType     AttackType `json:"attack_type"`
	Timestamp      time.Time  `json:"timestamp"`
	Path           string     `json:"path"`
	PayloadSnippet string     `json:"payload_snippet"`
}

// AttackerCount is an entry of the top attackers ranking
type AttackerCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// attackLog keeps the newest records in a fixed size ring. Records older
// than maxAge are ignored by readers and overwritten by writers.
type attackLog struct {
	mu      sync.Mutex
	records []AttackRecord
	next    int
	full    bool
	maxAge  time.Duration
}

func newAttackLog(capacity int, maxAge time.Duration) *attackLog {
	if capacity < 1 {
		capacity = 1
	}
	return &attackLog{records: make([]AttackRecord, capacity), maxAge: maxAge}
}

func (l *attackLog) add(rec AttackRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns retained records newest first
func (l *attackLog) snapshot(now time.Time) []AttackRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.records)
	}

	out := make([]AttackRecord, 0, size)
	for i := 0; i < size; i++ {
		idx := (l.next - 1 - i + len(l.records)) % len(l.records)
		rec := l.records[idx]
		if l.maxAge > 0 && now.Sub(rec.Timestamp) > l.maxAge {
			// everything further back is older still
			break
		}
		out = append(out, rec)
	}
	return out
}

func topAttackers(records []AttackRecord, limit int) []AttackerCount {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.IP]++
	}

	out := make([]AttackerCount, 0, len(counts))
	for ip, c := range counts {
		out = append(out, AttackerCount{IP: ip, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
