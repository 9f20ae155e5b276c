package trigger

import (
	"sync"
	"time"
)

// dedupRecentIDs bounds how many accepted trigger IDs are remembered per
// (symbol, trigger type) key.
const dedupRecentIDs = 32

type dedupEntry struct {
	lastAt time.Time
	recent []string
}

// Dedup suppresses repeated (symbol, trigger type) events inside the
// configured window, and trigger IDs seen among the last dedupRecentIDs
// accepted events for the key.
type Dedup struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]dedupEntry
}

func NewDedup(window time.Duration) *Dedup {
	return &Dedup{
		window: window,
		seen:   make(map[string]dedupEntry),
	}
}

// Check accepts or rejects one trigger event. Accepted events are recorded.
func (d *Dedup) Check(symbol, triggerType, triggerID string, now time.Time) (bool, string) {
	key := symbol + ":" + triggerType
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.seen[key]
	if ok {
		if triggerID != "" {
			for _, id := range entry.recent {
				if id == triggerID {
					return false, "dedup_duplicate_id"
				}
			}
		}
		if d.window > 0 && now.Sub(entry.lastAt) < d.window {
			return false, "dedup_window"
		}
	}
	entry.lastAt = now
	if triggerID != "" {
		entry.recent = append(entry.recent, triggerID)
		if len(entry.recent) > dedupRecentIDs {
			entry.recent = entry.recent[len(entry.recent)-dedupRecentIDs:]
		}
	}
	d.seen[key] = entry
	return true, "accepted"
}
