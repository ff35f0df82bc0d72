package send

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

type recentEntry struct {
	chatGUID string
	textHash uint64
	at       time.Time
}

// RecentBuffer remembers the last few sends for duplicate detection. It is
// a fixed-capacity FIFO: once full, the oldest record is evicted regardless
// of age. Records older than the window are ignored on lookup.
type RecentBuffer struct {
	mu       sync.Mutex
	entries  []recentEntry
	capacity int
	window   time.Duration
	now      func() time.Time
}

// NewRecentBuffer creates a buffer holding up to capacity records, each
// relevant for the given window.
func NewRecentBuffer(capacity int, window time.Duration) *RecentBuffer {
	return &RecentBuffer{
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// Remember records a send. Seen reports whether an equal send to the same
// chat is already present and still within the window; the record is added
// either way.
func (r *RecentBuffer) Remember(chatGUID, text string) (seen bool) {
	h := textHash(text)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.chatGUID == chatGUID && e.textHash == h && now.Sub(e.at) <= r.window {
			seen = true
			break
		}
	}

	r.entries = append(r.entries, recentEntry{chatGUID: chatGUID, textHash: h, at: now})
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
	return seen
}

func textHash(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(text)))
	return h.Sum64()
}
