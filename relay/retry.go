package relay

import (
	"sync"

	"github.com/opd-ai/wacore/address"
)

// RetryRecord is one cached outgoing send, kept so an incoming retry
// receipt can be served without re-composing the original message.
type RetryRecord struct {
	Destination address.JID
	MessageID   string
	Message     []byte
	Recipients  []address.JID
}

// RetryManager caches the last N sent messages keyed by (destination,
// msgId), per spec §4.8's optional message retry manager.
//
// It is grounded on the teacher's messaging.MessageManager pending-queue
// bookkeeping: a mutex-guarded map plus an insertion-ordered eviction
// list, generalized from a retry-count-per-message cap to a total-entry
// cap across all destinations.
type RetryManager struct {
	mu      sync.Mutex
	maxSize int
	order   []string
	entries map[string]RetryRecord
}

// NewRetryManager constructs a RetryManager bounded to maxSize entries.
func NewRetryManager(maxSize int) *RetryManager {
	return &RetryManager{maxSize: maxSize, entries: make(map[string]RetryRecord)}
}

func retryKey(destination address.JID, messageID string) string {
	return destination.String() + "|" + messageID
}

// Remember records a sent message, evicting the oldest entry if the cache
// is at capacity.
func (r *RetryManager) Remember(destination address.JID, messageID string, message []byte, recipients []address.JID) {
	if r == nil || r.maxSize <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := retryKey(destination, messageID)
	if _, exists := r.entries[key]; !exists {
		r.order = append(r.order, key)
	}
	r.entries[key] = RetryRecord{
		Destination: destination,
		MessageID:   messageID,
		Message:     message,
		Recipients:  recipients,
	}

	for len(r.order) > r.maxSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
}

// Lookup retrieves a previously remembered send.
func (r *RetryManager) Lookup(destination address.JID, messageID string) (RetryRecord, bool) {
	if r == nil {
		return RetryRecord{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[retryKey(destination, messageID)]
	return rec, ok
}
