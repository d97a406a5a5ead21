package relay

import (
	"context"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/store"
)

// SenderKeyMemory tracks, per (group, device), whether a device has
// already received the group's sender-key distribution message, so
// repeat group sends don't re-distribute it. It is a correctness
// optimization, not an invariant: stale memory must be tolerable, so a
// forced resend bypasses it entirely rather than clearing it first.
//
// Grounded on the teacher's group.chat sender-key bookkeeping idiom:
// state keyed by (group, participant) in a single backing store, read
// before a distribution decision and written after.
type SenderKeyMemory struct {
	keys store.KeyStore
}

// NewSenderKeyMemory constructs a SenderKeyMemory over keys.
func NewSenderKeyMemory(keys store.KeyStore) *SenderKeyMemory {
	return &SenderKeyMemory{keys: keys}
}

func senderKeyMemoryKey(group, device address.JID) string {
	return group.String() + "|" + device.String()
}

// HasMarked reports whether device has previously received group's
// sender-key distribution.
func (m *SenderKeyMemory) HasMarked(ctx context.Context, group, device address.JID) (bool, error) {
	got, err := m.keys.Get(ctx, store.ColumnSenderKeyMemory, []string{senderKeyMemoryKey(group, device)})
	if err != nil {
		return false, err
	}
	_, ok := got[senderKeyMemoryKey(group, device)]
	return ok, nil
}

// Mark records that device has received group's sender-key distribution.
func (m *SenderKeyMemory) Mark(ctx context.Context, group, device address.JID) error {
	return m.keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnSenderKeyMemory: {senderKeyMemoryKey(group, device): []byte{1}},
	})
}

// Reset clears every device's sender-key memory for group, used when
// distribution is forced from scratch rather than incrementally resent.
func (m *SenderKeyMemory) Reset(ctx context.Context, group address.JID, devices []address.JID) error {
	writes := make(map[string][]byte, len(devices))
	for _, d := range devices {
		writes[senderKeyMemoryKey(group, d)] = nil
	}
	return m.keys.Set(ctx, map[string]map[string][]byte{store.ColumnSenderKeyMemory: writes})
}
