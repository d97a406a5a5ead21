package signal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/lidmap"
	"github.com/opd-ai/wacore/store"
	"github.com/sirupsen/logrus"
)

// StorageBinding implements the Store contract a Primitive needs,
// grounded on the teacher's async.forward_secrecy prekey bookkeeping and
// noise.handshake session-state idiom, generalized to the key-store
// column contract of §6.
//
// Its one subtlety: LoadSession/StoreSession on a PN-identified address
// transparently redirect to the equivalent LID-identified address once
// the LID mapping store knows one, so PN-addressed encrypt calls migrate
// without the caller's involvement.
type StorageBinding struct {
	keys     store.KeyStore
	mappings *lidmap.Store

	ourIdentity     [32]byte
	ourRegistration uint32
}

// NewStorageBinding constructs the Signal storage binding.
func NewStorageBinding(keys store.KeyStore, mappings *lidmap.Store, ourIdentity [32]byte, ourRegistration uint32) *StorageBinding {
	return &StorageBinding{
		keys:            keys,
		mappings:        mappings,
		ourIdentity:     ourIdentity,
		ourRegistration: ourRegistration,
	}
}

// formatAddress renders a signal-user/device pair as the key-store key.
func formatAddress(signalUser string, device int) string {
	return fmt.Sprintf("%s.%d", signalUser, device)
}

// parseAddress splits a key-store key back into signal-user and device.
func parseAddress(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ".")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed signal address %q", addr)
	}
	device, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed signal address %q: %w", addr, err)
	}
	return addr[:idx], device, nil
}

// resolveAddress applies the PN->LID transparency rule: a PN-identified
// signal-user (no "_"-domain suffix) is redirected to its LID-addressed
// equivalent when the mapping store already knows one.
func (b *StorageBinding) resolveAddress(ctx context.Context, addr string) string {
	if b.mappings == nil {
		return addr
	}
	user, device, err := parseAddress(addr)
	if err != nil || strings.Contains(user, "_") {
		return addr // not a plain PN signal-user; no redirection rule applies
	}

	pn := address.JID{User: user, Device: device, Server: address.ServerPN}
	lid, ok, err := b.mappings.LidForPn(ctx, pn)
	if err != nil || !ok {
		return addr
	}

	logrus.WithFields(logrus.Fields{
		"function": "resolveAddress",
		"pn_user":  user,
		"lid_user": lid.User,
	}).Debug("redirecting pn-addressed session lookup to mapped lid address")
	return formatAddress(lid.SignalAddress(), device)
}

// LoadSession implements Store.
func (b *StorageBinding) LoadSession(ctx context.Context, addr string) ([]byte, error) {
	resolved := b.resolveAddress(ctx, addr)
	got, err := b.keys.Get(ctx, store.ColumnSession, []string{resolved})
	if err != nil {
		return nil, err
	}
	return got[resolved], nil
}

// StoreSession implements Store.
func (b *StorageBinding) StoreSession(ctx context.Context, addr string, record []byte) error {
	resolved := b.resolveAddress(ctx, addr)
	return b.keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnSession: {resolved: record},
	})
}

// DeleteSession implements Store.
func (b *StorageBinding) DeleteSession(ctx context.Context, addr string) error {
	resolved := b.resolveAddress(ctx, addr)
	return b.keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnSession: {resolved: nil},
	})
}

// LoadPreKey implements Store.
func (b *StorageBinding) LoadPreKey(ctx context.Context, id uint32) ([]byte, error) {
	key := strconv.FormatUint(uint64(id), 10)
	got, err := b.keys.Get(ctx, store.ColumnPreKey, []string{key})
	if err != nil {
		return nil, err
	}
	return got[key], nil
}

// RemovePreKey implements Store.
func (b *StorageBinding) RemovePreKey(ctx context.Context, id uint32) error {
	key := strconv.FormatUint(uint64(id), 10)
	return b.keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnPreKey: {key: nil},
	})
}

// LoadSignedPreKey implements Store. Signed prekeys share the pre-key
// column; their ids are namespaced by the "signed-" prefix.
func (b *StorageBinding) LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error) {
	key := "signed-" + strconv.FormatUint(uint64(id), 10)
	got, err := b.keys.Get(ctx, store.ColumnPreKey, []string{key})
	if err != nil {
		return nil, err
	}
	return got[key], nil
}

// LoadSenderKey implements Store. senderKeyName is "group-jid::sender-address".
func (b *StorageBinding) LoadSenderKey(ctx context.Context, senderKeyName string) ([]byte, error) {
	got, err := b.keys.Get(ctx, store.ColumnSenderKey, []string{senderKeyName})
	if err != nil {
		return nil, err
	}
	return got[senderKeyName], nil
}

// StoreSenderKey implements Store.
func (b *StorageBinding) StoreSenderKey(ctx context.Context, senderKeyName string, record []byte) error {
	return b.keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnSenderKey: {senderKeyName: record},
	})
}

// IsTrustedIdentity implements Store. Trust is enforced upstream of the
// relay core (out of scope per spec §1); this always returns true.
func (b *StorageBinding) IsTrustedIdentity(ctx context.Context, address string, identityKey []byte) (bool, error) {
	return true, nil
}

// GetOurRegistrationID implements Store.
func (b *StorageBinding) GetOurRegistrationID(ctx context.Context) (uint32, error) {
	return b.ourRegistration, nil
}

// GetOurIdentity implements Store.
func (b *StorageBinding) GetOurIdentity(ctx context.Context) ([32]byte, error) {
	return b.ourIdentity, nil
}
