package signal

import (
	"context"
	"fmt"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/waerrors"
	"github.com/sirupsen/logrus"
)

// EncryptResult is the output of EncryptMessage.
type EncryptResult struct {
	Type       MessageType
	Ciphertext []byte
}

// GroupEncryptResult is the output of EncryptGroupMessage.
type GroupEncryptResult struct {
	Ciphertext             []byte
	SenderKeyDistribution  *SenderKeyDistribution
}

// SessionValidation is the result of ValidateSession.
type SessionValidation struct {
	Exists bool
	Reason string
}

// MigrationResult reports a migrateSession outcome.
type MigrationResult struct {
	Migrated int
	Skipped  int
	Total    int
}

// Repository is the Signal repository of spec §4.4: every public
// operation runs inside a key-store transaction tagged by destination,
// grounded on the teacher's async.forward_secrecy prekey bookkeeping and
// group.chat's per-group serialization idiom.
type Repository struct {
	keys          store.KeyStore
	primitive     Primitive
	storage       *StorageBinding
	migratedCache *cache.Cache // keys "<user>.<device>"; presence means migration attempted/succeeded
}

// NewRepository constructs the Signal repository.
func NewRepository(keys store.KeyStore, primitive Primitive, storage *StorageBinding, migratedCache *cache.Cache) *Repository {
	return &Repository{keys: keys, primitive: primitive, storage: storage, migratedCache: migratedCache}
}

// EncryptMessage implements encryptMessage(jid, data).
func (r *Repository) EncryptMessage(ctx context.Context, jid address.JID, data []byte) (EncryptResult, error) {
	addr := formatAddress(jid.SignalAddress(), jid.Device)
	var out EncryptResult
	err := r.keys.Transaction(ctx, jid.String(), func(tx store.Tx) error {
		mt, ct, err := r.primitive.EncryptPairwise(ctx, addr, data)
		if err != nil {
			return err
		}
		out = EncryptResult{Type: mt, Ciphertext: ct}
		return nil
	})
	return out, err
}

// DecryptMessage implements decryptMessage(jid, type, ciphertext).
func (r *Repository) DecryptMessage(ctx context.Context, jid address.JID, msgType MessageType, ciphertext []byte) ([]byte, error) {
	if msgType != WhisperMessage && msgType != PreKeyWhisperMessage {
		return nil, fmt.Errorf("type %d: %w", msgType, waerrors.ErrUnknownMessageType)
	}
	addr := formatAddress(jid.SignalAddress(), jid.Device)
	var plaintext []byte
	err := r.keys.Transaction(ctx, jid.String(), func(tx store.Tx) error {
		pt, err := r.primitive.DecryptPairwise(ctx, addr, msgType, ciphertext)
		if err != nil {
			return err
		}
		plaintext = pt
		return nil
	})
	return plaintext, err
}

// EncryptGroupMessage implements encryptGroupMessage(group, meId, data).
func (r *Repository) EncryptGroupMessage(ctx context.Context, group, meID address.JID, data []byte) (GroupEncryptResult, error) {
	if group.User == "" {
		return GroupEncryptResult{}, waerrors.ErrMissingGroupId
	}
	var out GroupEncryptResult
	err := r.keys.Transaction(ctx, group.String(), func(tx store.Tx) error {
		ct, dist, err := r.primitive.EncryptGroup(ctx, group.String(), meID.SignalAddress(), data)
		if err != nil {
			return err
		}
		out = GroupEncryptResult{Ciphertext: ct, SenderKeyDistribution: dist}
		return nil
	})
	return out, err
}

// DecryptGroupMessage implements decryptGroupMessage(group, authorJid, msg).
func (r *Repository) DecryptGroupMessage(ctx context.Context, group, author address.JID, ciphertext []byte) ([]byte, error) {
	if group.User == "" {
		return nil, waerrors.ErrMissingGroupId
	}
	var plaintext []byte
	err := r.keys.Transaction(ctx, group.String(), func(tx store.Tx) error {
		pt, err := r.primitive.DecryptGroup(ctx, group.String(), author.SignalAddress(), ciphertext)
		if err != nil {
			return err
		}
		plaintext = pt
		return nil
	})
	return plaintext, err
}

// ProcessSenderKeyDistributionMessage implements
// processSenderKeyDistributionMessage(item, authorJid).
func (r *Repository) ProcessSenderKeyDistributionMessage(ctx context.Context, author address.JID, dist SenderKeyDistribution) error {
	if dist.GroupID == "" {
		return waerrors.ErrMissingGroupId
	}
	return r.keys.Transaction(ctx, dist.GroupID, func(tx store.Tx) error {
		return r.primitive.ProcessSenderKeyDistribution(ctx, dist.GroupID, author.SignalAddress(), dist)
	})
}

// InjectE2ESession implements injectE2ESession(jid, session).
func (r *Repository) InjectE2ESession(ctx context.Context, jid address.JID, bundle PreKeyBundle) error {
	addr := formatAddress(jid.SignalAddress(), jid.Device)
	return r.keys.Transaction(ctx, jid.String(), func(tx store.Tx) error {
		return r.primitive.BuildPairwiseSession(ctx, addr, bundle)
	})
}

// ValidateSession implements validateSession(jid): exists iff a record is
// loadable and it reports at least one open session.
func (r *Repository) ValidateSession(ctx context.Context, jid address.JID) (SessionValidation, error) {
	addr := formatAddress(jid.SignalAddress(), jid.Device)
	var out SessionValidation
	err := r.keys.Transaction(ctx, jid.String(), func(tx store.Tx) error {
		open, err := r.primitive.HasOpenSession(ctx, addr)
		if err != nil {
			return err
		}
		if !open {
			out = SessionValidation{Exists: false, Reason: waerrors.ErrSessionMissing.Error()}
			return nil
		}
		out = SessionValidation{Exists: true}
		return nil
	})
	return out, err
}

// DeleteSession implements deleteSession(jids): nulls every target's
// session in one transaction.
func (r *Repository) DeleteSession(ctx context.Context, jids []address.JID) error {
	tag := fmt.Sprintf("delete-%d-sessions", len(jids))
	return r.keys.Transaction(ctx, tag, func(tx store.Tx) error {
		writes := make(map[string][]byte, len(jids))
		for _, jid := range jids {
			writes[formatAddress(jid.SignalAddress(), jid.Device)] = nil
		}
		return tx.Set(ctx, map[string]map[string][]byte{store.ColumnSession: writes})
	})
}

// MigrateSession implements migrateSession(fromPnJid, toLidJid): migrates
// every device of fromPnJid's user onto toLidJid's server, per the
// algorithm of spec §4.4.
func (r *Repository) MigrateSession(ctx context.Context, fromPn, toLid address.JID, migratedCache *cache.Cache) (MigrationResult, error) {
	var result MigrationResult

	deviceListRaw, err := r.keys.Get(ctx, store.ColumnDeviceList, []string{fromPn.User})
	if err != nil {
		return result, err
	}
	devices := store.DecodeDeviceList(deviceListRaw[fromPn.User])
	if len(devices) == 0 {
		return result, nil // no device list => noop, per §4.4 step 1
	}
	if !containsInt(devices, fromPn.Device) {
		devices = append(devices, fromPn.Device)
	}

	toMigrate := make([]int, 0, len(devices))
	for _, d := range devices {
		key := fmt.Sprintf("%s.%d", fromPn.User, d)
		if migratedCache != nil {
			if _, already := migratedCache.Get(key); already {
				result.Skipped++
				continue
			}
		}
		toMigrate = append(toMigrate, d)
	}
	result.Total = len(devices)

	if len(toMigrate) == 0 {
		return result, nil
	}

	tag := fmt.Sprintf("migrate-%d-sessions-%s", len(toMigrate), toLid.User)
	err = r.keys.Transaction(ctx, tag, func(tx store.Tx) error {
		pnKeys := make([]string, len(toMigrate))
		for i, d := range toMigrate {
			pnKeys[i] = fmt.Sprintf("%s.%d", fromPn.User, d)
		}
		sessions, err := tx.Get(ctx, store.ColumnSession, pnKeys)
		if err != nil {
			return err
		}

		writes := map[string][]byte{}
		for i, d := range toMigrate {
			pnKey := pnKeys[i]
			record, ok := sessions[pnKey]
			if !ok || len(record) == 0 {
				continue // no open session on this device
			}
			server := address.ServerForDevice(d)
			lidAddr, err := address.NewJID(toLid.User, d, server)
			if err != nil {
				return err
			}
			lidKey := fmt.Sprintf("%s.%d", lidAddr.SignalAddress(), d)
			writes[lidKey] = record
			writes[pnKey] = nil
			result.Migrated++
		}
		if len(writes) == 0 {
			return nil
		}
		return tx.Set(ctx, map[string]map[string][]byte{store.ColumnSession: writes})
	})
	if err != nil {
		return MigrationResult{}, err
	}

	if migratedCache != nil {
		for _, d := range toMigrate {
			migratedCache.Set(fmt.Sprintf("%s.%d", fromPn.User, d), true)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "MigrateSession",
		"from":     fromPn.String(),
		"to":       toLid.String(),
		"migrated": result.Migrated,
		"skipped":  result.Skipped,
		"total":    result.Total,
	}).Info("session migration complete")

	return result, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
