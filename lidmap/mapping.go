// Package lidmap implements the bidirectional phone-number/LID user
// mapping store of spec §4.2: a partial function between PN users and LID
// users, backed by the key store's lid-mapping column and fronted by a
// short-TTL cache, with USync backfill through a host-supplied resolver.
//
// It is grounded on the teacher's friend.Friend (struct + logging idiom)
// and dht.Handler's resolver round-trip pattern: a cache-then-store-then-
// network-delegate fallback chain, logged at each tier.
package lidmap

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/store"
	"github.com/sirupsen/logrus"
)

// MappingTTL is the default cache TTL for forward/reverse mapping entries.
const MappingTTL = 3 * 24 * time.Hour

// Pair is one PN<->LID mapping to store, exactly one side PN and one side LID.
type Pair struct {
	PN  address.JID
	LID address.JID
}

// DevicePair is a device-qualified (pn, lid) result returned by LidsForPns.
type DevicePair struct {
	PNJid  address.JID
	LIDJid address.JID
}

// Resolver is the host-supplied USync delegate: given phone JIDs (as
// strings), returns the subset it could resolve to a LID user.
type Resolver interface {
	ResolvePNsToLIDs(ctx context.Context, pns []string) ([]Pair, error)
}

// Store is the LID mapping store of §4.2.
type Store struct {
	keys     store.KeyStore
	resolver Resolver
	cache    *cache.Cache // access-refresh, 3-day TTL, keys "pn:<user>"/"lid:<user>"
}

// New creates a Store over keys, resolving misses through resolver. c is
// the mapping cache; its TTL is whatever the caller constructed it with.
func New(keys store.KeyStore, resolver Resolver, c *cache.Cache) *Store {
	return &Store{keys: keys, resolver: resolver, cache: c}
}

// fwdKey / revKey build the key-store keys for the forward and reverse
// mapping halves, per §3: pn-user -> lid-user, lid-user_reverse -> pn-user.
func fwdKey(pnUser string) string { return "pn-" + pnUser }
func revKey(lidUser string) string { return "lid-" + lidUser + "_reverse" }

// Store validates and persists each pair, skipping duplicates. Forward and
// reverse entries for every pair land in a single lid-mapping transaction.
func (s *Store) Store(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	valid := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if !p.PN.IsPN() || !p.LID.IsLID() {
			logrus.WithFields(logrus.Fields{
				"function": "Store",
				"pn":       p.PN.String(),
				"lid":      p.LID.String(),
			}).Warn("skipping malformed pn/lid pair")
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return nil
	}

	return s.keys.Transaction(ctx, "lid-mapping", func(tx store.Tx) error {
		var toApply []Pair
		for _, p := range valid {
			existing, err := tx.Get(ctx, store.ColumnLidMapping, []string{fwdKey(p.PN.User)})
			if err != nil {
				return err
			}
			if cur, ok := existing[fwdKey(p.PN.User)]; ok && string(cur) == p.LID.User {
				continue // idempotent no-op
			}
			toApply = append(toApply, p)
		}
		if len(toApply) == 0 {
			return nil
		}

		writes := make(map[string][]byte, len(toApply))
		revWrites := make(map[string][]byte, len(toApply))
		for _, p := range toApply {
			writes[fwdKey(p.PN.User)] = []byte(p.LID.User)
			revWrites[revKey(p.LID.User)] = []byte(p.PN.User)
		}
		if err := tx.Set(ctx, map[string]map[string][]byte{store.ColumnLidMapping: writes}); err != nil {
			return err
		}
		if err := tx.Set(ctx, map[string]map[string][]byte{store.ColumnLidMapping: revWrites}); err != nil {
			return err
		}
		for _, p := range toApply {
			if s.cache != nil {
				s.cache.Set("pn:"+p.PN.User, p.LID.User)
				s.cache.Set("lid:"+p.LID.User, p.PN.User)
			}
		}
		return nil
	})
}

// LidForPn looks up the LID JID for a PN user, device-suffix preserved
// from pn (device 0 for a user-level lookup).
func (s *Store) LidForPn(ctx context.Context, pn address.JID) (address.JID, bool, error) {
	lidUser, ok, err := s.lookup(ctx, "pn:"+pn.User, fwdKey(pn.User))
	if err != nil || !ok {
		return address.JID{}, false, err
	}
	server := address.ServerForDevice(pn.Device)
	jid, err := address.NewJID(lidUser, pn.Device, server)
	if err != nil {
		return address.JID{}, false, fmt.Errorf("build lid jid: %w", err)
	}
	return jid, true, nil
}

// PnForLid looks up the reverse mapping, returning a device-suffixed PN
// JID on the server matching whether the source LID was hosted.
func (s *Store) PnForLid(ctx context.Context, lid address.JID) (address.JID, bool, error) {
	pnUser, ok, err := s.lookup(ctx, "lid:"+lid.User, revKey(lid.User))
	if err != nil || !ok {
		return address.JID{}, false, err
	}
	server := address.PNServerForHosted(lid.Server == address.ServerHostedLID)
	jid, err := address.NewJID(pnUser, lid.Device, server)
	if err != nil {
		return address.JID{}, false, fmt.Errorf("build pn jid: %w", err)
	}
	return jid, true, nil
}

// lookup checks the cache, then the key store, for a single key.
func (s *Store) lookup(ctx context.Context, cacheKey, storeKey string) (string, bool, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey); ok {
			return v.(string), true, nil
		}
	}
	got, err := s.keys.Get(ctx, store.ColumnLidMapping, []string{storeKey})
	if err != nil {
		return "", false, err
	}
	v, ok := got[storeKey]
	if !ok {
		return "", false, nil
	}
	if s.cache != nil {
		s.cache.Set(cacheKey, string(v))
	}
	return string(v), true, nil
}

// LidsForPns resolves device-qualified PN JIDs to their LID counterparts,
// filling from cache, then the key store, then the resolver delegate.
// Hosted PNs (device 99) are normalized to the canonical
// <user>@s.whatsapp.net form before being handed to the resolver.
func (s *Store) LidsForPns(ctx context.Context, pns []address.JID) ([]DevicePair, error) {
	result := make([]DevicePair, 0, len(pns))
	var unresolved []address.JID

	for _, pn := range pns {
		lid, ok, err := s.LidForPn(ctx, pn)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, DevicePair{PNJid: pn, LIDJid: lid})
			continue
		}
		unresolved = append(unresolved, pn)
	}

	if len(unresolved) == 0 || s.resolver == nil {
		return result, nil
	}

	canonical := make([]string, len(unresolved))
	for i, pn := range unresolved {
		canonical[i] = address.JID{User: pn.User, Device: 0, Server: address.ServerPN}.String()
	}

	resolved, err := s.resolver.ResolvePNsToLIDs(ctx, canonical)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LidsForPns",
			"error":    err,
		}).Warn("resolver delegate failed")
		return result, nil
	}

	if err := s.Store(ctx, resolved); err != nil {
		return nil, fmt.Errorf("persist resolved mappings: %w", err)
	}

	byUser := make(map[string]address.JID, len(resolved))
	for _, p := range resolved {
		byUser[p.PN.User] = p.LID
	}
	for _, pn := range unresolved {
		lidBase, ok := byUser[pn.User]
		if !ok {
			continue // resolver had no mapping for this PN; not cached negatively, per §9
		}
		server := address.ServerForDevice(pn.Device)
		lid, err := address.NewJID(lidBase.User, pn.Device, server)
		if err != nil {
			continue
		}
		result = append(result, DevicePair{PNJid: pn, LIDJid: lid})
	}

	return result, nil
}
