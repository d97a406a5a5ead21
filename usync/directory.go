// Package usync implements the device directory of spec §4.5: resolving
// possibly-user-level JIDs to the full set of device-qualified JIDs,
// fronted by a 5-minute device cache and backed by a host-supplied USync
// resolver, persisting results to the key store's device-list column.
//
// It is grounded on the teacher's group.queryDHTForGroup /
// queryDHTNetwork pair: a local-cache-first lookup that falls through to
// a network round trip on miss, generalized from DHT group discovery to
// USync device discovery.
package usync

import (
	"context"
	"time"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/lidmap"
	"github.com/opd-ai/wacore/store"
	"github.com/sirupsen/logrus"
)

// DeviceCacheTTL is the spec default TTL for the user-devices cache.
const DeviceCacheTTL = 5 * time.Minute

// DeviceTuple is one device entry in a USync device-query response.
type DeviceTuple struct {
	User   string
	Device int
	Server address.Server
	// Lid is the LID user for this PN user, if USync reported one
	// alongside the device list; empty if none.
	Lid string
}

// DeviceResolver is the host-supplied USync device-protocol delegate.
type DeviceResolver interface {
	QueryDevices(ctx context.Context, users []string, ignoreZeroDevices bool) ([]DeviceTuple, error)
}

// SessionRefresher is the narrow slice of the session asserter's contract
// the directory needs: force a session fetch for newly LID-mapped users.
// Defined locally (rather than importing the session package) so usync
// has no compile-time dependency on session's implementation.
type SessionRefresher interface {
	AssertSessions(ctx context.Context, jids []address.JID, force bool) (bool, error)
}

// Directory is the device directory of §4.5.
type Directory struct {
	keys        store.KeyStore
	mappings    *lidmap.Store
	resolver    DeviceResolver
	deviceCache *cache.Cache // keys "devices:<server>:<user>" -> []int
	refresher   SessionRefresher
}

// New constructs a Directory. refresher may be nil; when nil, newly
// mapped LIDs are persisted but no force-refresh is triggered.
func New(keys store.KeyStore, mappings *lidmap.Store, resolver DeviceResolver, deviceCache *cache.Cache, refresher SessionRefresher) *Directory {
	return &Directory{keys: keys, mappings: mappings, resolver: resolver, deviceCache: deviceCache, refresher: refresher}
}

func devicesCacheKey(server address.Server, user string) string {
	return "devices:" + string(server) + ":" + user
}

// GetDevices implements getDevices(jids, useCache, ignoreZeroDevices).
func (d *Directory) GetDevices(ctx context.Context, jids []address.JID, useCache, ignoreZeroDevices bool) ([]address.JID, error) {
	result := make([]address.JID, 0, len(jids))
	type pending struct {
		user   string
		server address.Server
		asLID  bool
	}
	var toFetch []pending
	queued := map[string]bool{}

	for _, jid := range jids {
		if jid.Device != 0 {
			result = append(result, jid) // explicit device, returned as-is
			continue
		}
		dedupeKey := string(jid.Server) + ":" + jid.User
		if queued[dedupeKey] {
			continue
		}
		queued[dedupeKey] = true

		if useCache && d.deviceCache != nil {
			if cached, ok := d.deviceCache.Get(devicesCacheKey(jid.Server, jid.User)); ok {
				result = append(result, buildDeviceJIDs(jid.User, jid.Server, cached.([]int), ignoreZeroDevices)...)
				continue
			}
		}
		toFetch = append(toFetch, pending{user: jid.User, server: jid.Server, asLID: jid.IsLID()})
	}

	if len(toFetch) == 0 || d.resolver == nil {
		return result, nil
	}

	users := make([]string, len(toFetch))
	for i, p := range toFetch {
		users[i] = p.user
	}
	tuples, err := d.resolver.QueryDevices(ctx, users, ignoreZeroDevices)
	if err != nil {
		return nil, err
	}

	d.applyNewMappings(ctx, tuples)

	byUser := map[string][]DeviceTuple{}
	for _, t := range tuples {
		byUser[t.User] = append(byUser[t.User], t)
	}

	askedAsLID := map[string]bool{}
	for _, p := range toFetch {
		askedAsLID[p.user] = p.asLID
	}

	deviceWrites := map[string][]byte{}
	for _, p := range toFetch {
		userTuples := byUser[p.user]
		devices := make([]int, 0, len(userTuples))
		for _, t := range userTuples {
			devices = append(devices, t.Device)
		}
		server := p.server
		if askedAsLID[p.user] {
			server = address.ServerLID
		}
		jids := buildDeviceJIDs(p.user, server, devices, ignoreZeroDevices)
		result = append(result, jids...)

		if !ignoreZeroDevices && !containsDevice(devices, 0) {
			devices = append(devices, 0)
		}
		if d.deviceCache != nil {
			d.deviceCache.Set(devicesCacheKey(server, p.user), devices)
		}
		deviceWrites[p.user] = store.EncodeDeviceList(devices)
	}

	if len(deviceWrites) > 0 {
		if err := d.keys.Set(ctx, map[string]map[string][]byte{store.ColumnDeviceList: deviceWrites}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "GetDevices",
				"error":    err,
			}).Warn("failed to persist device list; cache remains authoritative")
		}
	}

	return result, nil
}

// applyNewMappings stores any (pn, lid) pairs surfaced in the USync
// response and force-refreshes sessions for the newly mapped LIDs.
func (d *Directory) applyNewMappings(ctx context.Context, tuples []DeviceTuple) {
	if d.mappings == nil {
		return
	}
	var newLIDs []address.JID
	var pairs []lidmap.Pair
	for _, t := range tuples {
		if t.Lid == "" {
			continue
		}
		pn := address.JID{User: t.User, Device: 0, Server: address.ServerPN}
		lid := address.JID{User: t.Lid, Device: 0, Server: address.ServerLID}
		pairs = append(pairs, lidmap.Pair{PN: pn, LID: lid})
		newLIDs = append(newLIDs, lid)
	}
	if len(pairs) == 0 {
		return
	}
	if err := d.mappings.Store(ctx, pairs); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyNewMappings",
			"error":    err,
		}).Warn("failed to persist lid mappings from usync response")
		return
	}
	if d.refresher != nil {
		if _, err := d.refresher.AssertSessions(ctx, newLIDs, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "applyNewMappings",
				"error":    err,
			}).Warn("failed to force-refresh sessions for newly mapped lids")
		}
	}
}

func buildDeviceJIDs(user string, server address.Server, devices []int, ignoreZeroDevices bool) []address.JID {
	hasZero := containsDevice(devices, 0)
	if !ignoreZeroDevices && !hasZero {
		devices = append(append([]int{}, devices...), 0)
	}
	out := make([]address.JID, 0, len(devices))
	for _, dev := range devices {
		jid, err := address.NewJID(user, dev, server)
		if err != nil {
			continue
		}
		out = append(out, jid)
	}
	return out
}

func containsDevice(devices []int, target int) bool {
	for _, d := range devices {
		if d == target {
			return true
		}
	}
	return false
}
