// Package session implements the session asserter of spec §4.6:
// assertSessions(jids, force) guarantees a Signal session exists for every
// target, fetching and injecting prekey bundles for whichever subset is
// missing or force-refreshed.
//
// It is grounded on the teacher's async.AsyncManager.handleFriendOnline:
// check whether key material is needed, fetch/exchange it if so, then mark
// the peer ready — generalized from a per-friend online-transition hook to
// a batched, cache-fronted session check.
package session

import (
	"context"
	"time"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/lidmap"
	"github.com/opd-ai/wacore/signal"
	"github.com/sirupsen/logrus"
)

// PeerSessionsCacheTTL is the spec default TTL for the boolean
// session-exists-per-address cache that fronts ValidateSession.
const PeerSessionsCacheTTL = 5 * time.Minute

// Validator is the narrow slice of signal.Repository the asserter needs to
// check whether a session already exists.
type Validator interface {
	ValidateSession(ctx context.Context, jid address.JID) (signal.SessionValidation, error)
}

// Injector is the narrow slice of signal.Repository the asserter needs to
// seed sessions from fetched prekey bundles.
type Injector interface {
	InjectE2ESession(ctx context.Context, jid address.JID, bundle signal.PreKeyBundle) error
}

// BundleFetcher is the host-supplied `iq encrypt get` delegate: given the
// wire-addressed JIDs to fetch and whether the fetch was forced, returns a
// prekey bundle per JID that could be resolved. Entries absent from the
// result are treated as fetch failures for that one JID and skipped rather
// than failing the whole call.
type BundleFetcher interface {
	FetchPreKeyBundles(ctx context.Context, jids []address.JID, forced bool) (map[address.JID]signal.PreKeyBundle, error)
}

// Asserter implements assertSessions. A nil sessionCache disables the
// peer-sessions cache, forcing a validateSession call on every input JID.
type Asserter struct {
	validator    Validator
	injector     Injector
	mappings     *lidmap.Store
	fetcher      BundleFetcher
	sessionCache *cache.Cache // keys are jid.String(); value is bool "has session"
}

// New constructs an Asserter.
func New(validator Validator, injector Injector, mappings *lidmap.Store, fetcher BundleFetcher, sessionCache *cache.Cache) *Asserter {
	return &Asserter{validator: validator, injector: injector, mappings: mappings, fetcher: fetcher, sessionCache: sessionCache}
}

// AssertSessions implements assertSessions(jids, force). Returns whether a
// fetch round trip happened.
func (a *Asserter) AssertSessions(ctx context.Context, jids []address.JID, force bool) (bool, error) {
	deduped := dedupeJIDs(jids)

	needsFetch, err := a.collectNeedsFetch(ctx, deduped, force)
	if err != nil {
		return false, err
	}
	if len(needsFetch) == 0 {
		return false, nil
	}

	wireJIDs, wireToOriginal := a.translateToWire(ctx, needsFetch)

	bundles, err := a.fetcher.FetchPreKeyBundles(ctx, wireJIDs, force)
	if err != nil {
		return false, err
	}

	for wireJID, bundle := range bundles {
		original := wireToOriginal[wireJID]
		if err := a.injector.InjectE2ESession(ctx, original, bundle); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "AssertSessions",
				"jid":      original.String(),
				"error":    err,
			}).Warn("failed to inject fetched session")
			continue
		}
		a.markCached(original, true)
	}

	return true, nil
}

// collectNeedsFetch consults the peer-sessions cache for each JID, calling
// validateSession and caching the result on miss, and returns the subset
// that is missing a session or force-refreshing.
func (a *Asserter) collectNeedsFetch(ctx context.Context, jids []address.JID, force bool) ([]address.JID, error) {
	var needsFetch []address.JID
	for _, jid := range jids {
		if !force {
			if cached, ok := a.lookupCached(jid); ok {
				if !cached {
					needsFetch = append(needsFetch, jid)
				}
				continue
			}
		}

		validation, err := a.validator.ValidateSession(ctx, jid)
		if err != nil {
			return nil, err
		}
		a.markCached(jid, validation.Exists)
		if !validation.Exists || force {
			needsFetch = append(needsFetch, jid)
		}
	}
	return needsFetch, nil
}

// translateToWire maps PN-addressed JIDs to their LID equivalent where a
// mapping is known, keeping the original where unmapped, per step 4.
func (a *Asserter) translateToWire(ctx context.Context, jids []address.JID) ([]address.JID, map[address.JID]address.JID) {
	wireToOriginal := make(map[address.JID]address.JID, len(jids))
	if a.mappings == nil {
		wire := make([]address.JID, len(jids))
		for i, jid := range jids {
			wire[i] = jid
			wireToOriginal[jid] = jid
		}
		return wire, wireToOriginal
	}

	var pnJIDs []address.JID
	for _, jid := range jids {
		if jid.IsPN() {
			pnJIDs = append(pnJIDs, jid)
		}
	}

	lidByPN := map[address.JID]address.JID{}
	if len(pnJIDs) > 0 {
		pairs, err := a.mappings.LidsForPns(ctx, pnJIDs)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "translateToWire",
				"error":    err,
			}).Warn("lid translation failed; fetching by original pn addressing")
		} else {
			for _, p := range pairs {
				lidByPN[p.PNJid] = p.LIDJid
			}
		}
	}

	wire := make([]address.JID, len(jids))
	for i, jid := range jids {
		target := jid
		if lid, ok := lidByPN[jid]; ok {
			target = lid
		}
		wire[i] = target
		wireToOriginal[target] = jid
	}
	return wire, wireToOriginal
}

func (a *Asserter) lookupCached(jid address.JID) (bool, bool) {
	if a.sessionCache == nil {
		return false, false
	}
	v, ok := a.sessionCache.Get(jid.String())
	if !ok {
		return false, false
	}
	return v.(bool), true
}

func (a *Asserter) markCached(jid address.JID, hasSession bool) {
	if a.sessionCache == nil {
		return
	}
	a.sessionCache.Set(jid.String(), hasSession)
}

func dedupeJIDs(jids []address.JID) []address.JID {
	seen := map[address.JID]bool{}
	out := make([]address.JID, 0, len(jids))
	for _, jid := range jids {
		if seen[jid] {
			continue
		}
		seen[jid] = true
		out = append(out, jid)
	}
	return out
}
