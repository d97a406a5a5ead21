package session

import (
	"context"
	"testing"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/lidmap"
	"github.com/opd-ai/wacore/signal"
	"github.com/opd-ai/wacore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	exists map[address.JID]bool
	calls  int
}

func (v *stubValidator) ValidateSession(ctx context.Context, jid address.JID) (signal.SessionValidation, error) {
	v.calls++
	return signal.SessionValidation{Exists: v.exists[jid]}, nil
}

type stubInjector struct {
	injected []address.JID
}

func (i *stubInjector) InjectE2ESession(ctx context.Context, jid address.JID, bundle signal.PreKeyBundle) error {
	i.injected = append(i.injected, jid)
	return nil
}

type stubFetcher struct {
	bundles map[address.JID]signal.PreKeyBundle
	calls   int
	lastForced bool
	lastJIDs   []address.JID
}

func (f *stubFetcher) FetchPreKeyBundles(ctx context.Context, jids []address.JID, forced bool) (map[address.JID]signal.PreKeyBundle, error) {
	f.calls++
	f.lastForced = forced
	f.lastJIDs = jids
	return f.bundles, nil
}

func TestAssertSessions_SkipsFetchWhenAllSessionsExist(t *testing.T) {
	ctx := context.Background()
	peer := address.NewUserJID("1", address.ServerPN)
	validator := &stubValidator{exists: map[address.JID]bool{peer: true}}
	injector := &stubInjector{}
	fetcher := &stubFetcher{}

	a := New(validator, injector, nil, fetcher, cache.New(0))

	fetched, err := a.AssertSessions(ctx, []address.JID{peer}, false)
	require.NoError(t, err)
	assert.False(t, fetched)
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, 1, validator.calls)
}

func TestAssertSessions_FetchesAndInjectsMissing(t *testing.T) {
	ctx := context.Background()
	peer := address.NewUserJID("1", address.ServerPN)
	validator := &stubValidator{exists: map[address.JID]bool{}}
	injector := &stubInjector{}
	fetcher := &stubFetcher{bundles: map[address.JID]signal.PreKeyBundle{
		peer: {RegistrationID: 42},
	}}

	a := New(validator, injector, nil, fetcher, cache.New(0))

	fetched, err := a.AssertSessions(ctx, []address.JID{peer}, false)
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.Equal(t, 1, fetcher.calls)
	assert.False(t, fetcher.lastForced)
	require.Len(t, injector.injected, 1)
	assert.Equal(t, peer, injector.injected[0])
}

func TestAssertSessions_ForceAlwaysFetches(t *testing.T) {
	ctx := context.Background()
	peer := address.NewUserJID("1", address.ServerPN)
	validator := &stubValidator{exists: map[address.JID]bool{peer: true}}
	injector := &stubInjector{}
	fetcher := &stubFetcher{bundles: map[address.JID]signal.PreKeyBundle{peer: {}}}

	a := New(validator, injector, nil, fetcher, cache.New(0))

	fetched, err := a.AssertSessions(ctx, []address.JID{peer}, true)
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.True(t, fetcher.lastForced)
}

func TestAssertSessions_DedupesInput(t *testing.T) {
	ctx := context.Background()
	peer := address.NewUserJID("1", address.ServerPN)
	validator := &stubValidator{exists: map[address.JID]bool{peer: true}}
	injector := &stubInjector{}
	fetcher := &stubFetcher{}

	a := New(validator, injector, nil, fetcher, cache.New(0))

	_, err := a.AssertSessions(ctx, []address.JID{peer, peer, peer}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, validator.calls)
}

func TestAssertSessions_CachesValidationResultAcrossCalls(t *testing.T) {
	ctx := context.Background()
	peer := address.NewUserJID("1", address.ServerPN)
	validator := &stubValidator{exists: map[address.JID]bool{peer: true}}
	injector := &stubInjector{}
	fetcher := &stubFetcher{}
	sessionCache := cache.New(PeerSessionsCacheTTL)

	a := New(validator, injector, nil, fetcher, sessionCache)

	_, err := a.AssertSessions(ctx, []address.JID{peer}, false)
	require.NoError(t, err)
	_, err = a.AssertSessions(ctx, []address.JID{peer}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, validator.calls, "second call must hit the peer-sessions cache, not re-validate")
}

func TestAssertSessions_TranslatesPNToLIDBeforeFetching(t *testing.T) {
	ctx := context.Background()
	pn := address.NewUserJID("15551234567", address.ServerPN)
	lid := address.NewUserJID("9999", address.ServerLID)

	keys := store.NewMemoryStore()
	mappings := lidmap.New(keys, nil, cache.New(lidmap.MappingTTL))
	require.NoError(t, mappings.Store(ctx, []lidmap.Pair{{PN: pn, LID: lid}}))

	validator := &stubValidator{exists: map[address.JID]bool{}}
	injector := &stubInjector{}
	fetcher := &stubFetcher{bundles: map[address.JID]signal.PreKeyBundle{lid: {}}}

	a := New(validator, injector, mappings, fetcher, cache.New(0))

	_, err := a.AssertSessions(ctx, []address.JID{pn}, false)
	require.NoError(t, err)

	require.Len(t, fetcher.lastJIDs, 1)
	assert.Equal(t, lid, fetcher.lastJIDs[0], "fetch must use the wire (lid) address, not the original pn")
	require.Len(t, injector.injected, 1)
	assert.Equal(t, pn, injector.injected[0], "injection must target the original jid the caller asked about")
}
