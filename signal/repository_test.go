package signal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPrimitive is a minimal, deterministic Primitive double: it echoes
// plaintext back with a fixed prefix rather than doing real cryptography,
// so repository-level transaction/tagging behavior can be tested in
// isolation from the Signal math.
type stubPrimitive struct {
	sessions  map[string]bool
	groupDist map[string]*SenderKeyDistribution
}

func newStubPrimitive() *stubPrimitive {
	return &stubPrimitive{sessions: map[string]bool{}, groupDist: map[string]*SenderKeyDistribution{}}
}

func (p *stubPrimitive) BuildPairwiseSession(ctx context.Context, address string, bundle PreKeyBundle) error {
	p.sessions[address] = true
	return nil
}

func (p *stubPrimitive) EncryptPairwise(ctx context.Context, address string, data []byte) (MessageType, []byte, error) {
	if !p.sessions[address] {
		return 0, nil, fmt.Errorf("no session for %s", address)
	}
	return WhisperMessage, append([]byte("ct:"), data...), nil
}

func (p *stubPrimitive) DecryptPairwise(ctx context.Context, address string, msgType MessageType, ciphertext []byte) ([]byte, error) {
	return ciphertext[len("ct:"):], nil
}

func (p *stubPrimitive) HasOpenSession(ctx context.Context, address string) (bool, error) {
	return p.sessions[address], nil
}

func (p *stubPrimitive) EncryptGroup(ctx context.Context, group, sender string, data []byte) ([]byte, *SenderKeyDistribution, error) {
	key := group + "::" + sender
	var dist *SenderKeyDistribution
	if p.groupDist[key] == nil {
		dist = &SenderKeyDistribution{GroupID: group}
		p.groupDist[key] = dist
	}
	return append([]byte("gct:"), data...), dist, nil
}

func (p *stubPrimitive) DecryptGroup(ctx context.Context, group, author string, ciphertext []byte) ([]byte, error) {
	return ciphertext[len("gct:"):], nil
}

func (p *stubPrimitive) ProcessSenderKeyDistribution(ctx context.Context, group, author string, dist SenderKeyDistribution) error {
	p.groupDist[group+"::"+author] = &dist
	return nil
}

func (p *stubPrimitive) ProtocolAddress(signalUser string, device int) string {
	return fmt.Sprintf("%s.%d", signalUser, device)
}

func newTestRepo(t *testing.T) (*Repository, store.KeyStore, *stubPrimitive) {
	t.Helper()
	keys := store.NewMemoryStore()
	prim := newStubPrimitive()
	binding := NewStorageBinding(keys, nil, [32]byte{1}, 42)
	repo := NewRepository(keys, prim, binding, cache.New(24 * time.Hour))
	return repo, keys, prim
}

func TestRepository_EncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	peer, err := address.NewJID("15551234567", 0, address.ServerPN)
	require.NoError(t, err)

	require.NoError(t, repo.InjectE2ESession(ctx, peer, PreKeyBundle{}))

	out, err := repo.EncryptMessage(ctx, peer, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, WhisperMessage, out.Type)

	plaintext, err := repo.DecryptMessage(ctx, peer, out.Type, out.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
}

func TestRepository_DecryptMessage_RejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	peer, err := address.NewJID("1", 0, address.ServerPN)
	require.NoError(t, err)

	_, err = repo.DecryptMessage(ctx, peer, MessageType(9), []byte("x"))
	require.Error(t, err)
}

func TestRepository_ValidateSession(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	peer, err := address.NewJID("1", 0, address.ServerPN)
	require.NoError(t, err)

	v, err := repo.ValidateSession(ctx, peer)
	require.NoError(t, err)
	assert.False(t, v.Exists)

	require.NoError(t, repo.InjectE2ESession(ctx, peer, PreKeyBundle{}))
	v, err = repo.ValidateSession(ctx, peer)
	require.NoError(t, err)
	assert.True(t, v.Exists)
}

func TestRepository_DeleteSession_NullsEveryTarget(t *testing.T) {
	ctx := context.Background()
	repo, keys, _ := newTestRepo(t)
	a, _ := address.NewJID("1", 0, address.ServerPN)
	b, _ := address.NewJID("2", 0, address.ServerPN)

	require.NoError(t, keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnSession: {
			formatAddress(a.SignalAddress(), a.Device): []byte("s1"),
			formatAddress(b.SignalAddress(), b.Device): []byte("s2"),
		},
	}))

	require.NoError(t, repo.DeleteSession(ctx, []address.JID{a, b}))

	got, err := keys.Get(ctx, store.ColumnSession, []string{
		formatAddress(a.SignalAddress(), a.Device),
		formatAddress(b.SignalAddress(), b.Device),
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepository_GroupEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	group, err := address.NewJID("group1", 0, address.ServerGroup)
	require.NoError(t, err)
	me, err := address.NewJID("1", 0, address.ServerPN)
	require.NoError(t, err)

	out, err := repo.EncryptGroupMessage(ctx, group, me, []byte("hi all"))
	require.NoError(t, err)
	require.NotNil(t, out.SenderKeyDistribution)

	plaintext, err := repo.DecryptGroupMessage(ctx, group, me, out.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hi all", string(plaintext))
}

func TestRepository_EncryptGroupMessage_RequiresGroupID(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	me, _ := address.NewJID("1", 0, address.ServerPN)

	_, err := repo.EncryptGroupMessage(ctx, address.JID{}, me, []byte("x"))
	require.Error(t, err)
}

func TestRepository_MigrateSession_MovesOpenSessionsAndMarksCache(t *testing.T) {
	ctx := context.Background()
	repo, keys, _ := newTestRepo(t)

	pn, err := address.NewJID("15551234567", 0, address.ServerPN)
	require.NoError(t, err)
	lid, err := address.NewJID("9999", 0, address.ServerLID)
	require.NoError(t, err)

	require.NoError(t, keys.Set(ctx, map[string]map[string][]byte{
		store.ColumnDeviceList: {pn.User: []byte("0")},
		store.ColumnSession:    {fmt.Sprintf("%s.%d", pn.User, pn.Device): []byte("session-bytes")},
	}))

	migratedCache := cache.New(24 * time.Hour)
	result, err := repo.MigrateSession(ctx, pn, lid, migratedCache)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 0, result.Skipped)

	lidAddr, err := address.NewJID(lid.User, 0, address.ServerForDevice(0))
	require.NoError(t, err)
	got, err := keys.Get(ctx, store.ColumnSession, []string{lidAddr.SignalAddress() + ".0"})
	require.NoError(t, err)
	assert.Equal(t, []byte("session-bytes"), got[lidAddr.SignalAddress()+".0"])

	oldGot, err := keys.Get(ctx, store.ColumnSession, []string{fmt.Sprintf("%s.%d", pn.User, pn.Device)})
	require.NoError(t, err)
	assert.Empty(t, oldGot)

	_, already := migratedCache.Get(fmt.Sprintf("%s.%d", pn.User, 0))
	assert.True(t, already)

	result2, err := repo.MigrateSession(ctx, pn, lid, migratedCache)
	require.NoError(t, err)
	assert.Equal(t, 0, result2.Migrated)
	assert.Equal(t, 1, result2.Skipped)
}

func TestRepository_MigrateSession_NoDeviceListIsNoop(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	pn, _ := address.NewJID("1", 0, address.ServerPN)
	lid, _ := address.NewJID("2", 0, address.ServerLID)

	result, err := repo.MigrateSession(ctx, pn, lid, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
}
