package noiseprimitive

import (
	"context"
	"testing"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal signal.Store double backed by plain maps, used to
// exercise the default Primitive without the full key-store/lidmap stack.
type memStore struct {
	sessions   map[string][]byte
	senderKeys map[string][]byte
	identity   [32]byte
	regID      uint32
}

func newMemStore(identity [32]byte, regID uint32) *memStore {
	return &memStore{
		sessions:   map[string][]byte{},
		senderKeys: map[string][]byte{},
		identity:   identity,
		regID:      regID,
	}
}

func (s *memStore) LoadSession(ctx context.Context, address string) ([]byte, error) {
	return s.sessions[address], nil
}
func (s *memStore) StoreSession(ctx context.Context, address string, record []byte) error {
	s.sessions[address] = record
	return nil
}
func (s *memStore) DeleteSession(ctx context.Context, address string) error {
	delete(s.sessions, address)
	return nil
}
func (s *memStore) LoadPreKey(ctx context.Context, id uint32) ([]byte, error)       { return nil, nil }
func (s *memStore) RemovePreKey(ctx context.Context, id uint32) error               { return nil }
func (s *memStore) LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error) { return nil, nil }
func (s *memStore) LoadSenderKey(ctx context.Context, name string) ([]byte, error) {
	return s.senderKeys[name], nil
}
func (s *memStore) StoreSenderKey(ctx context.Context, name string, record []byte) error {
	s.senderKeys[name] = record
	return nil
}
func (s *memStore) IsTrustedIdentity(ctx context.Context, address string, identityKey []byte) (bool, error) {
	return true, nil
}
func (s *memStore) GetOurRegistrationID(ctx context.Context) (uint32, error) { return s.regID, nil }
func (s *memStore) GetOurIdentity(ctx context.Context) ([32]byte, error)     { return s.identity, nil }

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestPrimitive_PairwiseRoundTrip_FirstMessageIsPreKeyType(t *testing.T) {
	ctx := context.Background()
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	aliceStore := newMemStore(alice.Private, 1)
	bobStore := newMemStore(bob.Private, 2)
	alicePrim := New(aliceStore)
	bobPrim := New(bobStore)

	bundle := signal.PreKeyBundle{
		IdentityKey:  bob.Public,
		SignedPreKey: bob.Public,
	}
	require.NoError(t, alicePrim.BuildPairwiseSession(ctx, "bob.0", bundle))

	aliceBundle := signal.PreKeyBundle{IdentityKey: alice.Public, SignedPreKey: alice.Public}
	require.NoError(t, bobPrim.BuildPairwiseSession(ctx, "alice.0", aliceBundle))

	msgType, wire, err := alicePrim.EncryptPairwise(ctx, "bob.0", []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, signal.PreKeyWhisperMessage, msgType)

	plaintext, err := bobPrim.DecryptPairwise(ctx, "alice.0", msgType, wire)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(plaintext))

	msgType2, wire2, err := alicePrim.EncryptPairwise(ctx, "bob.0", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, signal.WhisperMessage, msgType2)

	plaintext2, err := bobPrim.DecryptPairwise(ctx, "alice.0", msgType2, wire2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(plaintext2))
}

func TestPrimitive_EncryptPairwise_NoSessionErrors(t *testing.T) {
	ctx := context.Background()
	alice := mustKeyPair(t)
	prim := New(newMemStore(alice.Private, 1))

	_, _, err := prim.EncryptPairwise(ctx, "nobody.0", []byte("x"))
	require.Error(t, err)
}

func TestPrimitive_GroupRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	alicePrim := New(newMemStore(alice.Private, 1))
	bobStore := newMemStore(bob.Private, 2)
	bobPrim := New(bobStore)

	wire, dist, err := alicePrim.EncryptGroup(ctx, "group1", "alice", []byte("hi group"))
	require.NoError(t, err)
	require.NotNil(t, dist)

	require.NoError(t, bobPrim.ProcessSenderKeyDistribution(ctx, "group1", "alice", *dist))

	plaintext, err := bobPrim.DecryptGroup(ctx, "group1", "alice", wire)
	require.NoError(t, err)
	assert.Equal(t, "hi group", string(plaintext))

	wire2, dist2, err := alicePrim.EncryptGroup(ctx, "group1", "alice", []byte("second group msg"))
	require.NoError(t, err)
	assert.Nil(t, dist2, "distribution is only returned on first use of a chain")

	plaintext2, err := bobPrim.DecryptGroup(ctx, "group1", "alice", wire2)
	require.NoError(t, err)
	assert.Equal(t, "second group msg", string(plaintext2))
}

func TestPrimitive_DecryptGroup_WithoutDistributionErrors(t *testing.T) {
	ctx := context.Background()
	bob := mustKeyPair(t)
	bobPrim := New(newMemStore(bob.Private, 2))

	_, err := bobPrim.DecryptGroup(ctx, "group1", "nobody", []byte("x"))
	require.Error(t, err)
}

func TestPrimitive_HasOpenSession(t *testing.T) {
	ctx := context.Background()
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	prim := New(newMemStore(alice.Private, 1))

	open, err := prim.HasOpenSession(ctx, "bob.0")
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, prim.BuildPairwiseSession(ctx, "bob.0", signal.PreKeyBundle{IdentityKey: bob.Public, SignedPreKey: bob.Public}))
	open, err = prim.HasOpenSession(ctx, "bob.0")
	require.NoError(t, err)
	assert.True(t, open)
}
