package wacore

import (
	"context"
	"testing"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/fanout"
	"github.com/opd-ai/wacore/relay"
	"github.com/opd-ai/wacore/signal"
	"github.com/opd-ai/wacore/usync"
	"github.com/stretchr/testify/require"
)

// stubDeviceResolver answers usync.DeviceResolver with one device-0 entry
// per requested user, modeling a USync response for single-device peers.
type stubDeviceResolver struct{}

func (stubDeviceResolver) QueryDevices(ctx context.Context, users []string, ignoreZeroDevices bool) ([]usync.DeviceTuple, error) {
	out := make([]usync.DeviceTuple, 0, len(users))
	for _, u := range users {
		out = append(out, usync.DeviceTuple{User: u, Device: 0, Server: address.ServerPN})
	}
	return out, nil
}

// stubBundleFetcher answers session.BundleFetcher from a fixed table keyed
// by the requesting JID's user, modeling an `iq encrypt get` round trip.
type stubBundleFetcher struct {
	byUser map[string]signal.PreKeyBundle
}

func (f *stubBundleFetcher) FetchPreKeyBundles(ctx context.Context, jids []address.JID, forced bool) (map[address.JID]signal.PreKeyBundle, error) {
	out := map[address.JID]signal.PreKeyBundle{}
	for _, jid := range jids {
		if b, ok := f.byUser[jid.User]; ok {
			out[jid] = b
		}
	}
	return out, nil
}

// capturingSender records the last node handed to it instead of writing
// to a transport.
type capturingSender struct {
	last relay.Node
}

func (s *capturingSender) Send(ctx context.Context, node relay.Node) error {
	s.last = node
	return nil
}

func mustIdentity(t *testing.T) *crypto.KeyPair {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func bundleFor(kp *crypto.KeyPair) signal.PreKeyBundle {
	return signal.PreKeyBundle{IdentityKey: kp.Public, SignedPreKey: kp.Public}
}

// findEncNode walks the participants wrapper of a direct-send message node
// and returns the single <enc> child's type attribute and ciphertext.
func findEncNode(t *testing.T, n relay.Node) (string, []byte) {
	for _, child := range n.Children {
		if child.Tag == "participants" {
			require.Len(t, child.Children, 1)
			to := child.Children[0]
			require.Equal(t, "to", to.Tag)
			require.Len(t, to.Children, 1)
			enc := to.Children[0]
			require.Equal(t, "enc", enc.Tag)
			return enc.Attrs["type"], enc.Content
		}
	}
	t.Fatal("no participants node found")
	return "", nil
}

func wireTypeToMessageType(wire string) signal.MessageType {
	if wire == "pkmsg" {
		return signal.PreKeyWhisperMessage
	}
	return signal.WhisperMessage
}

func TestClient_Send_DirectRoundTripsThroughRealSignalSessions(t *testing.T) {
	ctx := context.Background()

	aliceKP := mustIdentity(t)
	bobKP := mustIdentity(t)

	aliceJID := address.NewUserJID("1", address.ServerPN)
	bobJID := address.NewUserJID("2", address.ServerPN)

	aliceOpts := NewRelayOptions()
	aliceOpts.OwnPN = aliceJID
	aliceOpts.IdentityKeyPair = aliceKP
	aliceOpts.DeviceResolver = stubDeviceResolver{}
	aliceOpts.BundleFetcher = &stubBundleFetcher{byUser: map[string]signal.PreKeyBundle{"2": bundleFor(bobKP)}}
	aliceSender := &capturingSender{}
	aliceOpts.Sender = aliceSender

	alice, err := New(aliceOpts)
	require.NoError(t, err)

	bobOpts := NewRelayOptions()
	bobOpts.OwnPN = bobJID
	bobOpts.IdentityKeyPair = bobKP
	bobOpts.DeviceResolver = stubDeviceResolver{}
	bobOpts.BundleFetcher = &stubBundleFetcher{byUser: map[string]signal.PreKeyBundle{"1": bundleFor(aliceKP)}}

	bob, err := New(bobOpts)
	require.NoError(t, err)

	node, err := alice.Send(ctx, relay.SendRequest{To: bobJID, Message: []byte("hello bob")})
	require.NoError(t, err)

	wireType, ciphertext := findEncNode(t, node)
	require.NotEmpty(t, ciphertext)

	// Bob must build his own reciprocal session before he can decrypt
	// alice's first message, mirroring primitive.BuildPairwiseSession's
	// symmetric-DH precondition.
	_, err = bob.AssertSessions(ctx, []address.JID{aliceJID}, false)
	require.NoError(t, err)

	plaintext, err := bob.DecryptMessage(ctx, aliceJID, wireTypeToMessageType(wireType), ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))
}

// flaggingPatcher is a fanout.PreSendPatcher that records whether it ran
// and passes the message through unmodified.
type flaggingPatcher struct {
	called *bool
}

func (p flaggingPatcher) Patch(ctx context.Context, message []byte, recipients []address.JID) (fanout.PatchResult, error) {
	*p.called = true
	return fanout.PatchResult{Shared: message}, nil
}

func TestClient_Send_AppliesDefaultPatcherWhenRequestOmitsOne(t *testing.T) {
	ctx := context.Background()

	aliceKP := mustIdentity(t)
	bobKP := mustIdentity(t)

	aliceJID := address.NewUserJID("1", address.ServerPN)
	bobJID := address.NewUserJID("2", address.ServerPN)

	var patcherCalled bool
	opts := NewRelayOptions()
	opts.OwnPN = aliceJID
	opts.IdentityKeyPair = aliceKP
	opts.DeviceResolver = stubDeviceResolver{}
	opts.BundleFetcher = &stubBundleFetcher{byUser: map[string]signal.PreKeyBundle{"2": bundleFor(bobKP)}}
	opts.Sender = &capturingSender{}
	opts.PatchMessageBeforeSending = flaggingPatcher{called: &patcherCalled}

	client, err := New(opts)
	require.NoError(t, err)

	_, err = client.Send(ctx, relay.SendRequest{To: bobJID, Message: []byte("hi")})
	require.NoError(t, err)
	require.True(t, patcherCalled)
}

func TestClient_SweepCaches_ReturnsZeroOnFreshClient(t *testing.T) {
	client, err := New(nil)
	require.NoError(t, err)
	require.Equal(t, 0, client.SweepCaches())
}

func TestClient_Sockets_ReturnsSharedRegistry(t *testing.T) {
	client, err := New(nil)
	require.NoError(t, err)
	require.Same(t, client.sockets, client.Sockets())
}
