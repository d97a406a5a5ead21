// Package noiseprimitive is the default, self-contained signal.Primitive:
// a pairwise and group cipher built from the teacher's existing crypto
// building blocks (crypto.DeriveSharedSecret's X25519 ECDH, crypto.Sign/
// crypto.Verify's Ed25519, and crypto.EncryptSymmetric/DecryptSymmetric's
// NaCl secretbox) rather than the real Signal X3DH/Double-Ratchet math,
// which is an external collaborator per the relay core's scope.
//
// A pairwise session here is a single HKDF-derived root key shared by
// both ends' ECDH outputs over their identity and signed-prekey material;
// it has no further ratcheting. A group sender key is a simple one-step
// forward chain (no skipped-message recovery), each message carrying an
// Ed25519 signature over its ciphertext so ProcessSenderKeyDistribution
// recipients can authenticate senders, mirroring the real protocol's
// signed sender-key distribution message without its wire format.
//
// The teacher's flynn/noise-based IK handshake (noise/handshake.go) isn't
// reused here: BuildPairwiseSession must seed a session from one
// published prekey bundle with no live round trip, which doesn't fit
// Noise's interactive two-message exchange.
package noiseprimitive

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/signal"
	"github.com/opd-ai/wacore/waerrors"
	"golang.org/x/crypto/hkdf"
)

// Primitive is the default signal.Primitive implementation.
type Primitive struct {
	store signal.Store
}

// New constructs a Primitive bound to store.
func New(store signal.Store) *Primitive {
	return &Primitive{store: store}
}

var _ signal.Primitive = (*Primitive)(nil)

// deriveKey runs ikm through HKDF-SHA256 with info as the context label,
// producing a 32-byte key.
func deriveKey(ikm []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, ikm, nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [32]byte{}, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// --- pairwise session records: [flag(1)][rootKey(32)] ---

func encodeSessionRecord(sentFirst bool, rootKey [32]byte) []byte {
	out := make([]byte, 33)
	if sentFirst {
		out[0] = 1
	}
	copy(out[1:], rootKey[:])
	return out
}

func decodeSessionRecord(b []byte) (sentFirst bool, rootKey [32]byte, err error) {
	if len(b) != 33 {
		return false, rootKey, fmt.Errorf("malformed session record (%d bytes)", len(b))
	}
	sentFirst = b[0] == 1
	copy(rootKey[:], b[1:])
	return sentFirst, rootKey, nil
}

// BuildPairwiseSession implements signal.Primitive.
func (p *Primitive) BuildPairwiseSession(ctx context.Context, address string, bundle signal.PreKeyBundle) error {
	ourIdentity, err := p.store.GetOurIdentity(ctx)
	if err != nil {
		return fmt.Errorf("load our identity: %w", err)
	}

	dh1, err := crypto.DeriveSharedSecret(bundle.IdentityKey, ourIdentity)
	if err != nil {
		return fmt.Errorf("dh over identity key: %w", err)
	}
	dh2, err := crypto.DeriveSharedSecret(bundle.SignedPreKey, ourIdentity)
	if err != nil {
		return fmt.Errorf("dh over signed prekey: %w", err)
	}

	// The info label must not vary by which side is computing it, or the
	// two ends would derive different root keys from the same ECDH
	// outputs; it stays fixed rather than folding in address.
	ikm := append(append([]byte{}, dh1[:]...), dh2[:]...)
	rootKey, err := deriveKey(ikm, "wacore/pairwise-root")
	if err != nil {
		return err
	}

	return p.store.StoreSession(ctx, address, encodeSessionRecord(false, rootKey))
}

// EncryptPairwise implements signal.Primitive.
func (p *Primitive) EncryptPairwise(ctx context.Context, address string, data []byte) (signal.MessageType, []byte, error) {
	record, err := p.store.LoadSession(ctx, address)
	if err != nil {
		return 0, nil, err
	}
	if len(record) == 0 {
		return 0, nil, fmt.Errorf("no session for %s: %w", address, waerrors.ErrSessionMissing)
	}
	sentFirst, rootKey, err := decodeSessionRecord(record)
	if err != nil {
		return 0, nil, err
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return 0, nil, err
	}
	ct, err := crypto.EncryptSymmetric(data, nonce, rootKey)
	if err != nil {
		return 0, nil, err
	}
	wire := append(append([]byte{}, nonce[:]...), ct...)

	msgType := signal.WhisperMessage
	if !sentFirst {
		msgType = signal.PreKeyWhisperMessage
	}

	if err := p.store.StoreSession(ctx, address, encodeSessionRecord(true, rootKey)); err != nil {
		return 0, nil, err
	}
	return msgType, wire, nil
}

// DecryptPairwise implements signal.Primitive.
func (p *Primitive) DecryptPairwise(ctx context.Context, address string, msgType signal.MessageType, ciphertext []byte) ([]byte, error) {
	record, err := p.store.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, fmt.Errorf("no session for %s: %w", address, waerrors.ErrSessionMissing)
	}
	_, rootKey, err := decodeSessionRecord(record)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("ciphertext too short for %s", address)
	}
	var nonce crypto.Nonce
	copy(nonce[:], ciphertext[:24])
	return crypto.DecryptSymmetric(ciphertext[24:], nonce, rootKey)
}

// HasOpenSession implements signal.Primitive.
func (p *Primitive) HasOpenSession(ctx context.Context, address string) (bool, error) {
	record, err := p.store.LoadSession(ctx, address)
	if err != nil {
		return false, err
	}
	return len(record) > 0, nil
}

// --- group sender-key records: [role(1)][iteration(4)][chainKey(32)][keyMaterial(32)] ---
// role 0: we own the chain, keyMaterial is the Ed25519 signing seed.
// role 1: we received the chain, keyMaterial is the Ed25519 public key.

const (
	senderRoleOwner    = 0
	senderRoleReceiver = 1
)

func encodeSenderRecord(role byte, iteration uint32, chainKey, keyMaterial [32]byte) []byte {
	out := make([]byte, 69)
	out[0] = role
	binary.BigEndian.PutUint32(out[1:5], iteration)
	copy(out[5:37], chainKey[:])
	copy(out[37:69], keyMaterial[:])
	return out
}

func decodeSenderRecord(b []byte) (role byte, iteration uint32, chainKey, keyMaterial [32]byte, err error) {
	if len(b) != 69 {
		return 0, 0, chainKey, keyMaterial, fmt.Errorf("malformed sender-key record (%d bytes)", len(b))
	}
	role = b[0]
	iteration = binary.BigEndian.Uint32(b[1:5])
	copy(chainKey[:], b[5:37])
	copy(keyMaterial[:], b[37:69])
	return role, iteration, chainKey, keyMaterial, nil
}

func stepChain(chainKey [32]byte) ([32]byte, error) {
	return deriveKey(chainKey[:], "wacore/sender-chain-step")
}

// EncryptGroup implements signal.Primitive.
func (p *Primitive) EncryptGroup(ctx context.Context, group, sender string, data []byte) ([]byte, *signal.SenderKeyDistribution, error) {
	name := senderKeyRecordName(group, sender)
	record, err := p.store.LoadSenderKey(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	var (
		chainKey    [32]byte
		iteration   uint32
		signingSeed [32]byte
		dist        *signal.SenderKeyDistribution
	)
	if len(record) == 0 {
		if _, err := rand.Read(chainKey[:]); err != nil {
			return nil, nil, err
		}
		if _, err := rand.Read(signingSeed[:]); err != nil {
			return nil, nil, err
		}
		edPriv := ed25519.NewKeyFromSeed(signingSeed[:])
		var signingPub [32]byte
		copy(signingPub[:], edPriv.Public().(ed25519.PublicKey))
		dist = &signal.SenderKeyDistribution{
			GroupID:    group,
			ChainKey:   chainKey,
			Iteration:  0,
			SigningKey: signingPub,
		}
	} else {
		role, it, ck, material, err := decodeSenderRecord(record)
		if err != nil {
			return nil, nil, err
		}
		if role != senderRoleOwner {
			return nil, nil, fmt.Errorf("sender key %s is not ours to advance", name)
		}
		chainKey, iteration, signingSeed = ck, it, material
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, nil, err
	}
	ct, err := crypto.EncryptSymmetric(data, nonce, chainKey)
	if err != nil {
		return nil, nil, err
	}
	payload := append(append([]byte{}, nonce[:]...), ct...)
	sig, err := crypto.Sign(payload, signingSeed)
	if err != nil {
		return nil, nil, err
	}
	wire := append(append([]byte{}, sig[:]...), payload...)

	nextChainKey, err := stepChain(chainKey)
	if err != nil {
		return nil, nil, err
	}
	newRecord := encodeSenderRecord(senderRoleOwner, iteration+1, nextChainKey, signingSeed)
	if err := p.store.StoreSenderKey(ctx, name, newRecord); err != nil {
		return nil, nil, err
	}

	return wire, dist, nil
}

// DecryptGroup implements signal.Primitive.
func (p *Primitive) DecryptGroup(ctx context.Context, group, author string, ciphertext []byte) ([]byte, error) {
	name := senderKeyRecordName(group, author)
	record, err := p.store.LoadSenderKey(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, fmt.Errorf("no sender key for %s: %w", name, waerrors.ErrSessionMissing)
	}
	role, iteration, chainKey, signingPub, err := decodeSenderRecord(record)
	if err != nil {
		return nil, err
	}
	if role != senderRoleReceiver {
		return nil, fmt.Errorf("sender key %s is ours, not a peer's", name)
	}

	if len(ciphertext) < crypto.SignatureSize+24 {
		return nil, fmt.Errorf("group ciphertext too short for %s", name)
	}
	var sig crypto.Signature
	copy(sig[:], ciphertext[:crypto.SignatureSize])
	payload := ciphertext[crypto.SignatureSize:]

	ok, err := crypto.Verify(payload, sig, signingPub)
	if err != nil {
		return nil, fmt.Errorf("verify sender-key signature: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("sender-key signature verification failed for %s", name)
	}

	var nonce crypto.Nonce
	copy(nonce[:], payload[:24])
	plaintext, err := crypto.DecryptSymmetric(payload[24:], nonce, chainKey)
	if err != nil {
		return nil, err
	}

	nextChainKey, err := stepChain(chainKey)
	if err != nil {
		return nil, err
	}
	newRecord := encodeSenderRecord(senderRoleReceiver, iteration+1, nextChainKey, signingPub)
	if err := p.store.StoreSenderKey(ctx, name, newRecord); err != nil {
		return nil, err
	}

	return plaintext, nil
}

// ProcessSenderKeyDistribution implements signal.Primitive.
func (p *Primitive) ProcessSenderKeyDistribution(ctx context.Context, group, author string, dist signal.SenderKeyDistribution) error {
	name := senderKeyRecordName(group, author)
	record := encodeSenderRecord(senderRoleReceiver, dist.Iteration, dist.ChainKey, dist.SigningKey)
	return p.store.StoreSenderKey(ctx, name, record)
}

// ProtocolAddress implements signal.Primitive.
func (p *Primitive) ProtocolAddress(signalUser string, device int) string {
	return fmt.Sprintf("%s.%d", signalUser, device)
}

func senderKeyRecordName(group, participant string) string {
	return group + "::" + participant
}
