// Package signal implements the Signal storage binding (C4) and Signal
// repository (C5) of spec §4.3/§4.4: the transactional wrapper around
// pairwise/group encrypt-decrypt, session migration, and session
// validation, plus the address-resolution subtlety that lets PN-addressed
// encrypt calls transparently migrate once a LID mapping becomes known.
//
// The actual Signal protocol math (X3DH, the Double Ratchet, sender-key
// ratchets, wire-format session records) is an external collaborator: this
// package only defines the Primitive and Store contracts those
// collaborators must satisfy. signal/noiseprimitive supplies a default,
// self-contained implementation of Primitive for tests and standalone use.
package signal

import "context"

// MessageType mirrors the Whisper wire-type constant: 3 is a PreKey
// message, anything else is a normal Whisper message.
type MessageType int

const (
	// WhisperMessage is a normal (post-handshake) Signal message.
	WhisperMessage MessageType = 1
	// PreKeyWhisperMessage is the first message of a new session,
	// carrying prekey-bundle material; maps to wire type "pkmsg".
	PreKeyWhisperMessage MessageType = 3
)

// WireType maps a MessageType to the wire-level "pkmsg"/"msg" attribute.
func (t MessageType) WireType() string {
	if t == PreKeyWhisperMessage {
		return "pkmsg"
	}
	return "msg"
}

// PreKeyBundle is the minimal publishable material needed to seed an
// outgoing pairwise session without a live round trip to the peer.
type PreKeyBundle struct {
	IdentityKey    [32]byte
	SignedPreKeyID uint32
	SignedPreKey   [32]byte
	RegistrationID uint32
}

// SenderKeyDistribution carries the symmetric chain material a group
// sender must deliver to each device before that device can decrypt its
// sender-key messages.
type SenderKeyDistribution struct {
	GroupID    string
	ChainKey   [32]byte
	Iteration  uint32
	SigningKey [32]byte
}

// Primitive is the Signal-protocol collaborator contract: pairwise
// session build/encrypt/decrypt, group sender-key builder + cipher,
// sender-key record (de)serialization, and protocol-address construction.
type Primitive interface {
	// BuildPairwiseSession seeds an outgoing session from a peer's
	// published prekey bundle (injectE2ESession).
	BuildPairwiseSession(ctx context.Context, address string, bundle PreKeyBundle) error

	// EncryptPairwise encrypts data for address, returning the Whisper
	// message type produced.
	EncryptPairwise(ctx context.Context, address string, data []byte) (MessageType, []byte, error)

	// DecryptPairwise decrypts ciphertext of the given type from address.
	DecryptPairwise(ctx context.Context, address string, msgType MessageType, ciphertext []byte) ([]byte, error)

	// HasOpenSession reports whether a loadable session record for
	// address has at least one open session.
	HasOpenSession(ctx context.Context, address string) (bool, error)

	// EncryptGroup encrypts data under the sender key for (group, sender),
	// creating an empty record first if one does not exist. distribution
	// is non-nil only the first time a record is created.
	EncryptGroup(ctx context.Context, group, sender string, data []byte) (ciphertext []byte, distribution *SenderKeyDistribution, err error)

	// DecryptGroup decrypts a sender-key message from (group, author).
	DecryptGroup(ctx context.Context, group, author string, ciphertext []byte) ([]byte, error)

	// ProcessSenderKeyDistribution installs a sender key received from a
	// peer, creating an empty record first if none exists.
	ProcessSenderKeyDistribution(ctx context.Context, group, author string, dist SenderKeyDistribution) error

	// ProtocolAddress renders the primitive's own representation of a
	// Signal address string, for implementations that key their own
	// session storage independently of Store.
	ProtocolAddress(signalUser string, device int) string
}

// Store is the callback surface a Primitive needs from its host to
// persist pairwise sessions, pre-keys, and sender keys, and to answer
// identity/trust and registration queries. The Signal storage binding
// (signal.StorageBinding) is the default implementation, adapting a
// store.KeyStore and a lidmap.Store.
type Store interface {
	LoadSession(ctx context.Context, address string) ([]byte, error)
	StoreSession(ctx context.Context, address string, record []byte) error
	DeleteSession(ctx context.Context, address string) error

	LoadPreKey(ctx context.Context, id uint32) ([]byte, error)
	RemovePreKey(ctx context.Context, id uint32) error
	LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error)

	LoadSenderKey(ctx context.Context, senderKeyName string) ([]byte, error)
	StoreSenderKey(ctx context.Context, senderKeyName string, record []byte) error

	// IsTrustedIdentity is always true in this design — trust is
	// enforced elsewhere, per spec §4.3.
	IsTrustedIdentity(ctx context.Context, address string, identityKey []byte) (bool, error)

	GetOurRegistrationID(ctx context.Context) (uint32, error)
	GetOurIdentity(ctx context.Context) ([32]byte, error)
}
