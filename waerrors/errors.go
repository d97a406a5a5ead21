// Package waerrors defines the sentinel error kinds raised by the relay
// core. Callers use errors.Is against the exported sentinels; each
// call site wraps one of them with fmt.Errorf to attach the offending
// JID, device, or message type.
package waerrors

import "errors"

var (
	// ErrInvalidJid is returned when a JID fails to decode, or when a
	// device-99 JID is addressed to a non-hosted server.
	ErrInvalidJid = errors.New("invalid jid")

	// ErrUnknownMessageType is returned by decryptMessage when the wire
	// type is neither "pkmsg" nor "msg".
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrMissingGroupId is returned when sender-key distribution is
	// attempted without a group id.
	ErrMissingGroupId = errors.New("missing group id")

	// ErrAuthenticationMissing is returned when a peer-data-operation
	// send is attempted without an authenticated self identity.
	ErrAuthenticationMissing = errors.New("authentication missing")

	// ErrMappingMismatch names the error kind for a PN/LID pair that does
	// not have exactly one PN side and one LID side. No function in the
	// module returns it: lidmap logs and skips such pairs.
	ErrMappingMismatch = errors.New("mapping mismatch")

	// ErrSessionMissing is returned internally by validateSession; the
	// session asserter handles it and it is not meant to surface.
	ErrSessionMissing = errors.New("session missing")

	// ErrMediaRetryFailure wraps a status code from the media-update
	// subsystem.
	ErrMediaRetryFailure = errors.New("media retry failed")

	// ErrTransportFailure wraps an error propagated from the transport
	// capability interface. The relay core does not attempt recovery.
	ErrTransportFailure = errors.New("transport failure")
)
