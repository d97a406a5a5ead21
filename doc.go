// Package wacore implements the WhatsApp-compatible message relay core: the
// device-addressing, Signal-session, and stanza-assembly logic a WhatsApp
// Web-style client needs between its transport connection and its
// user-facing API, with no transport or UI code of its own.
//
// # Getting Started
//
// Build a [RelayOptions], supplying the host-side delegates the core can't
// provide itself (a USync device resolver, a LID-mapping resolver, a
// prekey-bundle fetcher, and a transport [relay.Sender]), then construct a
// [Client]:
//
//	opts := wacore.NewRelayOptions()
//	opts.OwnPN = address.NewUserJID("15551234567", address.ServerPN)
//	opts.OwnLID = address.NewUserJID("400000001", address.ServerLID)
//	opts.DeviceResolver = myUSyncClient
//	opts.MappingResolver = myUSyncClient
//	opts.BundleFetcher = myIQClient
//	opts.Sender = myStanzaWriter
//
//	client, err := wacore.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_, err = client.Send(ctx, relay.SendRequest{
//	    To:      peerJID,
//	    Message: plaintext,
//	})
//
// # Core Types
//
//   - [Client]: the facade wiring every relay component together
//   - [RelayOptions]: configuration surface, grounded on the teacher's
//     own Options struct
//
// # Receiving
//
// The core has no transport loop; a host decrypts inbound stanzas by
// calling the Signal repository operations directly off [Client]:
// DecryptMessage, DecryptGroupMessage, ProcessSenderKeyDistributionMessage.
//
// # Socket Registry
//
// [Client.Sockets] exposes the process-wide session-id -> socket registry
// (spec component C10) a host's transport layer registers its connections
// into; the core never dials anything itself.
//
// # Maintenance
//
// [Client.SweepCaches] evicts expired cache entries; a host may call it
// periodically (mirroring the teacher's Iterate loop) or rely on the
// caches' own lazy eviction on read.
package wacore
