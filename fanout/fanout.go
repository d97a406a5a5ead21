// Package fanout implements the encryption fan-out of spec §4.7:
// createParticipantNodes patches a message, substitutes the device-sent
// wrapper for the sender's own non-exact devices, and encrypts to every
// recipient concurrently under a per-recipient keyed mutex.
//
// It is grounded on the teacher's group.Chat broadcast worker: a
// job/result channel pair collecting per-peer outcomes concurrently,
// generalized here from a fixed-size worker pool to one goroutine per
// recipient, since concurrency is bounded by the per-recipient mutex
// keyset rather than an artificial pool size.
package fanout

import (
	"context"
	"sort"
	"sync"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/signal"
)

// Encryptor is the narrow slice of signal.Repository the fan-out needs.
type Encryptor interface {
	EncryptMessage(ctx context.Context, jid address.JID, data []byte) (signal.EncryptResult, error)
}

// PatchResult is the outcome of a PreSendPatcher: either Shared applies to
// every recipient, or PerRecipient overrides it for specific ones.
type PatchResult struct {
	Shared       []byte
	PerRecipient map[address.JID][]byte
}

// PreSendPatcher is the host-provided pre-send message patcher of step 1.
type PreSendPatcher interface {
	Patch(ctx context.Context, message []byte, recipients []address.JID) (PatchResult, error)
}

// Self identifies the sender for the own-non-exact-device DSM substitution
// rule: a recipient matches "own" if its user equals either PNUser or
// LIDUser, but ExactDevice is never substituted regardless of user match.
type Self struct {
	PNUser      string
	LIDUser     string
	ExactDevice address.JID
}

// ToNode is one <to jid=...><enc .../></to> subtree of the fan-out result.
type ToNode struct {
	JID        address.JID
	EncVersion string
	EncType    string
	Ciphertext []byte
}

// Result is createParticipantNodes's return value.
type Result struct {
	Nodes                       []ToNode
	ShouldIncludeDeviceIdentity bool
}

// Fanout runs the per-recipient encrypt fan-out of §4.7.
type Fanout struct {
	encryptor Encryptor

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Fanout.
func New(encryptor Encryptor) *Fanout {
	return &Fanout{encryptor: encryptor, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the mutex guarding one recipient's Signal session,
// creating it on first use.
func (f *Fanout) lockFor(key string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	m, ok := f.locks[key]
	if !ok {
		m = &sync.Mutex{}
		f.locks[key] = m
	}
	return m
}

// CreateParticipantNodes implements createParticipantNodes(recipients,
// message, extraAttrs?, dsmMessage?). extraAttrs is the relay pipeline's
// concern, not the fan-out's, so it is omitted here.
func (f *Fanout) CreateParticipantNodes(ctx context.Context, recipients []address.JID, message []byte, self Self, patcher PreSendPatcher, dsmMessage []byte) (Result, error) {
	patch := PatchResult{Shared: message}
	if patcher != nil {
		p, err := patcher.Patch(ctx, message, recipients)
		if err != nil {
			return Result{}, err
		}
		patch = p
		if patch.Shared == nil {
			patch.Shared = message
		}
	}

	type outcome struct {
		node ToNode
		pk   bool
		err  error
	}

	results := make(chan outcome, len(recipients))
	var wg sync.WaitGroup
	for _, recipient := range recipients {
		recipient := recipient
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := patch.Shared
			if override, ok := patch.PerRecipient[recipient]; ok {
				data = override
			}
			if dsmMessage != nil && isOwnNonExactDevice(self, recipient) {
				data = dsmMessage
			}

			lock := f.lockFor(recipient.String())
			lock.Lock()
			enc, err := f.encryptor.EncryptMessage(ctx, recipient, data)
			lock.Unlock()
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{node: ToNode{
				JID:        recipient,
				EncVersion: "2",
				EncType:    enc.Type.WireType(),
				Ciphertext: enc.Ciphertext,
			}, pk: enc.Type == signal.PreKeyWhisperMessage}
		}()
	}
	wg.Wait()
	close(results)

	var out Result
	for o := range results {
		if o.err != nil {
			return Result{}, o.err
		}
		out.Nodes = append(out.Nodes, o.node)
		if o.pk {
			out.ShouldIncludeDeviceIdentity = true
		}
	}

	sort.Slice(out.Nodes, func(i, j int) bool {
		return out.Nodes[i].JID.String() < out.Nodes[j].JID.String()
	})

	return out, nil
}

// isOwnNonExactDevice reports whether recipient is one of the sender's own
// devices (by PN-user or LID-user match) other than the exact device that
// is sending, per §4.7 step 2.
func isOwnNonExactDevice(self Self, recipient address.JID) bool {
	if recipient == self.ExactDevice {
		return false
	}
	return (self.PNUser != "" && recipient.User == self.PNUser) ||
		(self.LIDUser != "" && recipient.User == self.LIDUser)
}
