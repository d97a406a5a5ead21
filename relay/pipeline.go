// Package relay implements the relay pipeline of spec §4.8 and the
// socket-adjacent stanza-assembly rules of §4.7/§6: given a destination,
// a message, and options, it selects one of five send paths (newsletter,
// retry-resend, group-or-status, direct 1:1, peer-data-operation),
// fans out encryption through the fanout package, and assembles the
// resulting stanza node tree.
//
// It is grounded on the teacher's toxcore.go top-level orchestrator
// (a single entry point dispatching to per-case senders) and
// messaging.MessageManager's pending/retry bookkeeping, generalized from
// Tox's single message type to the five-path relay selection spec.md
// describes.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/fanout"
	"github.com/opd-ai/wacore/signal"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/waerrors"
	"github.com/sirupsen/logrus"
)

// Node is a generic outgoing stanza tree node. The relay core has no
// transport of its own (out of scope, per spec.md §1), so Node is the
// hand-off shape a host-supplied Sender serializes to the wire.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Content  []byte
	Children []Node
}

func newMessageNode(attrs map[string]string) Node {
	return Node{Tag: "message", Attrs: attrs}
}

// GroupEncryptor is the narrow slice of signal.Repository the pipeline
// needs for group sender-key encryption.
type GroupEncryptor interface {
	EncryptGroupMessage(ctx context.Context, group, meID address.JID, data []byte) (signal.GroupEncryptResult, error)
}

// DeviceEnumerator is the narrow slice of usync.Directory the pipeline
// needs to expand user-level JIDs to device-qualified ones.
type DeviceEnumerator interface {
	GetDevices(ctx context.Context, jids []address.JID, useCache, ignoreZeroDevices bool) ([]address.JID, error)
}

// SessionAsserter is the narrow slice of session.Asserter the pipeline
// needs before fanning out an encrypt call to a fresh recipient set.
type SessionAsserter interface {
	AssertSessions(ctx context.Context, jids []address.JID, force bool) (bool, error)
}

// Fanner is the narrow slice of fanout.Fanout the pipeline dispatches
// every per-recipient encrypt call through.
type Fanner interface {
	CreateParticipantNodes(ctx context.Context, recipients []address.JID, message []byte, self fanout.Self, patcher fanout.PreSendPatcher, dsmMessage []byte) (fanout.Result, error)
}

// GroupMetadata is the subset of group state the relay needs: addressing
// mode and the user-level participant list.
type GroupMetadata struct {
	AddressingMode string
	Participants   []address.JID
}

// GroupMetadataProvider is the host-supplied group-metadata cache/fetch
// delegate (`cachedGroupMetadata` in the configuration surface).
type GroupMetadataProvider interface {
	GroupMetadata(ctx context.Context, group address.JID, useCache bool) (GroupMetadata, error)
}

// Sender hands a fully assembled stanza to the transport. The relay core
// never dials or maintains a connection itself; Sender is the one seam
// into a host's transport implementation.
type Sender interface {
	Send(ctx context.Context, node Node) error
}

// Identity is the caller's own dual PN/LID device identity: exact
// device-qualified JIDs on each server this process might be addressed as.
type Identity struct {
	PN  address.JID
	LID address.JID
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithSender attaches the transport hand-off delegate.
func WithSender(s Sender) Option {
	return func(p *Pipeline) { p.sender = s }
}

// WithRetryManager attaches the optional message retry manager.
func WithRetryManager(r *RetryManager) Option {
	return func(p *Pipeline) { p.retry = r }
}

// WithEmitOwnEvents makes Send write a debug log entry for each
// successful send. No event is delivered to any subscriber.
func WithEmitOwnEvents() Option {
	return func(p *Pipeline) { p.emitOwnEvents = true }
}

// Pipeline implements the relay pipeline of spec §4.8.
type Pipeline struct {
	identity        Identity
	groupEnc        GroupEncryptor
	devices         DeviceEnumerator
	sessions        SessionAsserter
	fanout          Fanner
	groups          GroupMetadataProvider
	senderKeyMemory *SenderKeyMemory
	keys            store.KeyStore

	sender        Sender
	retry         *RetryManager
	emitOwnEvents bool
}

// New constructs a Pipeline.
func New(identity Identity, groupEnc GroupEncryptor, devices DeviceEnumerator, sessions SessionAsserter, fan Fanner, groups GroupMetadataProvider, senderKeyMemory *SenderKeyMemory, keys store.KeyStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		identity:        identity,
		groupEnc:        groupEnc,
		devices:         devices,
		sessions:        sessions,
		fanout:          fan,
		groups:          groups,
		senderKeyMemory: senderKeyMemory,
		keys:            keys,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParticipantRetry names the single device a retry-resend targets.
type ParticipantRetry struct {
	JID   address.JID
	Count int
}

// SendRequest is the pipeline's input: (jid, message, options) of §4.8.
type SendRequest struct {
	To            address.JID
	MessageID     string
	Message       []byte
	MediaSubtype  string
	Poll          bool
	Event         bool
	Category      string // "peer" selects the peer-data-operation path
	Participant   *ParticipantRetry
	ForceResend   bool // bypasses sender-key memory for a group send
	UseCachedMeta bool
	StatusAudience []address.JID // status-broadcast recipient list
	Patcher       fanout.PreSendPatcher
	ExtraAttrs    map[string]string
	ExtraNodes    []Node
}

// Send implements the top-level relay dispatch of §4.8: it picks one of
// the five paths, assembles the stanza, applies extra caller attrs/nodes,
// hands off to the Sender if one is configured, and remembers the send
// for retry if a RetryManager is attached.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (Node, error) {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	node, err := p.dispatch(ctx, req)
	if err != nil {
		return Node{}, err
	}

	for k, v := range req.ExtraAttrs {
		node.Attrs[k] = v
	}

	if p.sender != nil {
		if err := p.sender.Send(ctx, node); err != nil {
			return node, fmt.Errorf("send stanza: %w", err)
		}
	}

	if p.retry != nil {
		p.retry.Remember(req.To, req.MessageID, req.Message, nil)
	}

	if p.emitOwnEvents {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"to":       req.To.String(),
			"id":       req.MessageID,
		}).Debug("own-event logged for sent message")
	}

	return node, nil
}

func (p *Pipeline) dispatch(ctx context.Context, req SendRequest) (Node, error) {
	switch {
	case req.To.Server == address.ServerNewsletter:
		return p.sendNewsletter(req)
	case req.Participant != nil:
		return p.sendRetryResend(ctx, req)
	case req.To.IsGroup() || req.To.Server == address.ServerBroadcast:
		return p.sendGroupOrStatus(ctx, req)
	case req.Category == "peer":
		return p.sendPeerDataOperation(ctx, req)
	default:
		return p.sendDirect(ctx, req)
	}
}

// sendNewsletter implements the newsletter path: no Signal encryption,
// a single <plaintext> node.
func (p *Pipeline) sendNewsletter(req SendRequest) (Node, error) {
	attrs := map[string]string{
		"id":   req.MessageID,
		"to":   req.To.String(),
		"type": messageType(req),
	}
	node := newMessageNode(attrs)
	node.Children = append(node.Children, Node{Tag: "plaintext", Content: req.Message})
	node.Children = append(node.Children, req.ExtraNodes...)
	return node, nil
}

// sendRetryResend implements the single-target retry path of §4.8.
func (p *Pipeline) sendRetryResend(ctx context.Context, req SendRequest) (Node, error) {
	target := req.Participant.JID
	data := req.Message
	if p.isOwnJID(target) {
		data = wrapDSM(req.To, data)
	}

	if _, err := p.sessions.AssertSessions(ctx, []address.JID{target}, false); err != nil {
		return Node{}, err
	}

	result, err := p.fanout.CreateParticipantNodes(ctx, []address.JID{target}, data, p.fanoutSelf(), req.Patcher, nil)
	if err != nil {
		return Node{}, err
	}
	if len(result.Nodes) != 1 {
		return Node{}, fmt.Errorf("retry resend: expected exactly one encrypted node, got %d", len(result.Nodes))
	}
	enc := result.Nodes[0]

	attrs := map[string]string{
		"id":            req.MessageID,
		"type":          messageType(req),
		"device_fanout": "false",
	}
	for k, v := range buildRetryAddressing(req.To, target, p.identity) {
		attrs[k] = v
	}

	node := newMessageNode(attrs)
	node.Children = append(node.Children, Node{
		Tag:     "enc",
		Attrs:   map[string]string{"v": "2", "type": enc.EncType, "count": fmt.Sprintf("%d", req.Participant.Count)},
		Content: enc.Ciphertext,
	})
	if result.ShouldIncludeDeviceIdentity {
		node.Children = append(node.Children, Node{Tag: "device-identity"})
	}
	node.Children = append(node.Children, req.ExtraNodes...)
	return node, nil
}

// buildRetryAddressing implements the retry-resend addressing rules:
// group destinations keep to=group/participant=target; a retry targeting
// one of our own devices sets to=target and, only when the original
// destination was a different user, recipient=originalDestination;
// anything else sets to=target alone.
func buildRetryAddressing(destination, target address.JID, self Identity) map[string]string {
	if destination.IsGroup() {
		return map[string]string{"to": destination.String(), "participant": target.String()}
	}
	if isOwnJID(target, self) {
		attrs := map[string]string{"to": target.String()}
		if destination.ToUserJID() != target.ToUserJID() {
			attrs["recipient"] = destination.String()
		}
		return attrs
	}
	return map[string]string{"to": target.String()}
}

// sendGroupOrStatus implements the group/status-broadcast path of §4.8.
func (p *Pipeline) sendGroupOrStatus(ctx context.Context, req SendRequest) (Node, error) {
	addressingMode := "lid"
	var participantUsers []address.JID

	if req.To.Server == address.ServerBroadcast {
		participantUsers = req.StatusAudience
	} else {
		meta, err := p.groups.GroupMetadata(ctx, req.To, req.UseCachedMeta)
		if err != nil {
			return Node{}, err
		}
		if meta.AddressingMode != "" {
			addressingMode = meta.AddressingMode
		}
		participantUsers = meta.Participants
	}

	sender := p.identity.PN
	if addressingMode == "lid" {
		sender = p.identity.LID
	}

	groupEnc, err := p.groupEnc.EncryptGroupMessage(ctx, req.To, sender, req.Message)
	if err != nil {
		return Node{}, err
	}

	deviceJIDs, err := p.devices.GetDevices(ctx, participantUsers, true, false)
	if err != nil {
		return Node{}, err
	}

	var toDistribute []address.JID
	for _, d := range deviceJIDs {
		if d.IsHosted() {
			continue
		}
		if !req.ForceResend {
			marked, err := p.senderKeyMemory.HasMarked(ctx, req.To, d)
			if err != nil {
				return Node{}, err
			}
			if marked {
				continue
			}
		}
		toDistribute = append(toDistribute, d)
	}

	attrs := map[string]string{
		"id":              req.MessageID,
		"to":              req.To.String(),
		"type":            messageType(req),
		"addressing_mode": addressingMode,
	}
	node := newMessageNode(attrs)
	node.Children = append(node.Children, Node{
		Tag:     "enc",
		Attrs:   map[string]string{"v": "2", "type": "skmsg"},
		Content: groupEnc.Ciphertext,
	})

	if len(toDistribute) > 0 && groupEnc.SenderKeyDistribution != nil {
		if _, err := p.sessions.AssertSessions(ctx, toDistribute, false); err != nil {
			return Node{}, err
		}
		distBytes := encodeSenderKeyDistribution(*groupEnc.SenderKeyDistribution)
		result, err := p.fanout.CreateParticipantNodes(ctx, toDistribute, distBytes, p.fanoutSelf(), req.Patcher, nil)
		if err != nil {
			return Node{}, err
		}
		participants := Node{Tag: "participants"}
		for _, n := range result.Nodes {
			participants.Children = append(participants.Children, toNodeToStanza(n))
		}
		node.Children = append(node.Children, participants)
		if result.ShouldIncludeDeviceIdentity {
			node.Children = append(node.Children, Node{Tag: "device-identity"})
		}
		for _, d := range toDistribute {
			if err := p.senderKeyMemory.Mark(ctx, req.To, d); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "sendGroupOrStatus",
					"group":    req.To.String(),
					"device":   d.String(),
					"error":    err,
				}).Warn("failed to mark sender-key memory")
			}
		}
	}

	node.Children = append(node.Children, req.ExtraNodes...)
	return node, nil
}

// sendDirect implements the direct 1:1 path of §4.8.
func (p *Pipeline) sendDirect(ctx context.Context, req SendRequest) (Node, error) {
	selfIdentity := p.identity.PN
	if req.To.IsLID() {
		selfIdentity = p.identity.LID
	}

	deviceJIDs, err := p.devices.GetDevices(ctx, []address.JID{selfIdentity.ToUserJID(), req.To.ToUserJID()}, true, false)
	if err != nil {
		return Node{}, err
	}

	var recipients []address.JID
	for _, d := range deviceJIDs {
		if d == selfIdentity {
			continue // skip our exact sending device
		}
		recipients = append(recipients, d)
	}

	if len(recipients) > 0 {
		if _, err := p.sessions.AssertSessions(ctx, recipients, false); err != nil {
			return Node{}, err
		}
	}

	dsm := wrapDSM(req.To, req.Message)
	result, err := p.fanout.CreateParticipantNodes(ctx, recipients, req.Message, p.fanoutSelfFor(selfIdentity), req.Patcher, dsm)
	if err != nil {
		return Node{}, err
	}

	attrs := map[string]string{
		"id":   req.MessageID,
		"to":   req.To.String(),
		"type": messageType(req),
	}
	if len(recipients) > 0 {
		attrs["phash"] = computePHash(recipients)
	}

	node := newMessageNode(attrs)
	participants := Node{Tag: "participants"}
	for _, n := range result.Nodes {
		participants.Children = append(participants.Children, toNodeToStanza(n))
	}
	node.Children = append(node.Children, participants)
	if result.ShouldIncludeDeviceIdentity {
		node.Children = append(node.Children, Node{Tag: "device-identity"})
	}
	if tok, ok := p.lookupTctoken(ctx, req.To); ok {
		node.Children = append(node.Children, Node{Tag: "tctoken", Content: tok})
	}
	node.Children = append(node.Children, req.ExtraNodes...)
	return node, nil
}

// sendPeerDataOperation implements the peer-data-operation path of §4.8.
func (p *Pipeline) sendPeerDataOperation(ctx context.Context, req SendRequest) (Node, error) {
	if p.identity.PN.User == "" && p.identity.LID.User == "" {
		return Node{}, waerrors.ErrAuthenticationMissing
	}

	if _, err := p.sessions.AssertSessions(ctx, []address.JID{req.To}, false); err != nil {
		return Node{}, err
	}
	result, err := p.fanout.CreateParticipantNodes(ctx, []address.JID{req.To}, req.Message, p.fanoutSelf(), req.Patcher, nil)
	if err != nil {
		return Node{}, err
	}
	if len(result.Nodes) != 1 {
		return Node{}, fmt.Errorf("peer data operation: expected exactly one encrypted node, got %d", len(result.Nodes))
	}
	enc := result.Nodes[0]

	attrs := map[string]string{
		"id":       req.MessageID,
		"to":       req.To.String(),
		"category": "peer",
	}
	node := newMessageNode(attrs)
	node.Children = append(node.Children, Node{
		Tag:     "enc",
		Attrs:   map[string]string{"v": "2", "type": enc.EncType},
		Content: enc.Ciphertext,
	})
	return node, nil
}

func (p *Pipeline) lookupTctoken(ctx context.Context, to address.JID) ([]byte, bool) {
	if p.keys == nil {
		return nil, false
	}
	got, err := p.keys.Get(ctx, store.ColumnTctoken, []string{to.User})
	if err != nil {
		return nil, false
	}
	tok, ok := got[to.User]
	return tok, ok
}

func (p *Pipeline) fanoutSelf() fanout.Self {
	return fanout.Self{PNUser: p.identity.PN.User, LIDUser: p.identity.LID.User}
}

func (p *Pipeline) fanoutSelfFor(exact address.JID) fanout.Self {
	self := p.fanoutSelf()
	self.ExactDevice = exact
	return self
}

func (p *Pipeline) isOwnJID(jid address.JID) bool {
	return isOwnJID(jid, p.identity)
}

func isOwnJID(jid address.JID, self Identity) bool {
	return (self.PN.User != "" && jid.User == self.PN.User) || (self.LID.User != "" && jid.User == self.LID.User)
}

// messageType implements the first-match-wins type-attribute mapping of
// §4.8: poll, then event, then any non-empty media subtype, else text.
func messageType(req SendRequest) string {
	switch {
	case req.Poll:
		return "poll"
	case req.Event:
		return "event"
	case req.MediaSubtype != "":
		return "media"
	default:
		return "text"
	}
}

// computePHash implements the participant-list hash of §4.8: a v2 hash
// over the full sorted recipient list, truncated to a short opaque token
// the server can compare across senders without decoding it.
func computePHash(recipients []address.JID) string {
	sorted := make([]string, len(recipients))
	for i, r := range recipients {
		sorted[i] = r.String()
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil)[:6])
}

// wrapDSM implements the device-sent-message wrapper of the glossary: a
// length-prefixed envelope carrying the original destination alongside
// the inner message, so a recipient's own other devices can recognize
// and unwrap it. The envelope is this relay's own wire format, not a
// published WhatsApp wire structure.
func wrapDSM(originalDestination address.JID, message []byte) []byte {
	dest := []byte(originalDestination.String())
	buf := make([]byte, 0, 4+len(dest)+len(message))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(dest)))
	buf = append(buf, dest...)
	buf = append(buf, message...)
	return buf
}

// UnwrapDSM reverses wrapDSM, returning the original destination and the
// inner message.
func UnwrapDSM(wrapped []byte) (address.JID, []byte, error) {
	if len(wrapped) < 4 {
		return address.JID{}, nil, fmt.Errorf("dsm envelope too short")
	}
	n := binary.BigEndian.Uint32(wrapped[:4])
	if uint32(len(wrapped)) < 4+n {
		return address.JID{}, nil, fmt.Errorf("dsm envelope truncated")
	}
	dest, err := address.Parse(string(wrapped[4 : 4+n]))
	if err != nil {
		return address.JID{}, nil, fmt.Errorf("dsm destination: %w", err)
	}
	return dest, wrapped[4+n:], nil
}

// encodeSenderKeyDistribution renders a SenderKeyDistribution as the
// bytes fanned out pairwise to each device: a big-endian length-prefixed
// group id, then chain key, iteration and signing key.
func encodeSenderKeyDistribution(d signal.SenderKeyDistribution) []byte {
	groupID := []byte(d.GroupID)
	buf := make([]byte, 0, 4+len(groupID)+32+4+32)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(groupID)))
	buf = append(buf, groupID...)
	buf = append(buf, d.ChainKey[:]...)
	buf = binary.BigEndian.AppendUint32(buf, d.Iteration)
	buf = append(buf, d.SigningKey[:]...)
	return buf
}

// DecodeSenderKeyDistribution reverses encodeSenderKeyDistribution.
func DecodeSenderKeyDistribution(raw []byte) (signal.SenderKeyDistribution, error) {
	if len(raw) < 4 {
		return signal.SenderKeyDistribution{}, fmt.Errorf("sender key distribution too short")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	rest := raw[4:]
	if uint32(len(rest)) < n+32+4+32 {
		return signal.SenderKeyDistribution{}, fmt.Errorf("sender key distribution truncated")
	}
	groupID := string(rest[:n])
	rest = rest[n:]
	var chainKey, signingKey [32]byte
	copy(chainKey[:], rest[:32])
	rest = rest[32:]
	iteration := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	copy(signingKey[:], rest[:32])
	return signal.SenderKeyDistribution{GroupID: groupID, ChainKey: chainKey, Iteration: iteration, SigningKey: signingKey}, nil
}

func toNodeToStanza(n fanout.ToNode) Node {
	return Node{
		Tag:   "to",
		Attrs: map[string]string{"jid": n.JID.String()},
		Children: []Node{{
			Tag:     "enc",
			Attrs:   map[string]string{"v": n.EncVersion, "type": n.EncType},
			Content: n.Ciphertext,
		}},
	}
}
