package wacore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/opd-ai/wacore/address"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/fanout"
	"github.com/opd-ai/wacore/lidmap"
	"github.com/opd-ai/wacore/relay"
	"github.com/opd-ai/wacore/session"
	"github.com/opd-ai/wacore/signal"
	"github.com/opd-ai/wacore/signal/noiseprimitive"
	"github.com/opd-ai/wacore/socket"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/usync"
)

// defaultMaxMsgRetryCount is the retry manager's entry cap when
// EnableRecentMessageCache is set but MaxMsgRetryCount is left at zero.
const defaultMaxMsgRetryCount = 100

// RelayOptions configures a [Client], grounded on the teacher's own
// top-level Options struct: host-supplied delegates for the capabilities
// spec.md §1 puts out of scope, plus the configuration surface of §6.
type RelayOptions struct {
	// OwnPN and OwnLID are this process's own dual device identity. At
	// least one must be set for the direct, group, and peer-data-operation
	// send paths; a newsletter-only deployment may leave both zero.
	OwnPN  address.JID
	OwnLID address.JID

	// IdentityKeyPair seeds the default noiseprimitive signal.Primitive's
	// identity key. A random one is generated if nil.
	IdentityKeyPair *crypto.KeyPair
	// OwnRegistrationID is this device's Signal registration id. A random
	// one is generated if zero.
	OwnRegistrationID uint32

	// KeyStore is the transactional key-value store of §3/§6. Defaults to
	// an in-memory store.MemoryStore if nil — callers that need durability
	// supply their own store.KeyStore implementation.
	KeyStore store.KeyStore
	// Primitive overrides the default signal.Primitive (noiseprimitive).
	Primitive signal.Primitive

	// DeviceResolver is the host's USync device-query delegate (C6).
	DeviceResolver usync.DeviceResolver
	// MappingResolver is the host's USync PN-to-LID resolution delegate (C3).
	MappingResolver lidmap.Resolver
	// BundleFetcher is the host's `iq encrypt get` prekey-bundle delegate (C7).
	BundleFetcher session.BundleFetcher
	// CachedGroupMetadata is the host's group-metadata cache/fetch delegate.
	CachedGroupMetadata relay.GroupMetadataProvider
	// Sender hands assembled stanzas to the host's transport.
	Sender relay.Sender
	// PatchMessageBeforeSending is applied to every send whose
	// relay.SendRequest.Patcher is left nil.
	PatchMessageBeforeSending fanout.PreSendPatcher

	// UserDevicesCache overrides the 5-minute device-list cache TTL.
	UserDevicesCache time.Duration
	// EnableRecentMessageCache turns on the optional per-(destination,
	// msgId) retry manager of spec §4.8.
	EnableRecentMessageCache bool
	// MaxMsgRetryCount bounds the retry manager's entry count when enabled.
	MaxMsgRetryCount int
	// EmitOwnEvents makes each successful send write a debug log entry;
	// no event is delivered to any subscriber.
	EmitOwnEvents bool

	// LinkPreviewImageThumbnailWidth and GenerateHighQualityLinkPreview
	// configure a host's own link-preview generator. The core never builds
	// link previews itself (a content-layer helper, out of scope per §1);
	// these fields exist only so one options struct configures the whole
	// send pipeline a host builds around the core.
	LinkPreviewImageThumbnailWidth int
	GenerateHighQualityLinkPreview bool
}

// NewRelayOptions returns a RelayOptions with the spec's default TTLs and
// cap values applied, the way the teacher's NewOptions applies its
// networking defaults.
func NewRelayOptions() *RelayOptions {
	return &RelayOptions{
		UserDevicesCache:               usync.DeviceCacheTTL,
		MaxMsgRetryCount:               defaultMaxMsgRetryCount,
		LinkPreviewImageThumbnailWidth: 192,
		GenerateHighQualityLinkPreview: true,
	}
}

// Client is the relay core facade: it wires the key store, LID mapping
// store, Signal repository, device directory, session asserter, encryption
// fan-out, and relay pipeline into one cohesive object, grounded on the
// teacher's Tox struct as the single integration point for its subsystems.
type Client struct {
	identity relay.Identity

	keys       store.KeyStore
	mappings   *lidmap.Store
	signalRepo *signal.Repository
	directory  *usync.Directory
	asserter   *session.Asserter
	fan        *fanout.Fanout
	pipeline   *relay.Pipeline
	sockets    *socket.Registry

	mappingCache  *cache.Cache
	migratedCache *cache.Cache
	deviceCache   *cache.Cache
	sessionCache  *cache.Cache

	patcher fanout.PreSendPatcher
}

// New constructs a Client from options, applying NewRelayOptions's
// defaults for anything left unset. Passing nil uses the defaults outright.
func New(options *RelayOptions) (*Client, error) {
	if options == nil {
		options = NewRelayOptions()
	}

	keys := options.KeyStore
	if keys == nil {
		keys = store.NewMemoryStore()
	}

	identityKeyPair := options.IdentityKeyPair
	if identityKeyPair == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate identity key pair: %w", err)
		}
		identityKeyPair = kp
	}

	registrationID := options.OwnRegistrationID
	if registrationID == 0 {
		id, err := randomRegistrationID()
		if err != nil {
			return nil, fmt.Errorf("generate registration id: %w", err)
		}
		registrationID = id
	}

	mappingCache := cache.New(lidmap.MappingTTL, cache.WithAccessRefresh())
	mappings := lidmap.New(keys, options.MappingResolver, mappingCache)

	storage := signal.NewStorageBinding(keys, mappings, identityKeyPair.Private, registrationID)

	primitive := options.Primitive
	if primitive == nil {
		primitive = noiseprimitive.New(storage)
	}

	migratedCache := cache.New(lidmap.MappingTTL)
	signalRepo := signal.NewRepository(keys, primitive, storage, migratedCache)

	sessionCache := cache.New(session.PeerSessionsCacheTTL)
	asserter := session.New(signalRepo, signalRepo, mappings, options.BundleFetcher, sessionCache)

	deviceCacheTTL := options.UserDevicesCache
	if deviceCacheTTL <= 0 {
		deviceCacheTTL = usync.DeviceCacheTTL
	}
	deviceCache := cache.New(deviceCacheTTL)
	directory := usync.New(keys, mappings, options.DeviceResolver, deviceCache, asserter)

	fan := fanout.New(signalRepo)
	senderKeyMemory := relay.NewSenderKeyMemory(keys)

	identity := relay.Identity{PN: options.OwnPN, LID: options.OwnLID}

	var pipelineOpts []relay.Option
	if options.Sender != nil {
		pipelineOpts = append(pipelineOpts, relay.WithSender(options.Sender))
	}
	if options.EnableRecentMessageCache {
		maxRetry := options.MaxMsgRetryCount
		if maxRetry <= 0 {
			maxRetry = defaultMaxMsgRetryCount
		}
		pipelineOpts = append(pipelineOpts, relay.WithRetryManager(relay.NewRetryManager(maxRetry)))
	}
	if options.EmitOwnEvents {
		pipelineOpts = append(pipelineOpts, relay.WithEmitOwnEvents())
	}

	pipeline := relay.New(identity, signalRepo, directory, asserter, fan, options.CachedGroupMetadata, senderKeyMemory, keys, pipelineOpts...)

	return &Client{
		identity:      identity,
		keys:          keys,
		mappings:      mappings,
		signalRepo:    signalRepo,
		directory:     directory,
		asserter:      asserter,
		fan:           fan,
		pipeline:      pipeline,
		sockets:       socket.New(),
		mappingCache:  mappingCache,
		migratedCache: migratedCache,
		deviceCache:   deviceCache,
		sessionCache:  sessionCache,
		patcher:       options.PatchMessageBeforeSending,
	}, nil
}

// randomRegistrationID draws a non-zero uint32 from crypto/rand.
func randomRegistrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(buf[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

// Send implements the top-level relay dispatch of spec §4.8: it applies the
// client-wide pre-send patcher when req.Patcher is unset, then routes
// through the relay pipeline.
func (c *Client) Send(ctx context.Context, req relay.SendRequest) (relay.Node, error) {
	if req.Patcher == nil {
		req.Patcher = c.patcher
	}
	return c.pipeline.Send(ctx, req)
}

// GetDevices implements getDevices(jids, useCache, ignoreZeroDevices) of
// spec §4.5.
func (c *Client) GetDevices(ctx context.Context, jids []address.JID, useCache, ignoreZeroDevices bool) ([]address.JID, error) {
	return c.directory.GetDevices(ctx, jids, useCache, ignoreZeroDevices)
}

// AssertSessions implements assertSessions(jids, force) of spec §4.6.
func (c *Client) AssertSessions(ctx context.Context, jids []address.JID, force bool) (bool, error) {
	return c.asserter.AssertSessions(ctx, jids, force)
}

// MigrateSession implements migrateSession(fromPnJid, toLidJid) of spec §4.4.
func (c *Client) MigrateSession(ctx context.Context, fromPn, toLid address.JID) (signal.MigrationResult, error) {
	return c.signalRepo.MigrateSession(ctx, fromPn, toLid, c.migratedCache)
}

// DecryptMessage implements decryptMessage(jid, type, ciphertext) of spec §4.3.
func (c *Client) DecryptMessage(ctx context.Context, jid address.JID, msgType signal.MessageType, ciphertext []byte) ([]byte, error) {
	return c.signalRepo.DecryptMessage(ctx, jid, msgType, ciphertext)
}

// DecryptGroupMessage implements decryptGroupMessage(group, authorJid, msg) of spec §4.4.
func (c *Client) DecryptGroupMessage(ctx context.Context, group, author address.JID, ciphertext []byte) ([]byte, error) {
	return c.signalRepo.DecryptGroupMessage(ctx, group, author, ciphertext)
}

// ProcessSenderKeyDistributionMessage implements
// processSenderKeyDistributionMessage(item, authorJid) of spec §4.4.
func (c *Client) ProcessSenderKeyDistributionMessage(ctx context.Context, author address.JID, dist signal.SenderKeyDistribution) error {
	return c.signalRepo.ProcessSenderKeyDistributionMessage(ctx, author, dist)
}

// DeleteSession implements deleteSession(jids) of spec §4.4.
func (c *Client) DeleteSession(ctx context.Context, jids []address.JID) error {
	return c.signalRepo.DeleteSession(ctx, jids)
}

// Sockets returns the process-wide socket registry (C10) a host's
// transport layer registers its connections into.
func (c *Client) Sockets() *socket.Registry {
	return c.sockets
}

// SweepCaches evicts every expired entry across the client's caches,
// returning the total removed. A host may call this periodically,
// mirroring the teacher's Iterate maintenance loop; it is never required
// for correctness since every cache also evicts lazily on read.
func (c *Client) SweepCaches() int {
	return c.mappingCache.Sweep() + c.migratedCache.Sweep() + c.deviceCache.Sweep() + c.sessionCache.Sweep()
}
