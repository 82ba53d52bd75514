package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"

	doincrypto "github.com/harveybc/doin-core/pkgs/crypto"
	"github.com/harveybc/doin-core/pkgs/deduplication"
	"github.com/harveybc/doin-core/pkgs/doinerr"
	"github.com/harveybc/doin-core/pkgs/protocol"
)

// FloodTopic carries every flooded envelope.
const FloodTopic = "/doin/flood/v1"

// Handler consumes a validated, deduplicated envelope. from is the
// transport peer that delivered it (not necessarily the origin).
type Handler func(env *protocol.Envelope, from peer.ID)

// Flood runs the network flood protocol over gossipsub: dedup by
// message id, signature validation against the peer registry, TTL
// decrement on forward.
type Flood struct {
	ctx      context.Context
	cancel   context.CancelFunc
	host     *Host
	identity *doincrypto.Identity
	dedup    *deduplication.Deduplicator

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu        sync.RWMutex
	pubkeys   map[string][]byte // consensus peer id -> compressed pubkey
	untrusted map[peer.ID]bool
	handlers  map[protocol.MsgType]Handler

	received  uint64
	forwarded uint64
	dropped   uint64
}

// NewFlood joins the flood topic and starts the reader loop.
func NewFlood(ctx context.Context, host *Host, identity *doincrypto.Identity, dedup *deduplication.Deduplicator) (*Flood, error) {
	floodCtx, cancel := context.WithCancel(ctx)

	topic, err := host.Pubsub.Join(FloodTopic)
	if err != nil {
		cancel()
		return nil, doinerr.Wrap(doinerr.Protocol, "failed to join flood topic", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return nil, doinerr.Wrap(doinerr.Protocol, "failed to subscribe to flood topic", err)
	}

	f := &Flood{
		ctx:       floodCtx,
		cancel:    cancel,
		host:      host,
		identity:  identity,
		dedup:     dedup,
		topic:     topic,
		sub:       sub,
		pubkeys:   make(map[string][]byte),
		untrusted: make(map[peer.ID]bool),
		handlers:  make(map[protocol.MsgType]Handler),
	}

	// Register our own key so loopback-delivered messages validate.
	f.pubkeys[identity.PeerID()] = identity.PublicKeyBytes()

	go f.readLoop()
	log.Infof("Flood protocol joined %s", FloodTopic)
	return f, nil
}

// Subscribe installs the handler for a message type.
func (f *Flood) Subscribe(t protocol.MsgType, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = h
}

// RegisterPeerKey records a peer's compressed public key. The key must
// hash to the claimed peer id.
func (f *Flood) RegisterPeerKey(peerID string, compressedPubKey []byte) error {
	if doincrypto.PeerIDFromCompressed(compressedPubKey) != peerID {
		return doinerr.Newf(doinerr.Protocol, "public key does not derive peer id %s", peerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubkeys[peerID] = compressedPubKey
	return nil
}

// KnownPeerIDs lists consensus peers with registered keys.
func (f *Flood) KnownPeerIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.pubkeys))
	for id := range f.pubkeys {
		out = append(out, id)
	}
	return out
}

// MarkUntrusted flags a transport peer that served invalid data.
// Its future messages are dropped at ingress.
func (f *Flood) MarkUntrusted(p peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.untrusted[p] {
		log.Warnf("Marking peer %s untrusted", p.ShortString())
		f.untrusted[p] = true
	}
}

// IsUntrusted reports whether a transport peer is flagged.
func (f *Flood) IsUntrusted(p peer.ID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.untrusted[p]
}

// Publish signs and floods a typed payload. The envelope is also
// marked in the dedup cache so our own gossipsub echo is dropped.
func (f *Flood) Publish(msgType protocol.MsgType, payload []byte) (*protocol.Envelope, error) {
	env := protocol.NewEnvelope(msgType, f.identity.PeerID(), payload)
	sig, err := f.identity.Sign(env.SigningBytes())
	if err != nil {
		return nil, doinerr.Wrap(doinerr.Protocol, "failed to sign envelope", err)
	}
	env.Signature = sig

	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := f.dedup.CheckAndMark(f.ctx, env.MessageIDString()); err != nil {
		log.WithError(err).Debug("Failed to mark own envelope in dedup cache")
	}
	if err := f.topic.Publish(f.ctx, data); err != nil {
		return nil, doinerr.Wrap(doinerr.Protocol, "failed to publish", err)
	}
	return env, nil
}

// readLoop pulls envelopes off the topic and processes each one.
func (f *Flood) readLoop() {
	for {
		msg, err := f.sub.Next(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Error reading flood message")
			continue
		}
		if msg.ReceivedFrom == f.host.Host.ID() {
			continue
		}
		f.processIncoming(msg)
	}
}

// processIncoming validates, deduplicates, delivers and forwards one
// raw flood frame.
func (f *Flood) processIncoming(msg *pubsub.Message) {
	if f.IsUntrusted(msg.ReceivedFrom) {
		f.dropped++
		return
	}

	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		// Protocol errors are local and silent to the sender.
		log.WithError(err).Debugf("Dropping malformed envelope from %s", msg.ReceivedFrom.ShortString())
		f.dropped++
		return
	}

	fresh, err := f.dedup.CheckAndMark(f.ctx, env.MessageIDString())
	if err != nil || !fresh {
		f.dropped++
		return
	}

	if !f.verifySignature(env) {
		log.Debugf("Dropping envelope %s with bad signature (origin %s)",
			env.MessageIDString(), env.Origin)
		f.dropped++
		return
	}

	f.received++
	f.deliver(env, msg.ReceivedFrom)

	// Forward with ttl-1 while hops remain. Dedup keeps the flood from
	// echoing back to us.
	if env.TTL > 0 {
		env.TTL--
		if data, err := env.Encode(); err == nil {
			if err := f.topic.Publish(f.ctx, data); err == nil {
				f.forwarded++
			}
		}
	}
}

// verifySignature checks the envelope signature against the origin's
// registered key. PEER_DISCOVERY is exempt: it is what introduces the
// key, and its body is checked against the claimed id on delivery.
func (f *Flood) verifySignature(env *protocol.Envelope) bool {
	if env.Type == protocol.MsgPeerDiscovery {
		return true
	}
	f.mu.RLock()
	pubkey, known := f.pubkeys[env.Origin]
	f.mu.RUnlock()
	if !known {
		return false
	}
	return doincrypto.Verify(pubkey, env.SigningBytes(), env.Signature)
}

// deliver routes the envelope to its registered handler.
func (f *Flood) deliver(env *protocol.Envelope, from peer.ID) {
	f.mu.RLock()
	handler, ok := f.handlers[env.Type]
	f.mu.RUnlock()
	if !ok {
		log.Debugf("No handler for %s, dropping", env.Type)
		return
	}
	handler(env, from)
}

// Stats returns (received, forwarded, dropped) counters.
func (f *Flood) Stats() (uint64, uint64, uint64) {
	return f.received, f.forwarded, f.dropped
}

// Close leaves the topic and stops the reader.
func (f *Flood) Close() error {
	f.cancel()
	f.sub.Cancel()
	return f.topic.Close()
}
