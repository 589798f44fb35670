// Package overlay implements the gossip overlay: peer membership,
// bidirectional streaming of typed gossip messages, and a query/reply
// surface for Want(urn) -> Have(urn, provider, refs-advertised).
//
// The transport is a libp2p host: TCP + QUIC, Kademlia DHT for provider
// records, and a custom stream protocol carrying internal/wire frames
// for gossip messages. Broadcast subscriptions are bounded per-consumer
// channels with a drop-oldest overflow policy and a "lagged" marker
// frame, so a slow consumer can detect the gap and re-synchronize.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/internal/wire"
)

// protocolIDFormat formats the libp2p protocol ID gossip streams run under, scoped
// by network namespace so disjoint networks never exchange frames even
// when their nodes share transport reachability.
const protocolIDFormat = "/peerd/%s/gossip/1.0.0"

// Failure modes.
var (
	ErrBindFailed       = errors.New("overlay: bind failed")
	ErrShutdownRequested = errors.New("overlay: shutdown requested")
)

// PeerInfo is a provider descriptor.
type PeerInfo struct {
	PeerID          peerid.ID
	AdvertisedAddrs []ma.Multiaddr
	SeenAddrs       []ma.Multiaddr
	Capabilities    []string
}

// EventKind discriminates an Event's shape.
type EventKind int

const (
	EvListening EventKind = iota
	EvConnected
	EvDisconnecting
	EvGossipHas
)

// Event is one overlay occurrence, emitted to every subscriber.
type Event struct {
	Kind     EventKind
	Addr     ma.Multiaddr // EvListening
	Peer     peerid.ID    // EvConnected, EvDisconnecting
	Provider PeerInfo     // EvGossipHas
	URN      urn.URN      // EvGossipHas
	Ref      string       // EvGossipHas: the advertised ref name
	Oid      string       // EvGossipHas: the object id the ref points at
	Lagged   bool         // true if this subscriber dropped events before this one
}

// Discovery supplies candidate peer addresses for Accept to dial, e.g. an
// mDNS browser or a bootstrap list.
type Discovery interface {
	FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error)
}

// GossipMessage is a Want or Have frame to broadcast.
type GossipMessage struct {
	Want *urn.URN
	Have *HaveMessage
}

// HaveMessage is the payload of a Have gossip frame.
type HaveMessage struct {
	URN      urn.URN
	Ref      string
	Oid      string
	Provider PeerInfo
}

// Overlay is the Gossip Overlay implementation.
type Overlay struct {
	host       host.Host
	dht        *dht.IpfsDHT
	protocolID protocol.ID
	self       PeerInfo

	log *slog.Logger

	subMu sync.Mutex
	subs  []*subscriber

	streamMu sync.Mutex
	streams  map[peer.ID]network.Stream // one outbound gossip stream per connected peer

	cancelNotify context.CancelFunc
}

// Config configures a new Overlay.
type Config struct {
	Identity    crypto.PrivKey
	ListenAddrs []string
	Network     string // namespace scoping the DHT/gossip protocol, e.g. "heartwood"
	Log         *slog.Logger
}

// BoundOverlay is the result of Bind: an Overlay with its sockets open.
type BoundOverlay struct {
	Overlay     *Overlay
	ListenAddrs []ma.Multiaddr
}

// Bind opens an Overlay's listening sockets.
func Bind(ctx context.Context, cfg Config) (*BoundOverlay, error) {
	if cfg.Network == "" {
		cfg.Network = "peerd"
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	opts := []libp2p.Option{
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(fmt.Sprintf("/peerd/%s", cfg.Network))))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: dht: %v", ErrBindFailed, err)
	}

	self := PeerInfo{PeerID: peerid.FromLibp2p(h.ID()), AdvertisedAddrs: h.Addrs()}

	ov := &Overlay{
		host:       h,
		dht:        kad,
		protocolID: protocol.ID(fmt.Sprintf(protocolIDFormat, cfg.Network)),
		self:       self,
		log:        log,
		streams:    make(map[peer.ID]network.Stream),
	}
	h.SetStreamHandler(ov.protocolID, ov.handleStream)

	return &BoundOverlay{Overlay: ov, ListenAddrs: h.Addrs()}, nil
}

// Self returns this node's own PeerInfo.
func (o *Overlay) Self() PeerInfo { return o.self }

// Host exposes the underlying libp2p host for components (e.g.
// replication) that need to open their own protocol streams.
func (o *Overlay) Host() host.Host { return o.host }

// StopHandle, when invoked, causes the serve future returned by Accept to
// resolve with a nil error, distinguishing clean shutdown from a fatal
// transport error.
type StopHandle func()

// Accept begins accepting connections from peers returned by discovery
// and dialing them; it returns a stop handle and a function that blocks
// until stopped or a fatal transport error occurs.
func (o *Overlay) Accept(ctx context.Context, discovery Discovery) (StopHandle, func() error) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelNotify = cancel

	errCh := make(chan error, 1)

	go func() {
		o.emit(Event{Kind: EvListening, Addr: firstAddr(o.host.Addrs())})

		sub, err := o.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
		if err != nil {
			errCh <- fmt.Errorf("overlay: subscribe connectedness: %w", err)
			return
		}
		defer sub.Close()

		var discCh <-chan peer.AddrInfo
		if discovery != nil {
			ch, derr := discovery.FindPeers(ctx)
			if derr != nil {
				o.log.Warn("overlay: discovery failed", "err", derr)
			} else {
				discCh = ch
			}
		}

		for {
			select {
			case <-ctx.Done():
				errCh <- nil
				return
			case evt, ok := <-sub.Out():
				if !ok {
					errCh <- nil
					return
				}
				o.onConnectedness(evt.(event.EvtPeerConnectednessChanged))
			case info, ok := <-discCh:
				if !ok {
					discCh = nil
					continue
				}
				go o.dial(ctx, info)
			}
		}
	}()

	stop := func() {
		cancel()
	}
	wait := func() error {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
	return stop, wait
}

func firstAddr(addrs []ma.Multiaddr) ma.Multiaddr {
	if len(addrs) == 0 {
		return nil
	}
	return addrs[0]
}

func (o *Overlay) dial(ctx context.Context, info peer.AddrInfo) {
	if info.ID == o.host.ID() {
		return
	}
	if err := o.host.Connect(ctx, info); err != nil {
		o.log.Debug("overlay: dial failed", "peer", info.ID, "err", err)
	}
}

func (o *Overlay) onConnectedness(e event.EvtPeerConnectednessChanged) {
	switch e.Connectedness {
	case network.Connected:
		o.emit(Event{Kind: EvConnected, Peer: peerid.FromLibp2p(e.Peer)})
		go o.ensureOutboundStream(e.Peer)
	case network.NotConnected:
		o.emit(Event{Kind: EvDisconnecting, Peer: peerid.FromLibp2p(e.Peer)})
		o.streamMu.Lock()
		if s, ok := o.streams[e.Peer]; ok {
			s.Close()
			delete(o.streams, e.Peer)
		}
		o.streamMu.Unlock()
	}
}

func (o *Overlay) ensureOutboundStream(p peer.ID) {
	o.streamMu.Lock()
	_, exists := o.streams[p]
	o.streamMu.Unlock()
	if exists {
		return
	}

	s, err := o.host.NewStream(context.Background(), p, o.protocolID)
	if err != nil {
		o.log.Debug("overlay: open gossip stream failed", "peer", p, "err", err)
		return
	}
	if err := wire.WriteVersion(s); err != nil {
		s.Close()
		return
	}
	o.streamMu.Lock()
	o.streams[p] = s
	o.streamMu.Unlock()
}

// handleStream is the libp2p stream handler for inbound gossip
// connections: it reads the version byte then frames until the stream
// closes, surfacing Have frames as EvGossipHas events. Transport errors
// here are logged and never fatal to the overlay.
func (o *Overlay) handleStream(s network.Stream) {
	defer s.Close()
	if err := wire.ReadVersion(s); err != nil {
		o.log.Debug("overlay: bad version from peer", "peer", s.Conn().RemotePeer(), "err", err)
		return
	}
	r := wire.NewReader(s)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			return
		}
		o.deliverWire(msg)
	}
}

func (o *Overlay) deliverWire(msg wire.Message) {
	if msg.Kind != wire.KindHave {
		return
	}
	u, err := urn.Parse(msg.URN)
	if err != nil {
		return
	}
	var provider PeerInfo
	if msg.Provider != nil {
		if pid, perr := peerid.Parse(msg.Provider.PeerID); perr == nil {
			provider.PeerID = pid
		}
	}
	o.emit(Event{Kind: EvGossipHas, URN: u, Ref: msg.Rev, Oid: msg.Oid, Provider: provider})
}

// Query broadcasts a gossip frame to every peer with an open outbound
// stream. Per-peer write errors are logged and never propagate.
func (o *Overlay) Query(msg GossipMessage) {
	var wmsg wire.Message
	switch {
	case msg.Want != nil:
		wmsg = wire.Message{Kind: wire.KindWant, URN: msg.Want.String()}
	case msg.Have != nil:
		wmsg = wire.Message{
			Kind: wire.KindHave,
			URN:  msg.Have.URN.String(),
			Rev:  msg.Have.Ref,
			Oid:  msg.Have.Oid,
			Provider: &wire.PeerInfo{
				PeerID: msg.Have.Provider.PeerID.String(),
			},
		}
	default:
		return
	}

	o.streamMu.Lock()
	streams := make(map[peer.ID]network.Stream, len(o.streams))
	for k, v := range o.streams {
		streams[k] = v
	}
	o.streamMu.Unlock()

	for pid, s := range streams {
		w := wire.NewWriter(s)
		if err := w.WriteMsg(wmsg); err != nil {
			o.log.Debug("overlay: gossip write failed", "peer", pid, "err", err)
		}
	}
}

// Have is the announce.Gossiper adapter: it broadcasts a Have frame for
// (urn, ref, oid) carrying this node's own PeerInfo as provider.
func (o *Overlay) Have(_ context.Context, u urn.URN, ref, oid string) error {
	o.Query(GossipMessage{Have: &HaveMessage{URN: u, Ref: ref, Oid: oid, Provider: o.self}})
	return nil
}

// Providers returns a channel of PeerInfo claiming to have urn, fed by
// the DHT's FindProvidersAsync. The channel closes at timeout or when ctx
// is canceled; a zero timeout completes immediately with no items.
func (o *Overlay) Providers(ctx context.Context, u urn.URN, timeout time.Duration) <-chan PeerInfo {
	out := make(chan PeerInfo)
	if timeout <= 0 {
		close(out)
		return out
	}

	cid, err := toDHTKey(u)
	if err != nil {
		close(out)
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	in := o.dht.FindProvidersAsync(ctx, cid, 0)

	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case info, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- PeerInfo{PeerID: peerid.FromLibp2p(info.ID), AdvertisedAddrs: info.Addrs}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Provide announces to the DHT that this node has urn available, so
// other nodes' Providers calls can discover it.
func (o *Overlay) Provide(ctx context.Context, u urn.URN) error {
	cid, err := toDHTKey(u)
	if err != nil {
		return err
	}
	return o.dht.Provide(ctx, cid, true)
}

func toDHTKey(u urn.URN) (cid.Cid, error) {
	c := u.CID()
	if !c.Defined() {
		return cid.Undef, fmt.Errorf("overlay: urn %s has no content identifier", u)
	}
	return c, nil
}

// subscriber is one bounded, drop-oldest subscription.
type subscriber struct {
	ch     chan Event
	lagged bool
	mu     sync.Mutex
}

const subscriberBuffer = 64

// Subscribe returns a channel of every Event from the moment of
// subscription onward. Slow consumers are not blocked: once the buffer
// fills, the oldest queued event is dropped and replaced with a Lagged
// marker on the next delivered event.
func (o *Overlay) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	o.subMu.Lock()
	o.subs = append(o.subs, sub)
	o.subMu.Unlock()

	unsubscribe := func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		for i, s := range o.subs {
			if s == sub {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

func (o *Overlay) emit(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, sub := range o.subs {
		sub.mu.Lock()
		out := ev
		if sub.lagged {
			out.Lagged = true
			sub.lagged = false
		}
		select {
		case sub.ch <- out:
		default:
			// Drop the oldest queued event to make room, per the
			// documented drop-oldest policy, and mark the subscriber
			// lagged so the next successful delivery carries the flag.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- out:
			default:
			}
			sub.lagged = true
		}
		sub.mu.Unlock()
	}
}

// Close shuts down the overlay: the DHT, the host, and every
// subscription channel.
func (o *Overlay) Close() error {
	if o.cancelNotify != nil {
		o.cancelNotify()
	}
	o.subMu.Lock()
	for _, s := range o.subs {
		close(s.ch)
	}
	o.subs = nil
	o.subMu.Unlock()

	if err := o.dht.Close(); err != nil {
		o.log.Warn("overlay: dht close failed", "err", err)
	}
	return o.host.Close()
}
