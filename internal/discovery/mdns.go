// Package discovery supplies candidate peers for the gossip overlay to
// dial: a static bootstrap list from configuration and mDNS (DNS-SD)
// browsing on the local network. Both implement the overlay's Discovery
// contract by emitting peer.AddrInfo on a channel; the overlay owns the
// actual dialing.
package discovery

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peerd/internal/metrics"
)

// MDNSServiceName is the DNS-SD service type used for LAN discovery.
// Fixed for all peerd nodes; which peers are worth replicating from is
// decided by the Tracking Registry, not by mDNS service names.
const MDNSServiceName = "_peerd._udp"

const (
	// mdnsDedupeInterval is how long to suppress repeated discovery
	// emissions for the same peer. Prevents thundering herd when mDNS
	// fires multiple discovery events for the same peer.
	mdnsDedupeInterval = 30 * time.Second

	// mdnsBrowseInterval controls how often we re-query the network.
	// Each round creates a fresh multicast socket, working around
	// platform-specific issues where a single long-lived Browse stalls
	// silently (macOS mDNSResponder interference, Linux avahi socket
	// conflicts, etc.).
	mdnsBrowseInterval = 30 * time.Second

	// mdnsBrowseTimeout is how long each Browse round runs before being
	// canceled and restarted. Keeps the multicast socket fresh.
	mdnsBrowseTimeout = 10 * time.Second

	// dnsaddrPrefix matches libp2p's TXT record format for multiaddrs.
	dnsaddrPrefix = "dnsaddr="
)

// MDNS advertises this node's listen addresses over DNS-SD and browses
// the local network for other peerd nodes, emitting each discovery as a
// peer.AddrInfo. Registers via zeroconf.RegisterProxy, then runs a
// periodic browse loop.
type MDNS struct {
	host    host.Host
	metrics *metrics.Metrics
	log     *slog.Logger
	server  *zeroconf.Server

	wg sync.WaitGroup

	// Dedup: tracks last emission time per peer.
	mu      sync.Mutex
	lastTry map[peer.ID]time.Time
}

// NewMDNS creates an mDNS discovery source. Metrics is optional
// (nil-safe); log may be nil.
func NewMDNS(h host.Host, m *metrics.Metrics, log *slog.Logger) *MDNS {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MDNS{
		host:    h,
		metrics: m,
		log:     log,
		lastTry: make(map[peer.ID]time.Time),
	}
}

// FindPeers registers this node with zeroconf and starts the periodic
// browse loop. The returned channel carries every LAN peer discovered
// until ctx is canceled, at which point it is closed.
func (md *MDNS) FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error) {
	if err := md.startServer(); err != nil {
		return nil, err
	}

	out := make(chan peer.AddrInfo, 16)
	md.wg.Add(1)
	go func() {
		defer md.wg.Done()
		defer close(out)
		defer func() {
			if md.server != nil {
				md.server.Shutdown()
			}
		}()
		md.browseLoop(ctx, out)
	}()
	return out, nil
}

// startServer registers our service with zeroconf for mDNS advertising.
// Builds TXT records from the host's listen addresses, following
// libp2p's dnsaddr= format so other nodes (including those using
// libp2p's mDNS wrapper) can parse them.
func (md *MDNS) startServer() error {
	interfaceAddrs, err := md.host.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}

	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    md.host.ID(),
		Addrs: interfaceAddrs,
	})
	if err != nil {
		return err
	}

	// TXT records for addresses suitable for mDNS (IP-based, no relay).
	var txts []string
	for _, addr := range p2pAddrs {
		if suitableForMDNS(addr) {
			txts = append(txts, dnsaddrPrefix+addr.String())
		}
	}

	// Extract IPs for A/AAAA records (required by DNS-SD spec but we
	// only use TXT records for actual address resolution).
	ips := hostIPs(p2pAddrs)

	peerName := randomString(32 + rand.Intn(32))
	server, err := zeroconf.RegisterProxy(
		peerName,
		MDNSServiceName,
		"local",
		4001, // port required by spec; we use TXT records for actual addresses
		peerName,
		ips,
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	md.server = server
	return nil
}

// browseLoop periodically runs a bounded zeroconf browse round.
func (md *MDNS) browseLoop(ctx context.Context, out chan<- peer.AddrInfo) {
	// Small initial delay to let the host finish setting up.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return
	}

	md.runBrowse(ctx, out)

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			md.runBrowse(ctx, out)
		}
	}
}

// runBrowse executes a single bounded browse round, emitting any
// discovered peers. Each round uses a fresh multicast socket.
func (md *MDNS) runBrowse(ctx context.Context, out chan<- peer.AddrInfo) {
	browseCtx, cancel := context.WithTimeout(ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 100)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			md.processTextRecords(ctx, entry.Text, out)
		}
	}()

	if err := zeroconf.Browse(browseCtx, MDNSServiceName, "local", entries); err != nil {
		// Context cancellation/timeout is normal.
		if ctx.Err() == nil {
			md.log.Debug("mdns: browse round error", "err", err)
		}
	}
	wg.Wait()
}

// processTextRecords converts mDNS TXT records to peer.AddrInfo and
// emits each newly seen peer.
func (md *MDNS) processTextRecords(ctx context.Context, txts []string, out chan<- peer.AddrInfo) {
	addrs := make([]ma.Multiaddr, 0, len(txts))
	for _, txt := range txts {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			md.log.Debug("mdns: bad multiaddr in TXT", "err", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}

	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		md.log.Debug("mdns: failed to parse peer addrs", "err", err)
		return
	}
	for _, info := range infos {
		if info.ID == md.host.ID() {
			continue
		}
		md.emit(ctx, info, out)
	}
}

func (md *MDNS) emit(ctx context.Context, pi peer.AddrInfo, out chan<- peer.AddrInfo) {
	// Dedup: skip if we emitted this peer recently.
	md.mu.Lock()
	if last, ok := md.lastTry[pi.ID]; ok && time.Since(last) < mdnsDedupeInterval {
		md.mu.Unlock()
		return
	}
	md.lastTry[pi.ID] = time.Now()
	md.mu.Unlock()

	md.log.Info("mdns: peer discovered on LAN", "peer", shortID(pi.ID), "addrs", len(pi.Addrs))
	if md.metrics != nil {
		md.metrics.MDNSDiscoveredTotal.WithLabelValues("discovered").Inc()
	}

	// Seed the peerstore so later dials (replication fetches) have the
	// addresses even if the overlay's connect attempt is still pending.
	md.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, 10*time.Minute)

	select {
	case out <- pi:
	case <-ctx.Done():
	}
}

// Close waits for the browse loop to finish. FindPeers' ctx must already
// be canceled.
func (md *MDNS) Close() error {
	md.wg.Wait()
	return nil
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}

// suitableForMDNS reports whether addr should be advertised in a TXT
// record: direct IPs or .local names, never relay or browser transports.
func suitableForMDNS(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	first, _ := ma.SplitFirst(addr)
	if first == nil {
		return false
	}
	switch first.Protocol().Code {
	case ma.P_IP4, ma.P_IP6:
		// Direct IP addresses are always suitable for LAN discovery.
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
		if !strings.HasSuffix(strings.ToLower(first.Value()), ".local") {
			return false
		}
	default:
		return false
	}
	excluded := false
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_CIRCUIT, ma.P_WEBTRANSPORT, ma.P_WEBRTC,
			ma.P_WEBRTC_DIRECT, ma.P_P2P_WEBRTC_DIRECT, ma.P_WS, ma.P_WSS:
			excluded = true
			return false
		}
		return true
	})
	return !excluded
}

// hostIPs extracts one IPv4 and one IPv6 address from multiaddrs for
// A/AAAA records required by DNS-SD spec. Falls back to 127.0.0.1.
func hostIPs(addrs []ma.Multiaddr) []string {
	var ip4, ip6 string
	for _, addr := range addrs {
		first, _ := ma.SplitFirst(addr)
		if first == nil {
			continue
		}
		if ip4 == "" && first.Protocol().Code == ma.P_IP4 {
			ip4 = first.Value()
		} else if ip6 == "" && first.Protocol().Code == ma.P_IP6 {
			ip6 = first.Value()
		}
	}
	var ips []string
	if ip4 != "" {
		ips = append(ips, ip4)
	}
	if ip6 != "" {
		ips = append(ips, ip6)
	}
	if len(ips) == 0 {
		ips = append(ips, "127.0.0.1")
	}
	return ips
}

func randomString(l int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, 0, l)
	for i := 0; i < l; i++ {
		s = append(s, alphabet[rand.Intn(len(alphabet))])
	}
	return string(s)
}
