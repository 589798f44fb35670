package discovery

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Bootstrap is a static discovery source: the configured bootstrap peer
// multiaddrs, emitted once. Addresses must carry a /p2p/<peer-id>
// component.
type Bootstrap struct {
	infos []peer.AddrInfo
}

// NewBootstrap parses the configured bootstrap addresses. Returns an
// error naming the first unparseable address.
func NewBootstrap(addrs []string) (*Bootstrap, error) {
	var mas []ma.Multiaddr
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", s, err)
		}
		mas = append(mas, addr)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(mas...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap addresses: %w", err)
	}
	return &Bootstrap{infos: infos}, nil
}

// FindPeers emits each bootstrap peer once, then closes the channel.
func (b *Bootstrap) FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error) {
	out := make(chan peer.AddrInfo, len(b.infos))
	for _, info := range b.infos {
		out <- info
	}
	close(out)
	return out, nil
}

// Peers returns the parsed bootstrap set.
func (b *Bootstrap) Peers() []peer.AddrInfo { return b.infos }

// Combined fans several discovery sources into one channel. The merged
// channel closes when every source channel has closed or ctx ends.
type Combined struct {
	sources []interface {
		FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error)
	}
}

// Combine builds a Combined discovery over the given sources.
func Combine(sources ...interface {
	FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error)
}) *Combined {
	return &Combined{sources: sources}
}

// FindPeers starts every source and merges their emissions. A source
// that fails to start is skipped; if all fail, the last error is
// returned.
func (c *Combined) FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error) {
	out := make(chan peer.AddrInfo, 16)

	var started int
	var lastErr error
	done := make(chan struct{}, len(c.sources))

	for _, src := range c.sources {
		ch, err := src.FindPeers(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		started++
		go func(ch <-chan peer.AddrInfo) {
			defer func() { done <- struct{}{} }()
			for info := range ch {
				select {
				case out <- info:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	if started == 0 {
		close(out)
		return out, lastErr
	}

	go func() {
		for i := 0; i < started; i++ {
			<-done
		}
		close(out)
	}()
	return out, nil
}
