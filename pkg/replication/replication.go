// Package replication implements the replication engine: pulling
// an identity's refs from a remote peer into the Monorepo Store under
// that peer's namespace.
//
// The engine enforces at-most-one in-flight fetch per (urn, peer) pair
// with an explicit in-flight set rather than
// golang.org/x/sync/singleflight's coalescing behavior: the second
// caller must be refused outright (ErrConcurrentFetchRefused),
// not to block and share the first caller's result.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peerd/internal/identitydoc"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/internal/wire"
	"github.com/shurlinet/peerd/pkg/monorepo"
)

// Failure modes.
var (
	ErrNoProviderReachable  = errors.New("replication: no provider reachable")
	ErrConcurrentFetchRefused = errors.New("replication: concurrent fetch refused")
	ErrFetchFailed          = errors.New("replication: fetch failed")
)

const fetchProtocolFormat = "/peerd/%s/fetch/1.0.0"

// fetchRequest/fetchResponse are the replication protocol's only two wire
// shapes: request an identity by urn, get back its document and refs.
type fetchRequest struct {
	URN string `cbor:"urn"`
}

type fetchResponse struct {
	Doc  identitydoc.Doc   `cbor:"doc"`
	Refs monorepo.RefSet   `cbor:"refs"`
}

// Engine is the Replication Engine.
type Engine struct {
	mono       *monorepo.Store
	host       host.Host
	protocolID protocol.ID

	mu       sync.Mutex
	inFlight map[string]struct{}

	// Fetcher performs the actual network round-trip; it defaults to
	// e.fetch (real libp2p streams) but is exported and overridable so
	// callers in other packages (tests, or a supervisor wiring a
	// non-libp2p transport) can substitute their own.
	Fetcher func(ctx context.Context, u urn.URN, remotePeer peerid.ID, addrHints []ma.Multiaddr) (identitydoc.Doc, monorepo.RefSet, error)
}

// New constructs an Engine backed by mono and able to dial remote peers
// over h under the given network namespace.
func New(mono *monorepo.Store, h host.Host, netNamespace string) *Engine {
	if netNamespace == "" {
		netNamespace = "peerd"
	}
	e := &Engine{
		mono:       mono,
		host:       h,
		protocolID: protocol.ID(fmt.Sprintf(fetchProtocolFormat, netNamespace)),
		inFlight:   make(map[string]struct{}),
	}
	e.Fetcher = e.fetch
	return e
}

func pairKey(u urn.URN, remote peerid.ID) string {
	return u.Root().String() + "\x00" + remote.String()
}

// Replicate fetches urn's identity document and refs from remotePeer and
// applies them atomically to the monorepo. The (urn, peer) pair is marked
// tracked before the fetch and stays tracked if the call fails; on any
// failure the identity document and refs are left as before the call.
func (e *Engine) Replicate(ctx context.Context, u urn.URN, remotePeer peerid.ID, addrHints []ma.Multiaddr) error {
	key := pairKey(u, remotePeer)

	e.mu.Lock()
	if _, busy := e.inFlight[key]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConcurrentFetchRefused, key)
	}
	e.inFlight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	// Mark tracked first. Idempotent, and happens regardless of fetch
	// outcome: interest in the pair survives a failed fetch.
	if err := e.mono.Track(u, remotePeer); err != nil {
		return fmt.Errorf("replication: track %s: %w", key, err)
	}

	doc, refs, err := e.Fetcher(ctx, u, remotePeer, addrHints)
	if err != nil {
		return err
	}

	if err := identitydoc.Verify(doc, nil); err != nil {
		return fmt.Errorf("replication: verify %s: %w", u, err)
	}

	has, err := e.mono.Has(u)
	if err != nil {
		return fmt.Errorf("replication: has %s: %w", u, err)
	}
	if has {
		if err := e.mono.Fetch(u, remotePeer, refs); err != nil {
			return fmt.Errorf("%w: apply refs for %s: %v", ErrFetchFailed, u, err)
		}
		return nil
	}
	// Step 4: first successful replication adopts the identity document.
	if err := e.mono.CloneIdentity(u, remotePeer, doc, refs); err != nil {
		return fmt.Errorf("%w: adopt %s: %v", ErrFetchFailed, u, err)
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, u urn.URN, remotePeer peerid.ID, addrHints []ma.Multiaddr) (identitydoc.Doc, monorepo.RefSet, error) {
	info := peer.AddrInfo{ID: remotePeer.Libp2p(), Addrs: addrHints}
	if err := e.host.Connect(ctx, info); err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("%w: connect %s: %v", ErrNoProviderReachable, remotePeer, err)
	}

	s, err := e.host.NewStream(ctx, remotePeer.Libp2p(), e.protocolID)
	if err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("%w: open stream %s: %v", ErrNoProviderReachable, remotePeer, err)
	}
	defer s.Close()

	if err := wire.WriteVersion(s); err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	reqBytes, err := cbor.Marshal(fetchRequest{URN: u.String()})
	if err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("replication: marshal request: %w", err)
	}
	if _, err := s.Write(reqBytes); err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("%w: write request: %v", ErrFetchFailed, err)
	}
	if err := s.CloseWrite(); err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("%w: close write: %v", ErrFetchFailed, err)
	}

	var resp fetchResponse
	dec := cbor.NewDecoder(s)
	if err := dec.Decode(&resp); err != nil {
		return identitydoc.Doc{}, monorepo.RefSet{}, fmt.Errorf("%w: decode response: %v", ErrFetchFailed, err)
	}
	return resp.Doc, resp.Refs, nil
}

// ProtocolID returns the libp2p protocol ID this engine's fetch requests
// use, for wiring a server-side handler at the owning peer.
func (e *Engine) ProtocolID() protocol.ID { return e.protocolID }

// Lookup resolves a requested urn to the document and refs this node can
// serve for it, or ok=false if it holds nothing for that urn.
type Lookup func(u urn.URN) (doc identitydoc.Doc, refs monorepo.RefSet, ok bool)

// ServeFetch returns a stream handler that answers incoming fetch
// requests using lookup. Call once at startup:
// host.SetStreamHandler(engine.ProtocolID(), engine.ServeFetch(lookup)).
func (e *Engine) ServeFetch(lookup Lookup) func(s network.Stream) {
	return func(s network.Stream) {
		defer s.Close()

		if err := wire.ReadVersion(s); err != nil {
			return
		}
		var req fetchRequest
		if err := cbor.NewDecoder(s).Decode(&req); err != nil {
			return
		}
		u, err := urn.Parse(req.URN)
		if err != nil {
			return
		}
		doc, refs, ok := lookup(u)
		if !ok {
			return
		}
		enc := cbor.NewEncoder(s)
		_ = enc.Encode(fetchResponse{Doc: doc, Refs: refs})
	}
}
