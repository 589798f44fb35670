// Package announce implements the announcement engine: it diffs
// local ref heads against the last announced snapshot and gossips a Have
// message for every ref that changed.
package announce

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/time/rate"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/monorepo"
)

const (
	namespace   = "announce"
	snapshotKey = "snapshot"
)

// Triple is one (urn, ref-name, object-id) observation, the unit of an
// announcement snapshot.
type Triple struct {
	URN urn.URN `cbor:"urn"`
	Ref string  `cbor:"ref"`
	Oid string  `cbor:"oid"`
}

func (t Triple) key() string { return t.URN.String() + "\x00" + t.Ref + "\x00" + t.Oid }

// Gossiper is the subset of the Gossip Overlay's surface the Announcement
// Engine needs.
type Gossiper interface {
	Have(ctx context.Context, urn urn.URN, ref string, oid string) error
}

// Provider publishes a provider record for a URN so remote provider
// queries can discover this node. Implemented by the Gossip Overlay's
// DHT surface.
type Provider interface {
	Provide(ctx context.Context, urn urn.URN) error
}

// Engine runs announcement cycles.
type Engine struct {
	mono     *monorepo.Store
	gossip   Gossiper
	provider Provider // optional; nil disables provider records
	snapshot *store.Namespace
	limiter  *rate.Limiter
	log      *slog.Logger
}

// haveRateLimit caps Have frames per second so a large first diff (fresh
// snapshot after a reset) cannot flood the overlay in one burst.
const haveRateLimit = 100

// New constructs an Engine. log may be nil.
func New(mono *monorepo.Store, gossip Gossiper, db *store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		mono:     mono,
		gossip:   gossip,
		snapshot: db.Namespace(namespace),
		limiter:  rate.NewLimiter(rate.Limit(haveRateLimit), haveRateLimit),
		log:      log,
	}
}

// SetProvider attaches a provider-record publisher; call before the
// first cycle. Each cycle re-publishes every owned project so records
// survive DHT churn and restarts.
func (e *Engine) SetProvider(p Provider) { e.provider = p }

// RunOnce executes one announcement cycle: load the last snapshot,
// enumerate owned projects, diff, gossip the difference, persist. It returns
// the set of triples gossiped this cycle (possibly empty).
func (e *Engine) RunOnce(ctx context.Context) ([]Triple, error) {
	old, err := e.loadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("announce: load snapshot: %w", err)
	}

	owned, err := e.mono.List(monorepo.FilterOwnedProjects)
	if err != nil {
		return nil, fmt.Errorf("announce: list owned projects: %w", err)
	}

	now := make(map[string]Triple)
	for _, entry := range owned {
		if e.provider != nil {
			// Re-publish the provider record every cycle; DHT records
			// expire and peers churn, so a one-time publish at creation
			// would not keep provider queries answerable.
			if err := e.provider.Provide(ctx, entry.URN); err != nil {
				e.log.Warn("announce: provide failed", "urn", entry.URN, "err", err)
			}
		}
		refs, err := e.mono.SignedRefs(entry.URN, peerid.ID{})
		if err != nil {
			if err == monorepo.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("announce: signed_refs %s: %w", entry.URN, err)
		}
		for ref, oid := range refs.Refs {
			t := Triple{URN: entry.URN, Ref: ref, Oid: oid}
			now[t.key()] = t
		}
	}

	var updates []Triple
	for key, t := range now {
		if _, existed := old[key]; !existed {
			updates = append(updates, t)
		}
	}

	for _, t := range updates {
		if err := e.limiter.Wait(ctx); err != nil {
			return updates, fmt.Errorf("announce: rate limit: %w", err)
		}
		if err := e.gossip.Have(ctx, t.URN, t.Ref, t.Oid); err != nil {
			e.log.Warn("announce: gossip have failed", "urn", t.URN, "ref", t.Ref, "err", err)
		}
	}

	if err := e.saveSnapshot(now); err != nil {
		return updates, fmt.Errorf("announce: save snapshot: %w", err)
	}
	e.log.Info("announce: cycle complete", "updates", len(updates), "total", len(now))
	return updates, nil
}

func (e *Engine) loadSnapshot() (map[string]Triple, error) {
	raw, err := e.snapshot.Get([]byte(snapshotKey))
	if err != nil {
		if err == store.ErrNotFound {
			return map[string]Triple{}, nil
		}
		return nil, err
	}
	var triples []snapshotTriple
	if err := cbor.Unmarshal(raw, &triples); err != nil {
		return nil, err
	}
	out := make(map[string]Triple, len(triples))
	for _, st := range triples {
		u, err := urn.Parse(st.URN)
		if err != nil {
			return nil, err
		}
		t := Triple{URN: u, Ref: st.Ref, Oid: st.Oid}
		out[t.key()] = t
	}
	return out, nil
}

// snapshotTriple is the persisted form of a Triple. urn.URN has no
// exported fields for CBOR to encode, so the URN is stored as its string.
type snapshotTriple struct {
	URN string `cbor:"urn"`
	Ref string `cbor:"ref"`
	Oid string `cbor:"oid"`
}

func (e *Engine) saveSnapshot(now map[string]Triple) error {
	triples := make([]snapshotTriple, 0, len(now))
	for _, t := range now {
		triples = append(triples, snapshotTriple{URN: t.URN.String(), Ref: t.Ref, Oid: t.Oid})
	}
	raw, err := cbor.Marshal(triples)
	if err != nil {
		return err
	}
	return e.snapshot.Put([]byte(snapshotKey), raw)
}
