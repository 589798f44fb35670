// Package waitingroom implements the waiting room: the per-URN
// state machine that serializes concurrent interest in unknown identities
// into a predictable lifecycle with bounded query/clone attempts.
//
// The automaton itself is a pure
// function (state, event) -> (state, error); Room is a thin,
// single-owner wrapper that holds the map of requests and applies that
// function under a mutex, so the room has exactly one owner (the
// scheduler task).
package waitingroom

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/urn"
)

// State tags a Request's position in the automaton.
type State int

const (
	Created State = iota
	Requested
	Found
	Cloning
	Cloned
	TimedOut
	Canceled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Requested:
		return "requested"
	case Found:
		return "found"
	case Cloning:
		return "cloning"
	case Cloned:
		return "cloned"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s has no further transitions.
func (s State) Terminal() bool {
	return s == Cloned || s == TimedOut || s == Canceled
}

var (
	// ErrMissingURN is returned by any event directed at a request that
	// does not exist.
	ErrMissingURN = errors.New("waitingroom: missing urn")
	// ErrStateMismatch is returned when an event's predecessor state
	// requirement is not met.
	ErrStateMismatch = errors.New("waitingroom: state mismatch")
)

// Attempts tracks the bounded query/clone counters.
type Attempts struct {
	Queries int
	Clones  int
}

// URL names a specific (urn, peer) replication target, the unit the
// Waiting Room hands to the Replication Engine once a provider is found.
type URL struct {
	URN  urn.URN
	Peer peerid.ID
}

// PeerState is per-peer bookkeeping a request accumulates as providers
// come and go.
type PeerState struct {
	LastSeen time.Time
}

// Request is one outstanding identity request.
type Request struct {
	URN       urn.URN
	State     State
	Attempts  Attempts
	Timestamp time.Time
	Peer      peerid.ID // the currently selected provider, if any
	Peers     map[peerid.ID]PeerState
}

func newRequest(u urn.URN, t time.Time) *Request {
	return &Request{
		URN:       u,
		State:     Created,
		Timestamp: t,
		Peers:     make(map[peerid.ID]PeerState),
	}
}

func (r *Request) clone() *Request {
	cp := *r
	cp.Peers = make(map[peerid.ID]PeerState, len(r.Peers))
	for k, v := range r.Peers {
		cp.Peers[k] = v
	}
	return &cp
}

// Config bounds the number of query/clone attempts and seeds the
// tie-breaking strategy used by NextQuery.
type Config struct {
	MaxQueries int
	MaxClones  int
	Strategy   Strategy
	Rand       *rand.Rand // used only by StrategyRandom; nil uses a fresh source
}

// Strategy selects which eligible request NextQuery returns when several
// are due.
type Strategy string

const (
	StrategyFirst  Strategy = "first"
	StrategyNewest Strategy = "newest"
	StrategyOldest Strategy = "oldest"
	StrategyRandom Strategy = "random"
)

// DefaultConfig bounds requests at three queries and three clones,
// picking the oldest due request first.
func DefaultConfig() Config {
	return Config{MaxQueries: 3, MaxClones: 3, Strategy: StrategyOldest}
}

// Room is the single-owner container of all outstanding requests.
type Room struct {
	mu       sync.Mutex
	cfg      Config
	requests map[string]*Request
	rng      *rand.Rand
}

// New constructs an empty Room.
func New(cfg Config) *Room {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Room{cfg: cfg, requests: make(map[string]*Request), rng: rng}
}

// Create inserts a new Created request for u, or returns the existing
// one; repeated calls are idempotent.
func (r *Room) Create(u urn.URN, t time.Time) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := u.String()
	if existing, ok := r.requests[key]; ok {
		return existing.clone()
	}
	req := newRequest(u, t)
	r.requests[key] = req
	return req.clone()
}

// Get returns a snapshot of the request for u, if any.
func (r *Room) Get(u urn.URN) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[u.String()]
	if !ok {
		return nil, false
	}
	return req.clone(), true
}

// Request elevates Created -> Requested.
func (r *Room) Request(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		if req.State != Created {
			return fmt.Errorf("%w: request requires Created, got %s", ErrStateMismatch, req.State)
		}
		req.State = Requested
		req.Timestamp = t
		return nil
	})
}

// Queried records a provider query attempt; valid from Requested (counts
// toward MaxQueries) or Found (a re-confirm that does not count against
// the limit; a Found request stays Found, freshly re-confirmed).
func (r *Room) Queried(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		switch req.State {
		case Requested:
			if req.Attempts.Queries >= r.cfg.MaxQueries {
				return fmt.Errorf("%w: query attempts exhausted for %s", ErrStateMismatch, u)
			}
			req.Attempts.Queries++
			req.Timestamp = t
		case Found:
			req.Timestamp = t
		default:
			return fmt.Errorf("%w: queried requires Requested or Found, got %s", ErrStateMismatch, req.State)
		}
		return nil
	})
}

// Found records the first (or a refreshed) provider for u.
func (r *Room) Found(u urn.URN, peer peerid.ID, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		switch req.State {
		case Requested, Found:
			req.State = Found
			req.Peer = peer
			req.Peers[peer] = PeerState{LastSeen: t}
			req.Timestamp = t
		default:
			return fmt.Errorf("%w: found requires Requested or Found, got %s", ErrStateMismatch, req.State)
		}
		return nil
	})
}

// Cloning records a clone attempt starting against the selected provider.
func (r *Room) Cloning(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		if req.State != Found {
			return fmt.Errorf("%w: cloning requires Found, got %s", ErrStateMismatch, req.State)
		}
		if req.Attempts.Clones >= r.cfg.MaxClones {
			return fmt.Errorf("%w: clone attempts exhausted for %s", ErrStateMismatch, u)
		}
		req.Attempts.Clones++
		req.State = Cloning
		req.Timestamp = t
		return nil
	})
}

// Failed falls back from Cloning to Found so the next provider can be
// tried.
func (r *Room) Failed(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		if req.State != Cloning {
			return fmt.Errorf("%w: failed requires Cloning, got %s", ErrStateMismatch, req.State)
		}
		req.State = Found
		req.Timestamp = t
		return nil
	})
}

// Cloned terminates the request successfully.
func (r *Room) Cloned(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		if req.State != Cloning {
			return fmt.Errorf("%w: cloned requires Cloning, got %s", ErrStateMismatch, req.State)
		}
		req.State = Cloned
		req.Timestamp = t
		return nil
	})
}

// Cancel terminates the request regardless of current (non-terminal)
// state.
func (r *Room) Cancel(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		if req.State.Terminal() {
			return fmt.Errorf("%w: cannot cancel terminal request %s", ErrStateMismatch, req.State)
		}
		req.State = Canceled
		req.Timestamp = t
		return nil
	})
}

// TimedOut terminates the request after its deadline has passed.
func (r *Room) TimedOut(u urn.URN, t time.Time) (*Request, error) {
	return r.transition(u, func(req *Request) error {
		if req.State.Terminal() {
			return fmt.Errorf("%w: cannot time out terminal request %s", ErrStateMismatch, req.State)
		}
		req.State = TimedOut
		req.Timestamp = t
		return nil
	})
}

// Remove deletes a (normally terminal) request after its grace period.
func (r *Room) Remove(u urn.URN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, u.String())
}

// Ready returns copies of every request that has reached Cloned and not
// yet been removed, so callers can collect completed fetches before the
// grace-period purge.
func (r *Room) Ready() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Request
	for _, req := range r.requests {
		if req.State == Cloned {
			out = append(out, req.clone())
		}
	}
	return out
}

// List returns the URNs of every request currently held.
func (r *Room) List() []urn.URN {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]urn.URN, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req.URN)
	}
	return out
}

// NextQuery picks a Created or Requested request whose next-query
// deadline (delta since its last transition) has passed, breaking ties
// per the configured Strategy. Returns the zero URN and false if none is
// due.
func (r *Room) NextQuery(now time.Time, delta time.Duration) (urn.URN, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Request
	for _, req := range r.requests {
		if req.State != Created && req.State != Requested {
			continue
		}
		if req.State == Requested && req.Attempts.Queries >= r.cfg.MaxQueries {
			continue
		}
		if now.Sub(req.Timestamp) < delta {
			continue
		}
		candidates = append(candidates, req)
	}
	if len(candidates) == 0 {
		return urn.URN{}, false
	}
	return r.pick(candidates).URN, true
}

// NextClone picks a Found request that has an available provider.
func (r *Room) NextClone() (URL, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Request
	for _, req := range r.requests {
		if req.State == Found && req.Attempts.Clones < r.cfg.MaxClones {
			candidates = append(candidates, req)
		}
	}
	if len(candidates) == 0 {
		return URL{}, false
	}
	chosen := r.pick(candidates)
	return URL{URN: chosen.URN, Peer: chosen.Peer}, true
}

func (r *Room) pick(candidates []*Request) *Request {
	switch r.cfg.Strategy {
	case StrategyNewest:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Timestamp.After(best.Timestamp) {
				best = c
			}
		}
		return best
	case StrategyRandom:
		return candidates[r.rng.Intn(len(candidates))]
	case StrategyFirst:
		return candidates[0]
	case StrategyOldest:
		fallthrough
	default:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Timestamp.Before(best.Timestamp) {
				best = c
			}
		}
		return best
	}
}

func (r *Room) transition(u urn.URN, fn func(*Request) error) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[u.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingURN, u)
	}
	if err := fn(req); err != nil {
		return nil, err
	}
	return req.clone(), nil
}
