// Package runstate implements the run-state machine: the pure
// function that aggregates overlay events and timers into the peer's
// lifecycle status and the side-effect commands other components must
// execute.
//
// The machine is deliberately a pure function
// (State, Input) -> (State, []Command); a thin adapter task (see
// pkg/scheduler) feeds it events one at a time from channels. This makes
// sync saturation and the connection-accounting invariants directly
// unit-testable without any concurrency.
package runstate

import (
	"time"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/urn"
)

// Tag identifies which variant of State is active.
type Tag int

const (
	Stopped Tag = iota
	Started
	Syncing
	Online
	Offline
)

func (t Tag) String() string {
	switch t {
	case Stopped:
		return "stopped"
	case Started:
		return "started"
	case Syncing:
		return "syncing"
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// State is the tagged lifecycle value.
type State struct {
	Tag   Tag
	Since time.Time

	// Syncing fields.
	Synced   int // peers whose sync has completed (ok or fail)
	InFlight int // peers currently syncing

	// Peers currently connected to, across all tags. Owned exclusively by
	// this machine.
	Peers map[peerid.ID]int
}

// NewStopped is the machine's initial state.
func NewStopped(now time.Time) State {
	return State{Tag: Stopped, Since: now, Peers: make(map[peerid.ID]int)}
}

func (s State) connectedCount() int {
	return len(s.Peers)
}

func (s State) clonePeers() map[peerid.ID]int {
	out := make(map[peerid.ID]int, len(s.Peers))
	for k, v := range s.Peers {
		out[k] = v
	}
	return out
}

// SyncPolicy configures startup-sync behavior consumed by the Stopped ->
// Syncing|Online transition.
type SyncPolicy struct {
	OnStartup bool
	MaxPeers  int
	Period    time.Duration
}

// OverlayEventKind mirrors pkg/overlay's EventKind discriminant without
// importing the overlay package, keeping this machine dependency-free per
// its "pure function" design goal.
type OverlayEventKind int

const (
	EvListening OverlayEventKind = iota
	EvConnected
	EvDisconnecting
	EvGossipHas
)

// OverlayEvent is the subset of pkg/overlay.Event fields the machine acts
// on.
type OverlayEvent struct {
	Kind     OverlayEventKind
	Peer     peerid.ID
	GossipFor urn.URN
}

// PeerSyncResult reports the outcome of a single startup sync attempt.
type PeerSyncResult int

const (
	PeerSyncStarted PeerSyncResult = iota
	PeerSyncOK
	PeerSyncFail
)

// RequestEventKind mirrors waiting-room-driven ticks.
type RequestEventKind int

const (
	ReqTick RequestEventKind = iota
	ReqQueried
	ReqCloned
	ReqFailed
	ReqTimedOut
	ReqRequested
)

// Input is the tagged union the machine steps on.
type Input struct {
	Kind InputKind

	Announce   AnnounceResult
	Protocol   OverlayEvent
	PeerSync   PeerSyncResult
	PeerSyncID peerid.ID
	Request    RequestEventKind
	RequestURN urn.URN
}

// InputKind discriminates Input's active field.
type InputKind int

const (
	InAnnounce InputKind = iota
	InProtocol
	InPeerSync
	InRequest
	InControlStatusQuery
	InTimeoutSyncPeriod
)

// AnnounceResult distinguishes the three Announce(...) input shapes.
type AnnounceResult int

const (
	AnnounceTick AnnounceResult = iota
	AnnounceOK
	AnnounceFail
)

// CommandKind discriminates Command's active field.
type CommandKind int

const (
	CmdAnnounce CommandKind = iota
	CmdSyncPeer
	CmdStartSyncTimeout
	CmdRequestQuery
	CmdRequestClone
	CmdRequestTimedOut
	CmdControlRespond
)

// Command is a side effect the caller must execute; the machine never
// executes commands itself.
type Command struct {
	Kind CommandKind

	Peer     peerid.ID        // CmdSyncPeer
	Duration time.Duration    // CmdStartSyncTimeout
	URN      urn.URN          // CmdRequestQuery, CmdRequestTimedOut
	CloneURL RequestCloneURL  // CmdRequestClone
	Status   State            // CmdControlRespond
}

// RequestCloneURL names a clone target, mirroring waitingroom.URL without
// importing that package.
type RequestCloneURL struct {
	URN  urn.URN
	Peer peerid.ID
}

// Step applies one Input to State and returns the next State plus any
// Commands the caller must execute. It never blocks and never mutates its
// argument. Unspecified (state, input) combinations are no-ops.
func Step(s State, in Input, policy SyncPolicy, now time.Time) (State, []Command) {
	if s.Peers == nil {
		s.Peers = make(map[peerid.ID]int)
	}

	switch in.Kind {
	case InProtocol:
		return stepProtocol(s, in.Protocol, policy, now)
	case InPeerSync:
		return stepPeerSync(s, in, policy, now)
	case InAnnounce:
		if in.Announce == AnnounceTick && announceEligible(s.Tag) {
			return s, []Command{{Kind: CmdAnnounce}}
		}
		return s, nil
	case InRequest:
		if in.Request == ReqTick && requestEligible(s.Tag) {
			// The caller (scheduler) is responsible for asking the
			// Waiting Room which, if any, Query/Clone to emit; the
			// machine itself only gates whether ticks are honored in
			// the current state, per the table's Online|Syncing row.
			return s, nil
		}
		return s, nil
	case InTimeoutSyncPeriod:
		if s.Tag == Syncing {
			next := s
			next.Tag = Online
			next.Since = now
			return next, nil
		}
		return s, nil
	case InControlStatusQuery:
		return s, []Command{{Kind: CmdControlRespond, Status: s}}
	default:
		return s, nil
	}
}

func announceEligible(t Tag) bool {
	return t == Online || t == Syncing || t == Started
}

func requestEligible(t Tag) bool {
	return t == Online || t == Syncing
}

func stepProtocol(s State, ev OverlayEvent, policy SyncPolicy, now time.Time) (State, []Command) {
	switch ev.Kind {
	case EvListening:
		if s.Tag == Stopped {
			next := s
			next.Tag = Started
			next.Since = now
			return next, nil
		}
		return s, nil

	case EvConnected:
		peers := s.clonePeers()
		_, already := peers[ev.Peer]
		peers[ev.Peer]++

		switch s.Tag {
		case Started:
			if already {
				return withPeers(s, peers), nil
			}
			if !policy.OnStartup {
				next := withPeers(s, peers)
				next.Tag = Online
				next.Since = now
				return next, nil
			}
			next := withPeers(s, peers)
			next.Tag = Syncing
			next.Synced = 0
			next.InFlight = 0
			next.Since = now
			return next, []Command{
				{Kind: CmdSyncPeer, Peer: ev.Peer},
				{Kind: CmdStartSyncTimeout, Duration: policy.Period},
			}

		case Syncing:
			next := withPeers(s, peers)
			if s.InFlight < policy.MaxPeers {
				return next, []Command{{Kind: CmdSyncPeer, Peer: ev.Peer}}
			}
			return next, nil

		case Offline:
			next := withPeers(s, peers)
			next.Tag = Online
			next.Since = now
			return next, nil

		default:
			return withPeers(s, peers), nil
		}

	case EvDisconnecting:
		peers := s.clonePeers()
		if n, ok := peers[ev.Peer]; ok {
			if n <= 1 {
				delete(peers, ev.Peer)
			} else {
				peers[ev.Peer] = n - 1
			}
		}
		next := withPeers(s, peers)
		if s.Tag == Online && len(peers) == 0 {
			next.Tag = Offline
			next.Since = now
		}
		return next, nil

	case EvGossipHas:
		// The Waiting Room's found()/TimeOut handling happens in the
		// adapter that owns both this machine and the Waiting Room
		// (pkg/scheduler); this machine only reports that a
		// Gossip(Has) input was observed for callers that want to
		// react without owning state of their own. See
		// Scheduler.handleOverlayEvent in pkg/scheduler.
		return s, nil

	default:
		return s, nil
	}
}

func withPeers(s State, peers map[peerid.ID]int) State {
	s.Peers = peers
	return s
}

func stepPeerSync(s State, in Input, policy SyncPolicy, now time.Time) (State, []Command) {
	if s.Tag != Syncing {
		return s, nil
	}
	switch in.PeerSync {
	case PeerSyncStarted:
		next := s
		next.InFlight++
		return next, nil
	case PeerSyncOK, PeerSyncFail:
		if s.Synced+1 >= policy.MaxPeers {
			next := s
			next.Tag = Online
			next.Since = now
			return next, nil
		}
		next := s
		next.Synced++
		if next.InFlight > 0 {
			next.InFlight--
		}
		return next, nil
	default:
		return s, nil
	}
}

// Connected reports the number of peers with at least one live session.
func (s State) Connected() int { return s.connectedCount() }
