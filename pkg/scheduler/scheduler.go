// Package scheduler implements the request scheduler: a
// cooperative loop that feeds Request(Tick) into the Run-State Machine
// and executes whatever Query/Clone commands the Waiting Room has ready.
// Queries are sent from the scheduler's own task; each clone runs on its
// own goroutine.
//
// This is also the run-state machine's thin adapter task:
// pkg/runstate.Step is a pure function, and Scheduler is the single
// owner that feeds it events one at a time from channels and the
// waiting room.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peerd/internal/audit"
	"github.com/shurlinet/peerd/internal/metrics"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/announce"
	"github.com/shurlinet/peerd/pkg/overlay"
	"github.com/shurlinet/peerd/pkg/replication"
	"github.com/shurlinet/peerd/pkg/runstate"
	"github.com/shurlinet/peerd/pkg/waitingroom"
)

// AddressResolver supplies dial hints for a (urn, peer) clone target,
// typically sourced from the PeerInfo a Gossip Has event carried.
type AddressResolver interface {
	Addrs(u urn.URN, peer peerid.ID) []ma.Multiaddr
}

// Config configures a Scheduler.
type Config struct {
	Interval   time.Duration // default 500ms
	QueryDelta time.Duration // per-attempt query backoff
	Deadline   time.Duration // waiting_room.timeout_period, default 10s
	SyncPolicy runstate.SyncPolicy
}

// DefaultConfig ticks every 500ms with a 10s per-request deadline.
func DefaultConfig() Config {
	return Config{
		Interval:   500 * time.Millisecond,
		QueryDelta: time.Second,
		Deadline:   10 * time.Second,
	}
}

// Scheduler owns the Run-State Machine's State and the Waiting Room; it
// is the sole task permitted to mutate either.
type Scheduler struct {
	cfg            Config
	room           *waitingroom.Room
	overlay        *overlay.Overlay
	repl           *replication.Engine
	announceEngine *announce.Engine
	addrs          AddressResolver
	log            *slog.Logger

	metrics *metrics.Metrics
	audit   *audit.Logger

	inputs chan runstate.Input

	events      <-chan overlay.Event
	unsubscribe func()

	mu    sync.Mutex
	state runstate.State
}

// New constructs a Scheduler in the Stopped state.
func New(cfg Config, room *waitingroom.Room, ov *overlay.Overlay, repl *replication.Engine, ae *announce.Engine, addrs AddressResolver, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		cfg:            cfg,
		room:           room,
		overlay:        ov,
		repl:           repl,
		announceEngine: ae,
		addrs:          addrs,
		log:            log,
		inputs:         make(chan runstate.Input, 16),
		state:          runstate.NewStopped(time.Now()),
	}
}

// SetMetrics attaches a metrics sink; call before Run.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetAudit attaches an audit logger for request transitions; call before
// Run. Nil is fine, the audit logger is nil-safe.
func (s *Scheduler) SetAudit(a *audit.Logger) { s.audit = a }

// State returns a snapshot of the current Run-State.
func (s *Scheduler) State() runstate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Post delivers an input to the scheduler task from another goroutine
// (the supervisor's announce ticker, the control socket). Blocks only if
// the input queue is full; gives up when ctx ends.
func (s *Scheduler) Post(ctx context.Context, in runstate.Input) {
	select {
	case s.inputs <- in:
	case <-ctx.Done():
	}
}

// step applies a single runstate.Input and executes any Commands.
func (s *Scheduler) step(ctx context.Context, in runstate.Input) {
	s.mu.Lock()
	prev := s.state.Tag
	next, cmds := runstate.Step(s.state, in, s.cfg.SyncPolicy, time.Now())
	s.state = next
	s.mu.Unlock()

	if s.metrics != nil {
		if next.Tag != prev {
			s.metrics.RunStateTransitionsTotal.WithLabelValues(prev.String(), next.Tag.String()).Inc()
		}
		s.metrics.ConnectedPeers.Set(float64(next.Connected()))
	}
	for _, cmd := range cmds {
		s.execute(ctx, cmd)
	}
}

func (s *Scheduler) execute(ctx context.Context, cmd runstate.Command) {
	switch cmd.Kind {
	case runstate.CmdAnnounce:
		go func() {
			if _, err := s.announceEngine.RunOnce(ctx); err != nil {
				s.log.Warn("scheduler: announce failed", "err", err)
			}
		}()
	case runstate.CmdSyncPeer:
		go s.syncPeer(ctx, cmd.Peer)
	case runstate.CmdStartSyncTimeout:
		go func(d time.Duration) {
			select {
			case <-time.After(d):
				s.step(ctx, runstate.Input{Kind: runstate.InTimeoutSyncPeriod})
			case <-ctx.Done():
			}
		}(cmd.Duration)
	case runstate.CmdRequestQuery, runstate.CmdRequestClone, runstate.CmdRequestTimedOut, runstate.CmdControlRespond:
		// Step never emits the request commands (Run's tick handling
		// drives the Waiting Room directly), and nothing posts a status
		// query, so there is nothing to do here.
	}
}

// syncPeer runs one startup-sync round against p. A "sync" here means
// relying on p's own Announcement cycle: once connected, p will gossip
// Have for everything it holds, and those frames drive the Waiting Room
// the same way discovery-time gossip does. There is no dedicated
// handshake protocol, so completion is reported immediately; a real
// failure surfaces later as a disconnect, handled separately by
// handleOverlayEvent.
func (s *Scheduler) syncPeer(ctx context.Context, _ peerid.ID) {
	s.step(ctx, runstate.Input{Kind: runstate.InPeerSync, PeerSync: runstate.PeerSyncStarted})
	s.step(ctx, runstate.Input{Kind: runstate.InPeerSync, PeerSync: runstate.PeerSyncOK})
}

// Attach subscribes to the overlay ahead of Run. Callers that start the
// overlay's accept loop after constructing the scheduler use this to
// guarantee no event (in particular the initial Listening) is emitted
// before the subscription exists. Run attaches itself if never called.
func (s *Scheduler) Attach() {
	if s.events == nil {
		s.events, s.unsubscribe = s.overlay.Subscribe()
	}
}

// Run drives the scheduler until ctx is canceled: a ticker feeds
// Request(Tick) and drives the Waiting Room, overlay events are translated
// into Protocol(...) inputs, and inputs delivered through Post (such as
// Announce ticks) are stepped in arrival order.
func (s *Scheduler) Run(ctx context.Context) {
	s.Attach()
	events, unsubscribe := s.events, s.unsubscribe
	defer unsubscribe()

	requestTicker := time.NewTicker(s.cfg.Interval)
	defer requestTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleOverlayEvent(ctx, ev)
		case in := <-s.inputs:
			s.step(ctx, in)
		case <-requestTicker.C:
			s.step(ctx, runstate.Input{Kind: runstate.InRequest, Request: runstate.ReqTick})
			s.driveWaitingRoom(ctx)
			s.purgeExpired(ctx)
		}
	}
}

func (s *Scheduler) handleOverlayEvent(ctx context.Context, ev overlay.Event) {
	switch ev.Kind {
	case overlay.EvListening:
		s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvListening}})
	case overlay.EvConnected:
		s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvConnected, Peer: ev.Peer}})
	case overlay.EvDisconnecting:
		s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvDisconnecting, Peer: ev.Peer}})
	case overlay.EvGossipHas:
		if _, err := s.room.Found(ev.URN, ev.Provider.PeerID, time.Now()); err != nil {
			s.log.Debug("scheduler: found ignored", "urn", ev.URN, "err", err)
		}
	}
}

// driveWaitingRoom asks the Waiting Room for the next due query and the
// next clonable request. The query is sent on this goroutine; the clone
// runs on its own goroutine.
func (s *Scheduler) driveWaitingRoom(ctx context.Context) {
	if u, ok := s.room.NextQuery(time.Now(), s.cfg.QueryDelta); ok {
		s.doQuery(ctx, u)
	}
	if url, ok := s.room.NextClone(); ok {
		s.doClone(ctx, url)
	}
}

func (s *Scheduler) doQuery(ctx context.Context, u urn.URN) {
	if _, err := s.room.Request(u, time.Now()); err != nil {
		// Already Requested; record another query attempt instead.
		if _, err := s.room.Queried(u, time.Now()); err != nil {
			s.log.Debug("scheduler: query skipped", "urn", u, "err", err)
			return
		}
	}
	if s.metrics != nil {
		s.metrics.RequestAttemptsTotal.WithLabelValues("query").Inc()
	}
	s.audit.RequestTransition(u.String(), "created", "requested")
	s.overlay.Query(overlay.GossipMessage{Want: &u})
}

func (s *Scheduler) doClone(ctx context.Context, url waitingroom.URL) {
	if _, err := s.room.Cloning(url.URN, time.Now()); err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RequestAttemptsTotal.WithLabelValues("clone").Inc()
	}
	s.audit.RequestTransition(url.URN.String(), "found", "cloning")
	go func() {
		var hints []ma.Multiaddr
		if s.addrs != nil {
			hints = s.addrs.Addrs(url.URN, url.Peer)
		}
		err := s.repl.Replicate(ctx, url.URN, url.Peer, hints)
		if err != nil {
			s.room.Failed(url.URN, time.Now())
			s.audit.RequestTransition(url.URN.String(), "cloning", "found")
			return
		}
		s.room.Cloned(url.URN, time.Now())
		s.audit.RequestTransition(url.URN.String(), "cloning", "cloned")
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues("cloned").Inc()
		}
		// This node now holds the identity too; publish a provider
		// record so other nodes' provider queries can reach us.
		if err := s.overlay.Provide(ctx, url.URN); err != nil {
			s.log.Debug("scheduler: provide after clone failed", "urn", url.URN, "err", err)
		}
	}()
}

// purgeExpired times out requests whose deadline has passed and removes
// terminal requests after a grace period.
func (s *Scheduler) purgeExpired(ctx context.Context) {
	now := time.Now()
	for _, u := range s.room.List() {
		req, ok := s.room.Get(u)
		if !ok {
			continue
		}
		if !req.State.Terminal() && now.Sub(req.Timestamp) > s.cfg.Deadline {
			if _, err := s.room.TimedOut(u, now); err == nil {
				s.audit.RequestTransition(u.String(), req.State.String(), "timed_out")
				if s.metrics != nil {
					s.metrics.RequestsTotal.WithLabelValues("timed_out").Inc()
				}
				s.step(ctx, runstate.Input{Kind: runstate.InRequest, Request: runstate.ReqTimedOut, RequestURN: u})
			}
			continue
		}
		if req.State.Terminal() && now.Sub(req.Timestamp) > s.cfg.Deadline {
			s.room.Remove(u)
		}
	}
}
