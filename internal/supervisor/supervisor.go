// Package supervisor owns the peer's runtime configuration and
// lifecycle: it builds either a "sealed" context (no key, control
// surface only) or an "unsealed" context (key present, full peer), runs
// it until a config change or hangup asks for a reload, drains
// subscriptions, and loops. Exactly one peer instance is alive at any
// time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/peerd/internal/audit"
	"github.com/shurlinet/peerd/internal/config"
	"github.com/shurlinet/peerd/internal/discovery"
	"github.com/shurlinet/peerd/internal/identitydoc"
	"github.com/shurlinet/peerd/internal/keystore"
	"github.com/shurlinet/peerd/internal/metrics"
	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/store"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/announce"
	"github.com/shurlinet/peerd/pkg/monorepo"
	"github.com/shurlinet/peerd/pkg/overlay"
	"github.com/shurlinet/peerd/pkg/replication"
	"github.com/shurlinet/peerd/pkg/runstate"
	"github.com/shurlinet/peerd/pkg/scheduler"
	"github.com/shurlinet/peerd/pkg/waitingroom"
)

var (
	// ErrAlreadyRunning is returned when Run is called while another
	// Run is in progress.
	ErrAlreadyRunning = errors.New("supervisor: already running")

	// ErrSealed is returned by operations that require a key while the
	// supervisor is sealed.
	ErrSealed = errors.New("supervisor: sealed")
)

// restartDelay lets the overlay's sockets release before rebinding.
const restartDelay = 250 * time.Millisecond

// ServiceConfig is the supervisor's mutable runtime cell: the peer runs
// unsealed iff Key is present.
type ServiceConfig struct {
	Key crypto.PrivKey
}

type msgKind int

const (
	msgReset msgKind = iota
	msgSetSecretKey
	msgSeal
	msgReload
)

type message struct {
	kind msgKind
	key  crypto.PrivKey
}

// Supervisor drives the reload loop.
type Supervisor struct {
	root    string
	cfg     *config.Config
	ks      *keystore.Keystore
	log     *slog.Logger
	audit   *audit.Logger
	metrics *metrics.Metrics
	version string

	msgs chan message

	running atomic.Bool

	mu      sync.Mutex
	svc     ServiceConfig
	cur     *peerContext // nil while sealed or between reloads
	pending *message     // control message awaiting apply after teardown
}

// Options configures optional supervisor collaborators.
type Options struct {
	Log     *slog.Logger
	Audit   *audit.Logger
	Metrics *metrics.Metrics
	Version string

	// InitialKey unseals the supervisor from boot; nil boots sealed.
	InitialKey crypto.PrivKey
}

// New constructs a Supervisor over the node root.
func New(root string, cfg *config.Config, ks *keystore.Keystore, opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		root:    root,
		cfg:     cfg,
		ks:      ks,
		log:     log,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		version: opts.Version,
		msgs:    make(chan message, 4),
		svc:     ServiceConfig{Key: opts.InitialKey},
	}
}

// SetSecretKey unseals the supervisor with key and triggers a reload.
func (s *Supervisor) SetSecretKey(key crypto.PrivKey) {
	s.msgs <- message{kind: msgSetSecretKey, key: key}
}

// Seal discards the in-memory key and reloads as sealed.
func (s *Supervisor) Seal() {
	s.msgs <- message{kind: msgSeal}
}

// Reset discards the key, deletes all derived temp state, and reloads.
func (s *Supervisor) Reset() {
	s.msgs <- message{kind: msgReset}
}

// Reload restarts the current context without changing the service
// config. Wired to the host OS hangup signal by cmd/peerd.
func (s *Supervisor) Reload() {
	s.msgs <- message{kind: msgReload}
}

// Sealed reports whether the supervisor currently has no key.
func (s *Supervisor) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc.Key == nil
}

func (s *Supervisor) serviceConfig() ServiceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

func (s *Supervisor) current() *peerContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Supervisor) takePending() *message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.pending
	s.pending = nil
	return m
}

// Run loops building and tearing down contexts until ctx ends or a
// fatal error occurs. Fatal errors (overlay cannot bind, accept returned
// non-Done) bubble to the caller, which exits non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	for {
		if ctx.Err() != nil {
			return nil
		}

		svc := s.serviceConfig()
		var err error
		if svc.Key == nil {
			s.log.Info("supervisor: starting sealed context")
			err = s.runSealed(ctx)
		} else {
			s.log.Info("supervisor: starting unsealed context")
			err = s.runUnsealed(ctx, svc.Key)
		}
		if err != nil {
			return err
		}

		// Apply any control message only now, with the previous
		// context fully torn down: Reset removes the store directory,
		// which must not happen under an open handle.
		if m := s.takePending(); m != nil {
			if aerr := s.apply(*m); aerr != nil {
				s.log.Error("supervisor: applying control message failed", "err", aerr)
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		// Let network resources release before the next bind.
		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// apply mutates the service config for one control message.
func (s *Supervisor) apply(m message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.kind {
	case msgSetSecretKey:
		s.svc.Key = m.key
		if err := s.ks.Store(keystore.PurposePeer, m.key); err != nil {
			return err
		}
		s.audit.KeyChange("unseal")
	case msgSeal:
		s.svc.Key = nil
		s.audit.KeyChange("seal")
	case msgReset:
		s.svc.Key = nil
		if err := s.ks.Remove(keystore.PurposePeer); err != nil {
			return err
		}
		if err := s.ks.Remove(keystore.PurposeSigning); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(s.root, "store")); err != nil {
			return fmt.Errorf("supervisor: reset store: %w", err)
		}
		s.audit.KeyChange("reset")
	case msgReload:
		// No config change; the caller restarts the context.
	}
	return nil
}

// runSealed serves only the control socket until a message or ctx
// cancellation. Identity and project operations are unavailable;
// the control surface answers status queries and unseal requests.
func (s *Supervisor) runSealed(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	ctl, err := s.startControl(gctx, g)
	if err != nil {
		return err
	}
	defer ctl.Close()

	return s.waitForReload(runCtx, cancel, g)
}

// runUnsealed builds the full peer: store, monorepo, overlay, waiting
// room, replication, announcement, scheduler, discovery, and the control
// socket.
func (s *Supervisor) runUnsealed(ctx context.Context, key crypto.PrivKey) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	kv, err := store.Open(filepath.Join(s.root, "store"))
	if err != nil {
		return fmt.Errorf("supervisor: open store: %w", err)
	}
	defer kv.Close()

	mono := monorepo.Open(kv)

	room := waitingroom.New(waitingroom.Config{
		MaxQueries: s.cfg.WaitingRoom.MaxQueries,
		MaxClones:  s.cfg.WaitingRoom.MaxClones,
		Strategy:   waitingroom.Strategy(s.cfg.WaitingRoom.Strategy),
	})

	bound, err := overlay.Bind(runCtx, overlay.Config{
		Identity:    key,
		ListenAddrs: s.cfg.Network.ListenAddresses,
		Network:     s.cfg.Network.Namespace,
		Log:         s.log,
	})
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	ov := bound.Overlay
	defer ov.Close()

	repl := replication.New(mono, ov.Host(), s.cfg.Network.Namespace)
	ov.Host().SetStreamHandler(repl.ProtocolID(), repl.ServeFetch(s.lookup(mono)))

	ann := announce.New(mono, ov, kv, s.log)
	ann.SetProvider(ov)

	sched := scheduler.New(scheduler.Config{
		Interval:   s.cfg.WaitingRoom.Interval,
		QueryDelta: s.cfg.WaitingRoom.Delta,
		Deadline:   s.cfg.WaitingRoom.TimeoutPeriod,
		SyncPolicy: runstate.SyncPolicy{
			OnStartup: s.cfg.Sync.OnStartup,
			MaxPeers:  s.cfg.Sync.MaxPeers,
			Period:    s.cfg.Sync.Period,
		},
	}, room, ov, repl, ann, peerstoreResolver{ov}, s.log)
	sched.SetMetrics(s.metrics)
	sched.SetAudit(s.audit)

	disc, err := s.buildDiscovery(ov)
	if err != nil {
		return err
	}

	// Subscribe before Accept so the initial Listening event is seen.
	sched.Attach()

	stop, wait := ov.Accept(runCtx, disc)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	pc := &peerContext{overlay: ov, sched: sched, room: room, mono: mono}
	s.mu.Lock()
	s.cur = pc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
	}()

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := wait(); err != nil {
			return fmt.Errorf("supervisor: overlay accept: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.announceTicker(gctx, sched)
		return nil
	})

	ctl, err := s.startControl(gctx, g)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	defer ctl.Close()

	if s.cfg.Telemetry.Metrics.Enabled && s.metrics != nil {
		s.startMetricsServer(gctx, g)
	}

	return s.waitForReload(runCtx, cancel, g)
}

// waitForReload blocks until a control message, a group failure, or ctx
// cancellation. A message triggers a clean teardown and nil return; a
// group failure is fatal.
func (s *Supervisor) waitForReload(runCtx context.Context, cancel context.CancelFunc, g *errgroup.Group) error {
	groupErr := make(chan error, 1)
	go func() { groupErr <- g.Wait() }()

	select {
	case m := <-s.msgs:
		s.mu.Lock()
		s.pending = &m
		s.mu.Unlock()
		cancel()
		<-groupErr
		return nil
	case err := <-groupErr:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-runCtx.Done():
		<-groupErr
		return nil
	}
}

// announceTicker posts Announce(Tick) into the scheduler at the
// configured interval. The ticker is owned here, not by the scheduler,
// so the interval survives scheduler restarts within one context.
func (s *Supervisor) announceTicker(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(s.cfg.Announce.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.Post(ctx, runstate.Input{Kind: runstate.InAnnounce, Announce: runstate.AnnounceTick})
		}
	}
}

func (s *Supervisor) buildDiscovery(ov *overlay.Overlay) (overlay.Discovery, error) {
	boot, err := discovery.NewBootstrap(s.cfg.Network.BootstrapPeers)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if !s.cfg.Network.IsMDNSEnabled() {
		return boot, nil
	}
	mdns := discovery.NewMDNS(ov.Host(), s.metrics, s.log)
	return discovery.Combine(boot, mdns), nil
}

// lookup serves replication fetches from the local monorepo: the
// identity document plus this node's own signed refs.
func (s *Supervisor) lookup(mono *monorepo.Store) replication.Lookup {
	return func(u urn.URN) (identitydoc.Doc, monorepo.RefSet, bool) {
		doc, err := mono.ReadIdentity(u)
		if err != nil {
			return identitydoc.Doc{}, monorepo.RefSet{}, false
		}
		refs, err := mono.SignedRefs(u, peerid.ID{})
		if err != nil {
			// An identity with no refs yet is still servable.
			refs = monorepo.RefSet{}
		}
		return doc, refs, true
	}
}

func (s *Supervisor) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{
		Addr:    s.cfg.Telemetry.Metrics.ListenAddress,
		Handler: s.metrics.Handler(),
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("supervisor: metrics server stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// peerContext is what one unsealed iteration exposes to the control
// surface.
type peerContext struct {
	overlay *overlay.Overlay
	sched   *scheduler.Scheduler
	room    *waitingroom.Room
	mono    *monorepo.Store
}

// peerstoreResolver supplies clone dial hints from the libp2p peerstore,
// which the discovery sources and DHT keep seeded.
type peerstoreResolver struct {
	ov *overlay.Overlay
}

func (r peerstoreResolver) Addrs(_ urn.URN, peer peerid.ID) []ma.Multiaddr {
	return r.ov.Host().Peerstore().Addrs(peer.Libp2p())
}
