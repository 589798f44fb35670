package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/peerd/internal/peerid"
	"github.com/shurlinet/peerd/internal/urn"
	"github.com/shurlinet/peerd/pkg/runstate"
	"github.com/shurlinet/peerd/pkg/waitingroom"
)

func testURN(t *testing.T, seed string) urn.URN {
	t.Helper()
	u, err := urn.New(urn.TagProject, []byte(seed))
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func testPeer(s string) peerid.ID {
	return peerid.FromLibp2p(peer.ID(s))
}

// newTestScheduler wires a scheduler with no network components; only
// code paths that stay off the overlay and replication engine may run.
func newTestScheduler(cfg Config) *Scheduler {
	room := waitingroom.New(waitingroom.DefaultConfig())
	return New(cfg, room, nil, nil, nil, nil, nil)
}

func TestInitialStateIsStopped(t *testing.T) {
	s := newTestScheduler(DefaultConfig())
	if got := s.State().Tag; got != runstate.Stopped {
		t.Errorf("initial state = %v, want Stopped", got)
	}
}

func TestListeningMovesToStarted(t *testing.T) {
	s := newTestScheduler(DefaultConfig())
	s.step(context.Background(), runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvListening}})
	if got := s.State().Tag; got != runstate.Started {
		t.Errorf("state = %v, want Started", got)
	}
}

func TestConnectWithoutStartupSyncGoesOnline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncPolicy = runstate.SyncPolicy{OnStartup: false}
	s := newTestScheduler(cfg)
	ctx := context.Background()

	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvListening}})
	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvConnected, Peer: testPeer("p1")}})

	st := s.State()
	if st.Tag != runstate.Online {
		t.Fatalf("state = %v, want Online", st.Tag)
	}
	if st.Connected() != 1 {
		t.Errorf("connected = %d, want 1", st.Connected())
	}
}

func TestStartupSyncSaturatesToOnline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncPolicy = runstate.SyncPolicy{OnStartup: true, MaxPeers: 2, Period: time.Minute}
	s := newTestScheduler(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvListening}})
	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvConnected, Peer: testPeer("p1")}})

	// The first connect spawns syncPeer goroutines; wait for the state
	// to settle into Syncing or beyond.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tag := s.State().Tag; tag == runstate.Syncing || tag == runstate.Online {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvConnected, Peer: testPeer("p2")}})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State().Tag == runstate.Online {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.State().Tag; got != runstate.Online {
		t.Errorf("state after saturation = %v, want Online", got)
	}
}

func TestPurgeExpiredTimesOutStaleRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deadline = 50 * time.Millisecond
	s := newTestScheduler(cfg)
	ctx := context.Background()

	u := testURN(t, "stale-project")
	s.room.Create(u, time.Now().Add(-time.Second))

	s.purgeExpired(ctx)

	req, ok := s.room.Get(u)
	if !ok {
		t.Fatal("request vanished before grace period")
	}
	if !req.State.Terminal() {
		t.Errorf("state = %v, want terminal (timed out)", req.State)
	}
}

func TestPurgeRemovesTerminalAfterGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Deadline = 50 * time.Millisecond
	s := newTestScheduler(cfg)
	ctx := context.Background()

	u := testURN(t, "done-project")
	s.room.Create(u, time.Now().Add(-2*time.Second))
	if _, err := s.room.Cancel(u, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	s.purgeExpired(ctx)

	if _, ok := s.room.Get(u); ok {
		t.Error("terminal request not removed after grace period")
	}
}

func TestPostDeliversInput(t *testing.T) {
	s := newTestScheduler(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.Post(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvListening}})

	select {
	case in := <-s.inputs:
		s.step(ctx, in)
	case <-ctx.Done():
		t.Fatal("posted input never queued")
	}
	if got := s.State().Tag; got != runstate.Started {
		t.Errorf("state = %v, want Started", got)
	}
}

func TestDisconnectingLastPeerGoesOffline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncPolicy = runstate.SyncPolicy{OnStartup: false}
	s := newTestScheduler(cfg)
	ctx := context.Background()

	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvListening}})
	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvConnected, Peer: testPeer("p1")}})
	s.step(ctx, runstate.Input{Kind: runstate.InProtocol, Protocol: runstate.OverlayEvent{Kind: runstate.EvDisconnecting, Peer: testPeer("p1")}})

	if got := s.State().Tag; got != runstate.Offline {
		t.Errorf("state = %v, want Offline", got)
	}
}
