package daemon

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/peerdaemon/peerd/internal/config"
	"github.com/peerdaemon/peerd/internal/core"
	"github.com/peerdaemon/peerd/internal/magnet"
	"github.com/peerdaemon/peerd/internal/torrentworker"
)

// testConfig returns a config.Daemon bound to an ephemeral loopback port and
// a scratch download directory, so tests never collide on a fixed listen
// address and never touch the real filesystem outside t.TempDir().
func testConfig(t *testing.T) config.Daemon {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Listen = "127.0.0.1:0"
	return cfg
}

func testMagnetURI(b byte, name string) string {
	var h core.InfoHash
	for i := range h {
		h[i] = b
	}
	return "magnet:?xt=urn:btih:" + h.String() + "&dn=" + name
}

func testInfoHash(b byte) core.InfoHash {
	var h core.InfoHash
	for i := range h {
		h[i] = b
	}
	return h
}

// fakeTorrentStarter hands back a controllable command channel per magnet
// instead of running the real simulated worker, so tests can assert
// exactly which commands the Supervisor sent without waiting on ticks.
type fakeTorrentStarter struct {
	started chan fakeStart
}

type fakeStart struct {
	magnet magnet.Magnet
	peers  []net.Addr
	cmds   chan torrentworker.Msg
}

func newFakeTorrentStarter() *fakeTorrentStarter {
	return &fakeTorrentStarter{started: make(chan fakeStart, 16)}
}

func (f *fakeTorrentStarter) starter() TorrentStarter {
	return func(pub torrentworker.StatePublisher, m magnet.Magnet, peers []net.Addr) torrentworker.Ctx {
		cmds := make(chan torrentworker.Msg, 16)
		f.started <- fakeStart{magnet: m, peers: peers, cmds: cmds}
		return torrentworker.Ctx{InfoHash: m.InfoHash(), Commands: cmds}
	}
}

// newTestSupervisor starts a Supervisor against a loopback listener and a
// fake torrent starter. Sends to the command queue are accepted the moment
// the Supervisor is constructed (the channel is buffered ahead of Run
// reaching commandLoop), so tests need not wait for the listener to bind
// before posting commands.
func newTestSupervisor(t *testing.T, starter *fakeTorrentStarter) *Supervisor {
	t.Helper()
	cfg := testConfig(t)
	s := NewWithConfig(cfg,
		WithTorrentStarter(starter.starter()),
		WithSessionHandler(func(net.Conn, Ctx) {}),
		WithClock(clock.NewMock()),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run()
	}()
	t.Cleanup(func() {
		s.Quit()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})
	return s
}

func TestAddTorrentInstallsDefaultStateBeforeWorkerStarts(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	s.AddTorrent(testMagnetURI(0xaa, "X"))

	select {
	case start := <-starter.started:
		require.Equal(t, "X", start.magnet.DisplayName())
	case <-time.After(time.Second):
		t.Fatal("torrent worker was never started")
	}

	state := s.RequestTorrentState(testInfoHash(0xaa))
	require.NotNil(t, state)
	require.Equal(t, "X", state.Name)
	require.Equal(t, core.Idle, state.Status)
}

func TestDuplicateAddTorrentRejected(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	uri := testMagnetURI(0xbb, "Y")
	s.AddTorrent(uri)
	<-starter.started

	s.AddTorrent(uri)

	select {
	case <-starter.started:
		t.Fatal("duplicate AddTorrent must not start a second worker")
	case <-time.After(100 * time.Millisecond):
	}

	require.Equal(t, 1, s.ctx.States.Len())
	require.Equal(t, 1, s.ctx.Handles.Len())
}

func TestRequestTorrentStateUnknownHashReturnsNil(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	require.Nil(t, s.RequestTorrentState(testInfoHash(0xff)))
}

func TestTogglePauseDispatchesExactlyOneCommand(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	h := testInfoHash(0xcc)
	s.AddTorrent(testMagnetURI(0xcc, "Z"))
	start := <-starter.started

	s.TogglePause(h)

	select {
	case msg := <-start.cmds:
		require.Equal(t, torrentworker.MsgTogglePause, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("worker never received TogglePause")
	}

	select {
	case <-start.cmds:
		t.Fatal("worker received a second, unexpected command")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTogglePauseOnUnknownHashIsNoop(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	// TogglePause posts fire-and-forget; an unknown hash must not panic or
	// block the command loop. A subsequent AddTorrent proves the loop is
	// still alive afterward.
	s.TogglePause(testInfoHash(0xde))

	s.AddTorrent(testMagnetURI(0xad, "Still-Alive"))
	select {
	case <-starter.started:
	case <-time.After(time.Second):
		t.Fatal("command loop appears stuck after TogglePause on unknown hash")
	}
}

func TestMutateTorrentReplacesHandleForKnownHash(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	h := testInfoHash(0xc1)
	s.AddTorrent(testMagnetURI(0xc1, "Original"))
	<-starter.started

	newCmds := make(chan torrentworker.Msg, 1)
	newHandle := torrentworker.Ctx{InfoHash: h, Commands: newCmds}
	s.rx <- Msg{Kind: MsgMutateTorrent, InfoHash: h, NewHandle: newHandle}

	require.Eventually(t, func() bool {
		handle, ok := s.ctx.Handles.Get(h)
		return ok && handle.Commands == newHandle.Commands
	}, time.Second, time.Millisecond)

	// The replaced handle, not the original one, now receives commands.
	require.NoError(t, s.handleTogglePause(h))
	select {
	case msg := <-newCmds:
		require.Equal(t, torrentworker.MsgTogglePause, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("replaced handle never received TogglePause")
	}
}

func TestMutateTorrentOnUnknownHashIsNoop(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	unknown := testInfoHash(0xc2)
	newHandle := torrentworker.Ctx{InfoHash: unknown, Commands: make(chan torrentworker.Msg, 1)}
	s.rx <- Msg{Kind: MsgMutateTorrent, InfoHash: unknown, NewHandle: newHandle}

	// MutateTorrent for an unknown hash must not panic or block the
	// command loop: a subsequent AddTorrent proves the loop is still
	// alive, and the unknown hash must never appear in the registry.
	s.AddTorrent(testMagnetURI(0xc3, "Still-Alive"))
	select {
	case <-starter.started:
	case <-time.After(time.Second):
		t.Fatal("command loop appears stuck after MutateTorrent on unknown hash")
	}

	_, ok := s.ctx.Handles.Get(unknown)
	require.False(t, ok)
}

func TestRegistriesAgreeOnKeySet(t *testing.T) {
	starter := newFakeTorrentStarter()
	s := newTestSupervisor(t, starter)

	s.AddTorrent(testMagnetURI(0xdd, "A"))
	<-starter.started
	s.AddTorrent(testMagnetURI(0xee, "B"))
	<-starter.started

	require.Eventually(t, func() bool {
		return s.ctx.States.Len() == 2 && s.ctx.Handles.Len() == 2
	}, time.Second, time.Millisecond)

	require.ElementsMatch(t, s.ctx.States.Keys(), s.ctx.Handles.Keys())
}

func TestAutoQuitFiresOnceWhenAllSeeding(t *testing.T) {
	starter := newFakeTorrentStarter()
	cfg := testConfig(t)
	cfg.QuitAfterComplete = true
	s := NewWithConfig(cfg,
		WithTorrentStarter(starter.starter()),
		WithSessionHandler(func(net.Conn, Ctx) {}),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()
	t.Cleanup(func() { s.Quit() })

	h := testInfoHash(0xf0)
	s.AddTorrent(testMagnetURI(0xf0, "Solo"))
	<-starter.started

	seeding := core.TorrentState{
		InfoHash:   h,
		Name:       "Solo",
		Status:     core.Seeding,
		Size:       10,
		Downloaded: 10,
	}
	s.PublishTorrentState(seeding)
	// Publish a second time: auto-quit's enqueue must stay idempotent and
	// must not deadlock the command loop with a duplicate Quit send.
	s.PublishTorrentState(seeding)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("daemon did not auto-quit once every torrent reached Seeding")
	}

	// Run has returned, so the command loop goroutine has already exited
	// and quitEnqueues is safe to read here: exactly one Quit must have
	// been enqueued, not merely "Run returned without error."
	require.Equal(t, 1, s.quitEnqueues)
}

func TestAutoQuitDoesNotFireBeforeAnyTorrentAdmitted(t *testing.T) {
	starter := newFakeTorrentStarter()
	cfg := testConfig(t)
	cfg.QuitAfterComplete = true
	s := NewWithConfig(cfg,
		WithTorrentStarter(starter.starter()),
		WithSessionHandler(func(net.Conn, Ctx) {}),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()
	t.Cleanup(func() { s.Quit() })

	select {
	case <-runErr:
		t.Fatal("daemon quit before any torrent was ever admitted")
	case <-time.After(100 * time.Millisecond):
	}
}
