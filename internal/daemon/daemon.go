// Package daemon implements the Daemon Supervisor: the event multiplexer
// that owns the torrent/handle registries, drives the quit and auto-quit
// policy, and spawns per-connection control handlers. This is the
// supervisory core described by the core spec; the Torrent and Disk
// workers it drives are black boxes consumed through their package
// interfaces only.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/uber-go/tally"
	"golang.org/x/sync/errgroup"

	"github.com/peerdaemon/peerd/internal/config"
	"github.com/peerdaemon/peerd/internal/control"
	"github.com/peerdaemon/peerd/internal/core"
	"github.com/peerdaemon/peerd/internal/diskworker"
	"github.com/peerdaemon/peerd/internal/log"
	"github.com/peerdaemon/peerd/internal/magnet"
	"github.com/peerdaemon/peerd/internal/torrentworker"
)

// Errors returned by Supervisor operations, per §7.
var (
	ErrBindFailure         = errors.New("daemon: could not bind listener")
	ErrNoDuplicateTorrent  = errors.New("daemon: torrent already admitted")
	ErrTorrentDoesNotExist = errors.New("daemon: torrent does not exist")
	ErrDiskWorkerFailed    = errors.New("daemon: disk worker failed")
)

// MsgKind identifies the internal command variants (DaemonMsg in spec.md §4.4).
type MsgKind int

// Command kinds.
const (
	MsgAddTorrent MsgKind = iota
	MsgAddTorrentWithPeers
	MsgTorrentState
	MsgRequestTorrentState
	MsgTogglePause
	MsgMutateTorrent
	MsgPrintTorrentStatus
	MsgQuit
)

// Msg is a single internal command. Every control-wire message and every
// CLI startup action is translated 1:1 into one of these before it is
// handled, so local and remote command surfaces share identical handling.
type Msg struct {
	Kind MsgKind

	Magnet string
	Peers  []net.Addr

	State core.TorrentState

	InfoHash core.InfoHash
	Reply    chan<- *core.TorrentState

	NewHandle torrentworker.Ctx
}

// Ctx is the Daemon's shared context: cloned by reference into every
// Remote Session Handler.
type Ctx struct {
	Commands chan<- Msg
	States   *registry[core.TorrentState]
	Handles  *registry[torrentworker.Ctx]
}

// TorrentStarter spawns a Torrent worker and returns its live handle. The
// default implementation runs the simulated worker in torrentworker; tests
// substitute a fake to observe exactly which commands a worker receives
// without waiting on real ticks.
type TorrentStarter func(pub torrentworker.StatePublisher, m magnet.Magnet, peers []net.Addr) torrentworker.Ctx

// Supervisor owns DaemonConfig and DaemonCtx, binds the listening socket,
// starts the disk worker, and runs the internal command loop. It is the
// sole writer to both registries.
type Supervisor struct {
	config config.Daemon
	clock  clock.Clock
	stats  tally.Scope

	rx  chan Msg
	ctx Ctx

	disk       *diskworker.Worker
	newTorrent TorrentStarter

	listener     net.Listener
	acceptCancel context.CancelFunc

	everAdmitted bool
	quitEnqueues int
	stopOnce     sync.Once
	wg           sync.WaitGroup

	onSession func(net.Conn, Ctx) // injection point for the control session handler
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithClock overrides the clock used for tickers and timing decisions.
// Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithStats overrides the metrics scope. Defaults to tally.NoopScope.
func WithStats(scope tally.Scope) Option {
	return func(s *Supervisor) { s.stats = scope }
}

// WithTorrentStarter overrides how Torrent workers are spawned. Intended
// for tests that want to inject a fake worker.
func WithTorrentStarter(f TorrentStarter) Option {
	return func(s *Supervisor) { s.newTorrent = f }
}

// WithSessionHandler overrides how accepted connections are served.
// Intended for tests that want to bypass the real wire protocol.
func WithSessionHandler(f func(net.Conn, Ctx)) Option {
	return func(s *Supervisor) { s.onSession = f }
}

// New constructs a Supervisor with default listen address 127.0.0.1:3030,
// quit_after_complete=false, empty registries, and a command channel
// bounded at the spec's capacity of 300.
func New(downloadDir string, opts ...Option) *Supervisor {
	return NewWithConfig(config.Default(downloadDir), opts...)
}

// NewWithConfig constructs a Supervisor from an already-built config,
// e.g. one loaded from a file and overlaid with CLI flags.
func NewWithConfig(cfg config.Daemon, opts ...Option) *Supervisor {
	cfg.ApplyDefaults()

	s := &Supervisor{
		config: cfg,
		clock:  clock.New(),
		stats:  tally.NoopScope,
		rx:     make(chan Msg, cfg.CommandQueueCapacity),
	}
	s.ctx = Ctx{
		Commands: s.rx,
		States:   newRegistry[core.TorrentState](),
		Handles:  newRegistry[torrentworker.Ctx](),
	}
	s.newTorrent = s.defaultTorrentStarter
	s.onSession = s.defaultSessionHandler

	for _, o := range opts {
		o(s)
	}
	return s
}

// Ctx returns the Daemon's shared context, safe to clone by reference into
// Remote Session Handlers.
func (s *Supervisor) Ctx() Ctx { return s.ctx }

// Config returns the effective configuration.
func (s *Supervisor) Config() config.Daemon { return s.config }

// PublishTorrentState implements torrentworker.StatePublisher by posting a
// MsgTorrentState command, keeping every write to the registries on the
// Supervisor's single command-loop goroutine.
func (s *Supervisor) PublishTorrentState(state core.TorrentState) {
	s.rx <- Msg{Kind: MsgTorrentState, State: state}
}

func (s *Supervisor) defaultSessionHandler(conn net.Conn, _ Ctx) {
	interval := time.Duration(s.config.BroadcastInterval) * time.Millisecond
	control.NewSession(conn, s, s.clock, interval).Serve()
}

func (s *Supervisor) defaultTorrentStarter(pub torrentworker.StatePublisher, m magnet.Magnet, peers []net.Addr) torrentworker.Ctx {
	var disk torrentworker.DiskHandle
	if s.disk != nil {
		disk = s.disk.Ctx()
	}
	w := torrentworker.New(disk, pub, m, s.clock)
	go func() {
		if peers != nil {
			w.StartAndRunWithPeers(peers)
		} else {
			w.StartAndRun(peers)
		}
	}()
	return w.Ctx()
}

// Run binds the listener, starts the disk worker and accept loop, then
// services the internal command queue until Quit. It blocks until the
// daemon shuts down.
func (s *Supervisor) Run() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailure, s.config.Listen, err)
	}
	s.listener = listener
	log.Infof("daemon listening on %s", s.config.Listen)

	s.disk = diskworker.New(s.config.DownloadDir)

	group, groupCtx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		if err := s.disk.Run(); err != nil {
			return fmt.Errorf("%w: %v", ErrDiskWorkerFailed, err)
		}
		return nil
	})

	acceptCtx, cancel := context.WithCancel(groupCtx)
	s.acceptCancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(acceptCtx)

	loopErr := s.commandLoop()

	if err := group.Wait(); err != nil && loopErr == nil {
		return err
	}
	return loopErr
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Errorf("daemon: accept: %v", err)
				return
			}
		}
		log.Infof("daemon: accepted control connection from %s", conn.RemoteAddr())
		s.stats.Counter("sessions.accepted").Inc(1)

		if s.onSession != nil {
			go s.onSession(conn, s.ctx)
		}
	}
}

// commandLoop services the internal command queue until MsgQuit.
func (s *Supervisor) commandLoop() error {
	for msg := range s.rx {
		switch msg.Kind {
		case MsgAddTorrent:
			if err := s.handleAddTorrent(msg.Magnet, nil); err != nil {
				log.Warnf("daemon: add torrent: %v", err)
			}
		case MsgAddTorrentWithPeers:
			if err := s.handleAddTorrent(msg.Magnet, msg.Peers); err != nil {
				log.Warnf("daemon: add torrent with peers: %v", err)
			}
		case MsgTorrentState:
			s.handleTorrentState(msg.State)
		case MsgRequestTorrentState:
			s.handleRequestTorrentState(msg.InfoHash, msg.Reply)
		case MsgTogglePause:
			if err := s.handleTogglePause(msg.InfoHash); err != nil {
				log.Warnf("daemon: toggle pause: %v", err)
			}
		case MsgMutateTorrent:
			s.handleMutateTorrent(msg.InfoHash, msg.NewHandle)
		case MsgPrintTorrentStatus:
			s.printTorrentStatus()
		case MsgQuit:
			s.quit()
			if s.acceptCancel != nil {
				s.acceptCancel()
			}
			s.listener.Close()
			return nil
		}
	}
	return nil
}

// AddTorrent admits magnetURI, rejecting duplicates, per §4.4. It is
// exposed directly (in addition to the MsgAddTorrent wire path) so the CLI
// can queue a startup torrent through the exact same admission code the
// command loop runs — it simply posts the same command.
func (s *Supervisor) AddTorrent(magnetURI string) {
	s.rx <- Msg{Kind: MsgAddTorrent, Magnet: magnetURI}
}

// AddTorrentWithPeers is AddTorrent's fixed-peer-list variant.
func (s *Supervisor) AddTorrentWithPeers(magnetURI string, peers []net.Addr) {
	s.rx <- Msg{Kind: MsgAddTorrentWithPeers, Magnet: magnetURI, Peers: peers}
}

// TogglePause posts a TogglePause command for h.
func (s *Supervisor) TogglePause(h core.InfoHash) {
	s.rx <- Msg{Kind: MsgTogglePause, InfoHash: h}
}

// RequestTorrentState posts a RequestTorrentState command for h and
// blocks for the reply, matching the one-shot reply channel pattern used
// by Remote Session Handlers.
func (s *Supervisor) RequestTorrentState(h core.InfoHash) *core.TorrentState {
	reply := make(chan *core.TorrentState, 1)
	s.rx <- Msg{Kind: MsgRequestTorrentState, InfoHash: h, Reply: reply}
	return <-reply
}

// Quit posts the Quit command, causing Run to return once it is handled.
func (s *Supervisor) Quit() {
	s.stopOnce.Do(func() {
		s.rx <- Msg{Kind: MsgQuit}
	})
}

// PrintTorrentStatus posts a PrintTorrentStatus command.
func (s *Supervisor) PrintTorrentStatus() {
	s.rx <- Msg{Kind: MsgPrintTorrentStatus}
}

// SnapshotStates returns a point-in-time copy of every torrent's latest
// published state, for a Remote Session Handler's broadcast tick.
func (s *Supervisor) SnapshotStates() []core.TorrentState {
	return s.ctx.States.Snapshot()
}

func (s *Supervisor) handleAddTorrent(magnetURI string, peers []net.Addr) error {
	m, err := magnet.Parse(magnetURI)
	if err != nil {
		// InvalidMagnet: silently ignored per §7, v1 protocol has no nack.
		log.Warnf("daemon: invalid magnet %q: %v", magnetURI, err)
		return nil
	}
	return s.addTorrent(m, peers)
}

// addTorrent installs a default TorrentState into the state registry
// before spawning the worker, so AddTorrent observably precedes any later
// TorrentState for the same info hash (§5).
func (s *Supervisor) addTorrent(m magnet.Magnet, peers []net.Addr) error {
	h := m.InfoHash()
	if s.ctx.States.Has(h) {
		s.stats.Counter("torrents.rejected_duplicate").Inc(1)
		return fmt.Errorf("%w: %s", ErrNoDuplicateTorrent, h)
	}

	s.ctx.States.Set(h, core.TorrentState{
		InfoHash: h,
		Name:     m.DisplayName(),
		Status:   core.Idle,
	})
	s.everAdmitted = true

	handle := s.newTorrent(s, m, peers)
	s.ctx.Handles.Set(h, handle)

	s.stats.Counter("torrents.added").Inc(1)
	s.stats.Gauge("torrents.active").Update(float64(s.ctx.States.Len()))

	log.Infof("daemon: downloading torrent %s (%s)", m.DisplayName(), h)
	return nil
}

func (s *Supervisor) handleTorrentState(state core.TorrentState) {
	s.ctx.States.Set(state.InfoHash, state)
	s.stats.Gauge("torrents.active").Update(float64(s.ctx.States.Len()))

	if s.config.QuitAfterComplete && s.everAdmitted && s.quitEnqueues == 0 && s.allSeeding() {
		// Latched on a counter, not a channel-fullness check: every
		// TorrentState after the first all-Seeding snapshot would otherwise
		// enqueue another Quit. quitEnqueues is only ever read and set from
		// this goroutine (the command loop), so it needs no lock of its own.
		s.quitEnqueues++
		s.rx <- Msg{Kind: MsgQuit}
	}
}

// allSeeding is vacuously true for an empty registry; callers must gate on
// everAdmitted to avoid a false-positive auto-quit before any torrent has
// been admitted (§4.6).
func (s *Supervisor) allSeeding() bool {
	for _, st := range s.ctx.States.Snapshot() {
		if st.Status != core.Seeding {
			return false
		}
	}
	return true
}

func (s *Supervisor) handleRequestTorrentState(h core.InfoHash, reply chan<- *core.TorrentState) {
	if reply == nil {
		return
	}
	if st, ok := s.ctx.States.Get(h); ok {
		reply <- &st
		return
	}
	reply <- nil
}

// handleTogglePause delivers TogglePause to the named torrent's worker.
// The send blocks until the worker's command channel accepts it: per §5,
// "the TorrentCtx command channel is bounded by whatever the Torrent
// worker chooses; producers await," so a momentarily full channel is
// backpressure, not grounds to drop the command.
func (s *Supervisor) handleTogglePause(h core.InfoHash) error {
	handle, ok := s.ctx.Handles.Get(h)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTorrentDoesNotExist, h)
	}
	handle.Commands <- torrentworker.Msg{Kind: torrentworker.MsgTogglePause}
	return nil
}

// handleMutateTorrent replaces a torrent's handle, e.g. after it
// re-initializes its worker post metadata-exchange. Per the resolved open
// question in DESIGN.md, an unknown info hash is a no-op, not a panic.
func (s *Supervisor) handleMutateTorrent(h core.InfoHash, newHandle torrentworker.Ctx) {
	if !s.ctx.Handles.Has(h) {
		log.Warnf("daemon: MutateTorrent for unknown torrent %s, ignoring", h)
		return
	}
	s.ctx.Handles.Set(h, newHandle)
}

func (s *Supervisor) printTorrentStatus() {
	states := s.ctx.States.Snapshot()
	fmt.Printf("Showing stats of %d torrents.\n", len(states))
	for _, st := range states {
		statusColor := "[green]"
		if st.Status == core.Error {
			statusColor = "[red]"
		} else if st.Status == core.Paused {
			statusColor = "[yellow]"
		}
		fmt.Println(colorstring.Color(fmt.Sprintf("%s%s [reset]- %s", statusColor, st.Name, st.Status)))

		bar := progressbar.NewOptions64(int64(st.Size),
			progressbar.OptionSetDescription(st.Name),
			progressbar.OptionSetWriter(os.Stdout),
		)
		_ = bar.Set64(int64(st.Downloaded))
		fmt.Println()
		fmt.Printf("Seeders %d Leechers %d\n\n", st.Stats.Seeders, st.Stats.Leechers)
	}
}

// quit broadcasts Quit to every running Torrent worker and the Disk
// worker, per §4.4. Per the grounding source's `quit()` (a blocking
// `.await` send to each worker, never a drop) and §5's producers-await
// rule, every send here blocks until its worker's command channel accepts
// it; it does not wait for the workers to actually finish shutting down.
func (s *Supervisor) quit() {
	for _, h := range s.ctx.Handles.Keys() {
		handle, ok := s.ctx.Handles.Get(h)
		if !ok {
			continue
		}
		handle.Commands <- torrentworker.Msg{Kind: torrentworker.MsgQuit}
	}

	if s.disk != nil {
		s.disk.Ctx().Commands <- diskworker.Msg{Kind: diskworker.MsgQuit}
	}
}
