// Package torrentworker defines the consumed contract for a Torrent
// worker (§4.2 of the core spec): a black box that accepts commands and
// emits periodic state snapshots. The real BitTorrent peer wire protocol,
// tracker announce and piece picker are out of scope for this daemon; this
// package's Worker is a faithful-to-contract simulation that a real
// implementation would replace behind the same Ctx/Msg interface.
package torrentworker

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/peerdaemon/peerd/internal/core"
	"github.com/peerdaemon/peerd/internal/diskworker"
	"github.com/peerdaemon/peerd/internal/log"
	"github.com/peerdaemon/peerd/internal/magnet"
)

// tickInterval matches §2's "roughly 1 Hz" publish cadence.
const tickInterval = time.Second

// MsgKind identifies the command variants a Torrent worker accepts.
type MsgKind int

// Command kinds, per §4.2.
const (
	MsgTogglePause MsgKind = iota
	MsgQuit
)

// Msg is a command sent to a running Torrent worker.
type Msg struct {
	Kind MsgKind
}

// StatePublisher is how a Torrent worker reports progress back to the
// daemon: a send of DaemonMsg-shaped TorrentState is the worker's only
// channel of communication with its owner, matching §2's data flow.
type StatePublisher interface {
	PublishTorrentState(core.TorrentState)
}

// Ctx is the live handle the daemon (and nothing else, by convention)
// holds onto a running Torrent worker. It is cheap to copy and share: the
// command channel is the worker's only externally visible mutable state.
type Ctx struct {
	InfoHash core.InfoHash
	Commands chan<- Msg
}

// DiskHandle is the subset of the Disk worker contract a Torrent worker
// needs: post a resume manifest. Piece storage itself is out of scope
// here; diskworker.Ctx satisfies this so production workers post through
// the real Disk worker, while tests pass nil to skip manifest saving
// entirely.
type DiskHandle interface {
	SaveManifest(diskworker.Manifest)
}

// Worker is a running simulated Torrent. It publishes a TorrentState onto
// its StatePublisher roughly once per tick until it receives MsgQuit.
type Worker struct {
	magnet magnet.Magnet
	clock  clock.Clock
	disk   DiskHandle
	pub    StatePublisher
	cmds   chan Msg
	bits   *bitset.BitSet
	size   uint64
	piece  uint64
	paused bool
}

const simulatedPieceCount = 100
const simulatedPieceSize = 1 << 20 // 1 MiB

// New constructs a Torrent worker for magnet, bound to disk for storage
// and pub for publishing state. It does not start running until
// StartAndRun or StartAndRunWithPeers is called.
func New(disk DiskHandle, pub StatePublisher, m magnet.Magnet, c clock.Clock) *Worker {
	if c == nil {
		c = clock.New()
	}
	return &Worker{
		magnet: m,
		clock:  c,
		disk:   disk,
		pub:    pub,
		cmds:   make(chan Msg, 16),
		bits:   bitset.New(simulatedPieceCount),
		size:   simulatedPieceCount * simulatedPieceSize,
	}
}

// Ctx returns the live handle for this worker.
func (w *Worker) Ctx() Ctx {
	return Ctx{InfoHash: w.magnet.InfoHash(), Commands: w.cmds}
}

// StartAndRun discovers peers via tracker announce (out of scope: the
// simulation proceeds directly to downloading) and runs until Quit.
func (w *Worker) StartAndRun(peers []net.Addr) {
	w.run()
}

// StartAndRunWithPeers bypasses tracker discovery and uses a fixed peer
// list. Like StartAndRun, the peer wire protocol itself is out of scope;
// the simulation's behavior does not depend on the peer list's contents.
func (w *Worker) StartAndRunWithPeers(peers []net.Addr) {
	w.run()
}

func (w *Worker) run() {
	ticker := w.clock.Ticker(tickInterval)
	defer ticker.Stop()

	log.With("info_hash", w.magnet.InfoHash().String()).Infof("torrent worker started: %s", w.magnet.DisplayName())

	for {
		select {
		case msg := <-w.cmds:
			switch msg.Kind {
			case MsgTogglePause:
				w.paused = !w.paused
			case MsgQuit:
				return
			}
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Worker) tick() {
	if !w.paused && w.piece < simulatedPieceCount {
		w.bits.Set(uint(w.piece))
		w.piece++
	}

	downloaded := w.piece * simulatedPieceSize
	status := core.Downloading
	switch {
	case w.paused:
		status = core.Paused
	case downloaded >= w.size:
		status = core.Seeding
		downloaded = w.size
	}

	w.pub.PublishTorrentState(core.TorrentState{
		InfoHash:     w.magnet.InfoHash(),
		Name:         w.magnet.DisplayName(),
		Status:       status,
		Size:         w.size,
		Downloaded:   downloaded,
		DownloadRate: simulatedPieceSize,
		Stats:        core.TorrentPeerStats{Seeders: 1, Leechers: 0},
	})

	if w.disk != nil {
		w.disk.SaveManifest(diskworker.Manifest{
			InfoHash:   w.magnet.InfoHash().String(),
			Downloaded: downloaded,
			Size:       w.size,
		})
	}
}
