package control

import (
	"errors"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"

	"github.com/peerdaemon/peerd/internal/core"
	"github.com/peerdaemon/peerd/internal/log"
)

// Daemon is the subset of the Supervisor a Remote Session Handler needs:
// post a command, and read a point-in-time view of the state registry.
// Defined here (rather than imported from package daemon) to keep the
// dependency direction control -> daemon-agnostic, matching how the
// teacher's agentserver depends only on a narrow scheduler interface.
type Daemon interface {
	AddTorrent(magnetURI string)
	TogglePause(h core.InfoHash)
	Quit()
	PrintTorrentStatus()
	RequestTorrentState(h core.InfoHash) *core.TorrentState
	SnapshotStates() []core.TorrentState
}

// Session is one Remote Session Handler: it owns a single accepted
// connection for its lifetime and multiplexes inbound frames with a
// broadcast ticker, per §4.5.
type Session struct {
	id        uuid.UUID
	conn      net.Conn
	d         Daemon
	clock     clock.Clock
	tickEvery time.Duration
	log       interface {
		Infof(string, ...interface{})
		Warnf(string, ...interface{})
	}
}

// DefaultBroadcastInterval is how often an idle session pushes unsolicited
// TorrentState frames absent a configured override, per §4.5.
const DefaultBroadcastInterval = time.Second

// NewSession constructs a Remote Session Handler for conn. A zero
// broadcastInterval falls back to DefaultBroadcastInterval, so existing
// callers that don't thread a configured value still get the documented
// default.
func NewSession(conn net.Conn, d Daemon, c clock.Clock, broadcastInterval time.Duration) *Session {
	if c == nil {
		c = clock.New()
	}
	if broadcastInterval <= 0 {
		broadcastInterval = DefaultBroadcastInterval
	}
	id := uuid.New()
	return &Session{
		id:        id,
		conn:      conn,
		d:         d,
		clock:     c,
		tickEvery: broadcastInterval,
		log:       log.With("session", id.String(), "remote", conn.RemoteAddr().String()),
	}
}

// Serve runs the session until the peer disconnects or a decode/write
// error occurs. It never returns an error to its caller: per §7, a
// per-connection task's failures terminate only that task.
func (s *Session) Serve() {
	defer s.conn.Close()

	incoming := make(chan Frame)
	readErrs := make(chan error, 1)
	go s.readLoop(incoming, readErrs)

	ticker := s.clock.Ticker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-incoming:
			if !ok {
				return
			}
			if err := s.handle(frame); err != nil {
				s.log.Warnf("session: %v", err)
				return
			}
		case err := <-readErrs:
			if err != nil && !errors.Is(err, ErrMalformedFrame) {
				s.log.Infof("session: closing: %v", err)
			} else if err != nil {
				s.log.Warnf("session: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.broadcast(); err != nil {
				s.log.Warnf("session: broadcast: %v", err)
				return
			}
		}
	}
}

func (s *Session) readLoop(out chan<- Frame, errs chan<- error) {
	defer close(out)
	for {
		frame, err := ReadFrame(s.conn)
		if err != nil {
			errs <- err
			return
		}
		out <- frame
	}
}

// handle translates a single inbound frame into exactly one internal
// command, per §4.5.1. RequestTorrentState is the one request/response
// case: it blocks this session's goroutine (not the Supervisor) while
// waiting for the Supervisor's reply.
func (s *Session) handle(f Frame) error {
	switch f.Tag {
	case TagNewTorrent:
		s.d.AddTorrent(f.Magnet)
		return nil
	case TagRequestTorrentState:
		state := s.d.RequestTorrentState(f.InfoHash)
		return Encode(s.conn, TorrentStateFrame(state))
	case TagTogglePause:
		s.d.TogglePause(f.InfoHash)
		return nil
	case TagQuit:
		s.d.Quit()
		return nil
	case TagPrintTorrentStatus:
		s.d.PrintTorrentStatus()
		return nil
	default:
		return ErrMalformedFrame
	}
}

// broadcast takes a read view of the state registry and emits one
// TorrentState frame per entry, per §4.5.2. The view is cloned out by
// SnapshotStates before any write to the socket, so nothing here holds a
// registry reference across the suspension point of a socket write.
func (s *Session) broadcast() error {
	for _, state := range s.d.SnapshotStates() {
		st := state
		if err := Encode(s.conn, TorrentStateFrame(&st)); err != nil {
			return err
		}
	}
	return nil
}
