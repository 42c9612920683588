// Package diskworker defines the consumed contract for a Disk worker
// (§4.3 of the core spec): a black box that accepts storage commands and
// persists pieces to download_dir. On-disk piece storage itself is out of
// scope; this package's Worker only tracks a lightweight per-torrent
// resume manifest, the one piece of supplementary behavior SPEC_FULL.md
// adds (§5.7) to give the worker something concrete to do.
package diskworker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackpal/bencode-go"

	"github.com/peerdaemon/peerd/internal/core"
	"github.com/peerdaemon/peerd/internal/log"
)

// MsgKind identifies the command variants a Disk worker accepts.
type MsgKind int

// Command kinds.
const (
	MsgSaveManifest MsgKind = iota
	MsgQuit
)

// Manifest is the resume bookkeeping persisted per torrent: how much of it
// has been downloaded, to survive an agent restart even though the Daemon
// itself (per §6) does not persist its own registries.
type Manifest struct {
	InfoHash   string `bencode:"info_hash"`
	Downloaded uint64 `bencode:"downloaded"`
	Size       uint64 `bencode:"size"`
}

// Msg is a command sent to a running Disk worker.
type Msg struct {
	Kind     MsgKind
	Manifest Manifest
}

// Ctx is the live handle the daemon (and the Torrent worker it hands Ctx
// to) holds onto the Disk worker.
type Ctx struct {
	Commands chan<- Msg
}

// SaveManifest posts a MsgSaveManifest command. It is the Torrent worker's
// only point of contact with the Disk worker: per §5, the send blocks
// until the Disk worker's command channel accepts it.
func (c Ctx) SaveManifest(m Manifest) {
	c.Commands <- Msg{Kind: MsgSaveManifest, Manifest: m}
}

// Worker is a running Disk worker: one per Daemon, created at startup,
// torn down on MsgQuit.
type Worker struct {
	downloadDir string
	cmds        chan Msg
	done        chan struct{}
}

// New constructs a Disk worker rooted at downloadDir. It does not start
// running until Run is called.
func New(downloadDir string) *Worker {
	return &Worker{
		downloadDir: downloadDir,
		cmds:        make(chan Msg, 300),
		done:        make(chan struct{}),
	}
}

// Ctx returns the live handle for this worker.
func (w *Worker) Ctx() Ctx { return Ctx{Commands: w.cmds} }

// Run services commands until MsgQuit. It is the sole writer to the
// resume-manifest files under downloadDir.
func (w *Worker) Run() error {
	defer close(w.done)
	for msg := range w.cmds {
		switch msg.Kind {
		case MsgSaveManifest:
			if err := w.saveManifest(msg.Manifest); err != nil {
				log.Warnf("diskworker: save manifest: %v", err)
			}
		case MsgQuit:
			return nil
		}
	}
	return nil
}

func (w *Worker) saveManifest(m Manifest) error {
	if err := os.MkdirAll(w.downloadDir, 0o755); err != nil {
		return fmt.Errorf("diskworker: mkdir %s: %w", w.downloadDir, err)
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return fmt.Errorf("diskworker: encode manifest: %w", err)
	}
	path := w.manifestPath(m.InfoHash)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("diskworker: write %s: %w", path, err)
	}
	return nil
}

// LoadManifest reads back a previously saved manifest for h, if any.
func (w *Worker) LoadManifest(h core.InfoHash) (Manifest, error) {
	path := w.manifestPath(h.String())
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := bencode.Unmarshal(bytes.NewReader(data), &m); err != nil {
		return Manifest{}, fmt.Errorf("diskworker: decode %s: %w", path, err)
	}
	return m, nil
}

func (w *Worker) manifestPath(infoHashHex string) string {
	return filepath.Join(w.downloadDir, infoHashHex+".resume")
}
