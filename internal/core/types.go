// Package core defines the value types shared by the daemon, the control
// protocol and the torrent/disk worker contracts.
package core

import "encoding/hex"

// InfoHashLen is the fixed length of a BitTorrent info hash.
const InfoHashLen = 20

// InfoHash is the 20-byte content identifier that keys every registry in
// the daemon. Equality and map hashing are byte-wise for free, since Go
// arrays are comparable.
type InfoHash [InfoHashLen]byte

// String renders the info hash as lowercase hex.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// TorrentStatus is the lifecycle state of a torrent as published by its
// worker.
type TorrentStatus int

// Torrent lifecycle states, per the data model.
const (
	Idle TorrentStatus = iota
	ConnectingToTracker
	Downloading
	Seeding
	Paused
	Error
)

func (s TorrentStatus) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ConnectingToTracker:
		return "ConnectingToTracker"
	case Downloading:
		return "Downloading"
	case Seeding:
		return "Seeding"
	case Paused:
		return "Paused"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// TorrentPeerStats summarizes what a torrent's worker currently knows
// about its swarm.
type TorrentPeerStats struct {
	Seeders  uint32
	Leechers uint32
}

// TorrentState is a value snapshot published by a Torrent worker. It is
// always copied by value across channel boundaries; nothing in this
// package holds a pointer to one that could be mutated after publish.
type TorrentState struct {
	InfoHash     InfoHash
	Name         string
	Status       TorrentStatus
	Size         uint64
	Downloaded   uint64
	Uploaded     uint64
	DownloadRate uint64
	UploadRate   uint64
	Stats        TorrentPeerStats
}

// Valid reports whether the state satisfies the invariants of §3:
// downloaded <= size, and status == Seeding implies downloaded == size.
func (s TorrentState) Valid() bool {
	if s.Downloaded > s.Size {
		return false
	}
	if s.Status == Seeding && s.Downloaded != s.Size {
		return false
	}
	return true
}
