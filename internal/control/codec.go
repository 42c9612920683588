// Package control implements the daemon's wire protocol: a length-prefixed,
// tagged framing over TCP, and the per-connection Remote Session Handler
// that speaks it.
package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/peerdaemon/peerd/internal/core"
)

// MaxFrameSize bounds a single frame's length prefix, per §4.1, to keep a
// malicious or buggy peer from driving unbounded allocation.
const MaxFrameSize = 16 * 1024 * 1024

// Tag identifies a frame's payload shape and direction.
type Tag byte

// Wire message tags, per §4.1.
const (
	TagNewTorrent          Tag = 0x01
	TagTorrentState        Tag = 0x02
	TagRequestTorrentState Tag = 0x03
	TagTogglePause         Tag = 0x04
	TagQuit                Tag = 0x05
	TagPrintTorrentStatus  Tag = 0x06
)

// ErrMalformedFrame is returned by Decode for any frame that fails to
// parse: unknown tag, truncated payload, non-UTF-8 magnet, or a length
// prefix exceeding MaxFrameSize.
var ErrMalformedFrame = errors.New("control: malformed frame")

// Frame is a single decoded wire message. Exactly one of the payload
// fields is meaningful, selected by Tag.
type Frame struct {
	Tag Tag

	// TagNewTorrent
	Magnet string

	// TagTorrentState
	State    core.TorrentState
	HasState bool

	// TagRequestTorrentState, TagTogglePause
	InfoHash core.InfoHash
}

// NewTorrentFrame builds a client->daemon NewTorrent frame.
func NewTorrentFrame(magnetURI string) Frame {
	return Frame{Tag: TagNewTorrent, Magnet: magnetURI}
}

// TorrentStateFrame builds a daemon->client TorrentState frame. A nil
// state encodes the "absent" case (e.g. an unknown info hash).
func TorrentStateFrame(state *core.TorrentState) Frame {
	if state == nil {
		return Frame{Tag: TagTorrentState}
	}
	return Frame{Tag: TagTorrentState, State: *state, HasState: true}
}

// RequestTorrentStateFrame builds a client->daemon RequestTorrentState frame.
func RequestTorrentStateFrame(h core.InfoHash) Frame {
	return Frame{Tag: TagRequestTorrentState, InfoHash: h}
}

// TogglePauseFrame builds a client->daemon TogglePause frame.
func TogglePauseFrame(h core.InfoHash) Frame {
	return Frame{Tag: TagTogglePause, InfoHash: h}
}

// QuitFrame builds a client->daemon Quit frame.
func QuitFrame() Frame { return Frame{Tag: TagQuit} }

// PrintTorrentStatusFrame builds a client->daemon PrintTorrentStatus frame.
func PrintTorrentStatusFrame() Frame { return Frame{Tag: TagPrintTorrentStatus} }

// Encode writes f to w as a length-prefixed frame: a big-endian uint32
// byte count N (covering the tag byte and payload), the tag byte, then
// N-1 payload bytes.
func Encode(w io.Writer, f Frame) error {
	payload, err := encodePayload(f)
	if err != nil {
		return err
	}

	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(f.Tag)
	copy(buf[5:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("control: write frame: %w", err)
	}
	return nil
}

func encodePayload(f Frame) ([]byte, error) {
	switch f.Tag {
	case TagNewTorrent:
		return []byte(f.Magnet), nil
	case TagTorrentState:
		return encodeTorrentState(f.HasState, f.State), nil
	case TagRequestTorrentState, TagTogglePause:
		return f.InfoHash[:], nil
	case TagQuit, TagPrintTorrentStatus:
		return nil, nil
	default:
		return nil, fmt.Errorf("control: encode: unknown tag 0x%02x", f.Tag)
	}
}

func encodeTorrentState(has bool, s core.TorrentState) []byte {
	var buf bytes.Buffer
	if !has {
		buf.WriteByte(0)
		return buf.Bytes()
	}
	buf.WriteByte(1)
	buf.Write(s.InfoHash[:])
	writeString(&buf, s.Name)
	buf.WriteByte(byte(s.Status))
	writeUint64(&buf, s.Size)
	writeUint64(&buf, s.Downloaded)
	writeUint64(&buf, s.Uploaded)
	writeUint64(&buf, s.DownloadRate)
	writeUint64(&buf, s.UploadRate)
	writeUint32(&buf, s.Stats.Seeders)
	writeUint32(&buf, s.Stats.Leechers)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// ReadFrame reads and decodes the next frame from r. It returns io.EOF
// (unwrapped) when the peer closes the connection cleanly between frames,
// and ErrMalformedFrame for any other decode failure.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, ErrMalformedFrame
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return Frame{}, ErrMalformedFrame
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, ErrMalformedFrame
	}

	return decodeBody(Tag(body[0]), body[1:])
}

// Decode parses a single already-framed buffer: the tag byte followed by
// its payload. It is exposed separately from ReadFrame for round-trip
// tests and fuzzing that operate on in-memory byte slices.
func Decode(frame []byte) (Frame, error) {
	if len(frame) == 0 {
		return Frame{}, ErrMalformedFrame
	}
	if len(frame) > MaxFrameSize {
		return Frame{}, ErrMalformedFrame
	}
	return decodeBody(Tag(frame[0]), frame[1:])
}

func decodeBody(tag Tag, payload []byte) (Frame, error) {
	switch tag {
	case TagNewTorrent:
		if !utf8.Valid(payload) {
			return Frame{}, ErrMalformedFrame
		}
		return Frame{Tag: tag, Magnet: string(payload)}, nil
	case TagTorrentState:
		return decodeTorrentState(payload)
	case TagRequestTorrentState, TagTogglePause:
		if len(payload) != core.InfoHashLen {
			return Frame{}, ErrMalformedFrame
		}
		var h core.InfoHash
		copy(h[:], payload)
		return Frame{Tag: tag, InfoHash: h}, nil
	case TagQuit, TagPrintTorrentStatus:
		if len(payload) != 0 {
			return Frame{}, ErrMalformedFrame
		}
		return Frame{Tag: tag}, nil
	default:
		return Frame{}, ErrMalformedFrame
	}
}

func decodeTorrentState(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, ErrMalformedFrame
	}
	if payload[0] == 0 {
		if len(payload) != 1 {
			return Frame{}, ErrMalformedFrame
		}
		return Frame{Tag: TagTorrentState}, nil
	}
	if payload[0] != 1 {
		return Frame{}, ErrMalformedFrame
	}
	r := bytes.NewReader(payload[1:])

	var s core.TorrentState
	if _, err := io.ReadFull(r, s.InfoHash[:]); err != nil {
		return Frame{}, ErrMalformedFrame
	}
	name, err := readString(r)
	if err != nil {
		return Frame{}, err
	}
	s.Name = name

	var status byte
	if status, err = readByte(r); err != nil {
		return Frame{}, err
	}
	s.Status = core.TorrentStatus(status)

	if s.Size, err = readUint64(r); err != nil {
		return Frame{}, err
	}
	if s.Downloaded, err = readUint64(r); err != nil {
		return Frame{}, err
	}
	if s.Uploaded, err = readUint64(r); err != nil {
		return Frame{}, err
	}
	if s.DownloadRate, err = readUint64(r); err != nil {
		return Frame{}, err
	}
	if s.UploadRate, err = readUint64(r); err != nil {
		return Frame{}, err
	}
	if s.Stats.Seeders, err = readUint32(r); err != nil {
		return Frame{}, err
	}
	if s.Stats.Leechers, err = readUint32(r); err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, ErrMalformedFrame
	}

	return Frame{Tag: TagTorrentState, State: s, HasState: true}, nil
}

func readByte(r *bytes.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, ErrMalformedFrame
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Len()) {
		return "", ErrMalformedFrame
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrMalformedFrame
	}
	if !utf8.Valid(buf) {
		return "", ErrMalformedFrame
	}
	return string(buf), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrMalformedFrame
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrMalformedFrame
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteFrame encodes f with its 4-byte length prefix, returning the full
// wire bytes. Used by tests that want ReadFrame over an in-memory buffer
// without a real io.Writer.
func WriteFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
