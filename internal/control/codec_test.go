package control

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peerdaemon/peerd/internal/core"
)

func sampleInfoHash(b byte) core.InfoHash {
	var h core.InfoHash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestRoundTripNewTorrent(t *testing.T) {
	f := NewTorrentFrame("magnet:?xt=urn:btih:" + sampleInfoHash(0xaa).String())
	assertRoundTrip(t, f)
}

func TestRoundTripTorrentStateAbsent(t *testing.T) {
	assertRoundTrip(t, TorrentStateFrame(nil))
}

func TestRoundTripTorrentStatePresent(t *testing.T) {
	s := core.TorrentState{
		InfoHash:     sampleInfoHash(0xaa),
		Name:         "ubuntu.iso",
		Status:       core.Downloading,
		Size:         100,
		Downloaded:   10,
		Uploaded:     0,
		DownloadRate: 1024,
		UploadRate:   0,
		Stats:        core.TorrentPeerStats{Seeders: 5, Leechers: 2},
	}
	assertRoundTrip(t, TorrentStateFrame(&s))
}

func TestRoundTripRequestTorrentState(t *testing.T) {
	assertRoundTrip(t, RequestTorrentStateFrame(sampleInfoHash(0xbb)))
}

func TestRoundTripTogglePause(t *testing.T) {
	assertRoundTrip(t, TogglePauseFrame(sampleInfoHash(0xcc)))
}

func TestRoundTripQuit(t *testing.T) {
	assertRoundTrip(t, QuitFrame())
}

func TestRoundTripPrintTorrentStatus(t *testing.T) {
	assertRoundTrip(t, PrintTorrentStatusFrame())
}

func assertRoundTrip(t *testing.T, f Frame) {
	t.Helper()
	wire, err := WriteFrame(f)
	require.NoError(t, err)

	decoded, err := ReadFrame(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0xff})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	_, err := Decode([]byte{byte(TagRequestTorrentState), 0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeNonUTF8Magnet(t *testing.T) {
	_, err := Decode([]byte{byte(TagNewTorrent), 0xff, 0xfe})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(lenBuf[:]))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadFrameEOFBetweenFrames(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

// TestDecodeFuzzCorpus exercises §8 scenario 6: for a large corpus of
// random byte strings, decode must never panic, never loop forever, and
// never allocate past MaxFrameSize; it must either succeed or return
// ErrMalformedFrame.
func TestDecodeFuzzCorpus(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		n := rng.Intn(64)
		buf := make([]byte, n)
		rng.Read(buf)

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("decode panicked on input %v: %v", buf, r)
				}
			}()
			f, err := Decode(buf)
			if err == nil {
				// A successful decode must re-encode to a value that
				// decodes back to an equal frame.
				reencoded, err := WriteFrame(f)
				require.NoError(t, err)
				redecoded, err := ReadFrame(bytes.NewReader(reencoded))
				require.NoError(t, err)
				require.Equal(t, f, redecoded)
			} else {
				require.ErrorIs(t, err, ErrMalformedFrame)
			}
		}()
	}
}
