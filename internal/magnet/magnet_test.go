package magnet

import (
	"bytes"
	"net/url"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func TestParseHexTopic(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + repeat("aa", 20) + "&dn=Ubuntu&tr=http://tracker.example/announce"

	m, err := Parse(uri)
	require.NoError(t, err)
	require.Equal(t, repeat("aa", 20), m.InfoHash().String())
	require.Equal(t, "Ubuntu", m.DisplayName())
	require.Len(t, m.Trackers(), 1)
	require.Equal(t, "tracker.example", m.Trackers()[0].Host)
}

func TestParseMultipleTrackers(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + repeat("bb", 20) +
		"&tr=http://a.example/announce&tr=http://b.example/announce"

	m, err := Parse(uri)
	require.NoError(t, err)
	require.Len(t, m.Trackers(), 2)
}

func TestParseDisplayNameFallsBackToHash(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + repeat("cc", 20)

	m, err := Parse(uri)
	require.NoError(t, err)
	require.Equal(t, repeat("cc", 20), m.DisplayName())
}

func TestParseRejectsNonMagnetScheme(t *testing.T) {
	_, err := Parse("http://example.com")
	require.Error(t, err)
}

func TestParseRejectsMissingExactTopic(t *testing.T) {
	_, err := Parse("magnet:?dn=NoHash")
	require.Error(t, err)
}

func TestParseRejectsMalformedHash(t *testing.T) {
	_, err := Parse("magnet:?xt=urn:btih:notahash")
	require.Error(t, err)
}

// TestParseBencodedTopicFallback round-trips the "xt.btmh" fallback some
// magnet generators emit when an intermediary strips the canonical "xt"
// form: a bencoded {"btih": "<20 raw bytes>"} dictionary.
func TestParseBencodedTopicFallback(t *testing.T) {
	raw := bytes.Repeat([]byte{0xdd}, 20)

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, bencodedTopic{Btih: string(raw)}))

	v := url.Values{}
	v.Set("xt.btmh", buf.String())
	v.Set("dn", "FallbackTopic")
	uri := "magnet:?" + v.Encode()

	m, err := Parse(uri)
	require.NoError(t, err)
	require.Equal(t, repeat("dd", 20), m.InfoHash().String())
	require.Equal(t, "FallbackTopic", m.DisplayName())
}

func TestParseBencodedTopicFallbackRejectsMalformed(t *testing.T) {
	v := url.Values{}
	v.Set("xt.btmh", "not-bencode")
	uri := "magnet:?" + v.Encode()

	_, err := Parse(uri)
	require.Error(t, err)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
