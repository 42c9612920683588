// Package magnet parses magnet URIs into the immutable value the daemon
// needs to admit a torrent: an info hash, a display name, and a tracker
// set. Full BEP-9 grammar (exotic multi-hash, select-only params, etc.) is
// out of scope; this is the "assumed to yield" contract from the core spec.
package magnet

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackpal/bencode-go"

	"github.com/peerdaemon/peerd/internal/core"
)

// Magnet is a parsed magnet link. It is immutable once constructed:
// unexported fields, no setters.
type Magnet struct {
	infoHash    core.InfoHash
	displayName string
	trackers    []*url.URL
}

// InfoHash returns the parsed info hash.
func (m Magnet) InfoHash() core.InfoHash { return m.infoHash }

// DisplayName returns the parsed "dn" parameter, or a hex fallback if one
// was never supplied.
func (m Magnet) DisplayName() string {
	if m.displayName == "" {
		return m.infoHash.String()
	}
	return m.displayName
}

// Trackers returns the parsed "tr" parameters, in the order they appeared.
func (m Magnet) Trackers() []*url.URL { return m.trackers }

// Parse decodes a magnet URI of the form
// "magnet:?xt=urn:btih:<hash>&dn=<name>&tr=<url>&tr=<url>...".
//
// The exact-topic hash may be 40 hex characters (SHA-1) or, for the rarer
// base32 form some clients emit, 32 base32 characters. A bencoded
// dictionary in "xt.btmh" (used by a handful of magnet generators as a
// fallback when the canonical "xt" form is stripped by an intermediary) is
// decoded with bencode-go and its "btih" entry used instead.
func Parse(uri string) (Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Magnet{}, fmt.Errorf("magnet: parse uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return Magnet{}, fmt.Errorf("magnet: not a magnet uri: %q", uri)
	}

	q := u.Query()

	hash, err := parseExactTopic(q)
	if err != nil {
		return Magnet{}, err
	}

	var trackers []*url.URL
	for _, tr := range q["tr"] {
		trURL, err := url.Parse(tr)
		if err != nil {
			continue // malformed individual tracker entries are skipped, not fatal
		}
		trackers = append(trackers, trURL)
	}

	return Magnet{
		infoHash:    hash,
		displayName: q.Get("dn"),
		trackers:    trackers,
	}, nil
}

func parseExactTopic(q url.Values) (core.InfoHash, error) {
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		return decodeTopic(strings.TrimPrefix(xt, prefix))
	}
	if fallback := q.Get("xt.btmh"); fallback != "" {
		return decodeBencodedTopic(fallback)
	}
	return core.InfoHash{}, fmt.Errorf("magnet: no exact topic (xt) parameter")
}

func decodeTopic(topic string) (core.InfoHash, error) {
	switch len(topic) {
	case 40:
		raw, err := hex.DecodeString(topic)
		if err != nil {
			return core.InfoHash{}, fmt.Errorf("magnet: invalid hex info hash: %w", err)
		}
		return toInfoHash(raw)
	case 32:
		raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(topic))
		if err != nil {
			return core.InfoHash{}, fmt.Errorf("magnet: invalid base32 info hash: %w", err)
		}
		return toInfoHash(raw)
	default:
		return core.InfoHash{}, fmt.Errorf("magnet: info hash has unexpected length %d", len(topic))
	}
}

// bencodedTopic is the shape of the "xt.btmh" fallback dictionary some
// magnet generators embed: {"btih": "<20 raw bytes>"}.
type bencodedTopic struct {
	Btih string `bencode:"btih"`
}

func decodeBencodedTopic(encoded string) (core.InfoHash, error) {
	var t bencodedTopic
	if err := bencode.Unmarshal(bytes.NewReader([]byte(encoded)), &t); err != nil {
		return core.InfoHash{}, fmt.Errorf("magnet: decode xt.btmh: %w", err)
	}
	return toInfoHash([]byte(t.Btih))
}

func toInfoHash(raw []byte) (core.InfoHash, error) {
	if len(raw) != core.InfoHashLen {
		return core.InfoHash{}, fmt.Errorf("magnet: info hash must be %d bytes, got %d", core.InfoHashLen, len(raw))
	}
	var h core.InfoHash
	copy(h[:], raw)
	return h, nil
}
