// Package tracker implements HTTP tracker announces: peer discovery
// only, no scrape support.
package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

// Event is the announce event parameter.
type Event string

const (
	None      Event = ""
	Started   Event = "started"
	Stopped   Event = "stopped"
	Completed Event = "completed"
)

// DefaultInterval is used when a tracker omits the announce interval.
const DefaultInterval = 30 * time.Minute

const requestTimeout = 15 * time.Second

// ErrUnsupportedScheme marks announce URLs this client cannot speak to,
// such as udp trackers.
var ErrUnsupportedScheme = errors.New("tracker: unsupported announce scheme")

// Announce holds the parameters of one announce request.
type Announce struct {
	URL        string
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response is a decoded tracker reply.
type Response struct {
	Interval time.Duration
	Seeders  int64
	Leechers int64
	Peers    []PeerAddr
}

// PeerAddr is one advertised peer endpoint.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// trackers reply with either a compact byte string or a list of dicts,
// so peers are captured raw and decoded by shape
type wireResponse struct {
	FailureReason string        `bencode:"failure reason"`
	Interval      int64         `bencode:"interval"`
	Complete      int64         `bencode:"complete"`
	Incomplete    int64         `bencode:"incomplete"`
	Peers         bencode.Bytes `bencode:"peers"`
	Peers6        bencode.Bytes `bencode:"peers6"`
}

type dictPeer struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

// Client announces to HTTP trackers. The zero value is not usable; use
// NewClient.
type Client struct {
	hc *http.Client
}

func NewClient() *Client {
	return &Client{hc: &http.Client{Timeout: requestTimeout}}
}

// Do performs one announce and decodes the peer list. A tracker-level
// failure reason is returned as an error.
func (c *Client) Do(ctx context.Context, a Announce) (*Response, error) {
	base, err := url.Parse(a.URL)
	if err != nil {
		return nil, fmt.Errorf("tracker: bad announce url %q: %w", a.URL, err)
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, base.Scheme)
	}

	numWant := a.NumWant
	if numWant <= 0 {
		numWant = 50
	}
	params := url.Values{
		"info_hash":  {string(a.InfoHash[:])},
		"peer_id":    {string(a.PeerID[:])},
		"port":       {strconv.Itoa(a.Port)},
		"uploaded":   {strconv.FormatInt(a.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(a.Downloaded, 10)},
		"left":       {strconv.FormatInt(a.Left, 10)},
		"compact":    {"1"},
		"numwant":    {strconv.Itoa(numWant)},
	}
	if a.Event != None {
		params.Set("event", string(a.Event))
	}
	base.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: announce returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) (*Response, error) {
	var wr wireResponse
	if err := bencode.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("tracker: malformed announce response: %w", err)
	}
	if wr.FailureReason != "" {
		return nil, fmt.Errorf("tracker: announce rejected: %s", wr.FailureReason)
	}
	out := &Response{
		Interval: time.Duration(wr.Interval) * time.Second,
		Seeders:  wr.Complete,
		Leechers: wr.Incomplete,
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	peers, err := decodePeers(wr.Peers, 6)
	if err != nil {
		return nil, err
	}
	out.Peers = peers
	if len(wr.Peers6) > 0 {
		peers6, err := decodePeers(wr.Peers6, 18)
		if err != nil {
			return nil, err
		}
		out.Peers = append(out.Peers, peers6...)
	}
	return out, nil
}

// decodePeers handles both peer list encodings: the compact byte string
// (stride bytes per peer, IP then big-endian port) and the legacy list
// of dicts.
func decodePeers(raw bencode.Bytes, stride int) ([]PeerAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var dicts []dictPeer
		if err := bencode.Unmarshal(raw, &dicts); err != nil {
			return nil, fmt.Errorf("tracker: malformed peer list: %w", err)
		}
		peers := make([]PeerAddr, 0, len(dicts))
		for _, d := range dicts {
			ip := net.ParseIP(d.IP)
			if ip == nil || d.Port <= 0 || d.Port > 65535 {
				continue
			}
			peers = append(peers, PeerAddr{IP: ip, Port: uint16(d.Port)})
		}
		return peers, nil
	}
	var compact string
	if err := bencode.Unmarshal(raw, &compact); err != nil {
		return nil, fmt.Errorf("tracker: malformed compact peers: %w", err)
	}
	if len(compact)%stride != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(compact), stride)
	}
	peers := make([]PeerAddr, 0, len(compact)/stride)
	for off := 0; off < len(compact); off += stride {
		chunk := []byte(compact[off : off+stride])
		ip := net.IP(chunk[:stride-2])
		port := binary.BigEndian.Uint16(chunk[stride-2:])
		if port == 0 {
			continue
		}
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}
