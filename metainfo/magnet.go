package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI. It carries no piece data; a session
// built from one starts in the metadata-fetch state.
type Magnet struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
}

// ParseMagnet parses a magnet:?xt=urn:btih:... URI. The info-hash may be
// 40 hex or 32 base32 characters. Trackers with unusable schemes are
// dropped rather than failing the parse.
func ParseMagnet(uri string) (*Magnet, error) {
	if !strings.HasPrefix(uri, "magnet:") {
		return nil, fmt.Errorf("%w: missing magnet: scheme", ErrUnsupportedMagnet)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMagnet, err)
	}
	q := u.Query()

	m := &Magnet{DisplayName: q.Get("dn")}

	var found bool
	for _, xt := range q["xt"] {
		if !strings.HasPrefix(xt, "urn:btih:") {
			continue
		}
		ih, err := parseInfoHash(strings.TrimPrefix(xt, "urn:btih:"))
		if err != nil {
			return nil, err
		}
		m.InfoHash = ih
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: no usable xt=urn:btih parameter", ErrUnsupportedMagnet)
	}

	for _, tr := range q["tr"] {
		tu, err := url.Parse(tr)
		if err != nil || tu.Scheme == "" {
			continue
		}
		switch strings.ToLower(tu.Scheme) {
		case "http", "https", "udp":
			m.Trackers = appendTracker(m.Trackers, tr)
		}
	}
	return m, nil
}

func parseInfoHash(s string) (ih [20]byte, err error) {
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, fmt.Errorf("%w: bad hex info-hash: %s", ErrUnsupportedMagnet, err)
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil || len(b) != 20 {
			return ih, fmt.Errorf("%w: bad base32 info-hash", ErrUnsupportedMagnet)
		}
		copy(ih[:], b)
	default:
		return ih, fmt.Errorf("%w: info-hash length %d", ErrUnsupportedMagnet, len(s))
	}
	return ih, nil
}

// Stub returns the partial Info for a magnet: info-hash and name only.
func (m *Magnet) Stub() *Info {
	name := m.DisplayName
	if name == "" {
		name = fmt.Sprintf("%x", m.InfoHash)
	}
	return &Info{
		InfoHash: m.InfoHash,
		Name:     name,
		Trackers: append([]string(nil), m.Trackers...),
	}
}

// String re-renders the magnet URI in canonical parameter order.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Add("xt", fmt.Sprintf("urn:btih:%x", m.InfoHash))
	if m.DisplayName != "" {
		v.Add("dn", m.DisplayName)
	}
	for _, tr := range m.Trackers {
		v.Add("tr", tr)
	}
	return "magnet:?" + v.Encode()
}
