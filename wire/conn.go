package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Timeouts of the steady-state loop. A peer silent for longer than
// keepAliveTimeout is proactively disconnected; we send our own
// keep-alives well inside that window.
const (
	handshakeTimeout  = 10 * time.Second
	keepAliveTimeout  = 3 * time.Minute
	KeepAliveInterval = 2 * time.Minute
)

// EventType tags events posted by a connection's read loop.
type EventType int

const (
	EvChoke EventType = iota
	EvUnchoke
	EvInterested
	EvNotInterested
	EvHave
	EvBitfield
	EvRequest
	EvPiece
	EvCancel
	EvExtended
	EvClosed
)

// Event is one decoded inbound message, posted to the session's event
// channel. Each connection is a producer; the session is the single
// consumer that owns all download state.
type Event struct {
	Conn *Conn
	Type EventType

	Index, Begin, Length int    // have/request/piece/cancel
	Block                []byte // piece
	Bitfield             []byte // bitfield
	ExtID                byte   // extended
	ExtPayload           []byte // extended
	Err                  error  // closed
}

// Conn is one established peer wire session. It owns the socket and does
// framing only; choke/interest bookkeeping lives with its owner. Sends
// may be called from any goroutine.
type Conn struct {
	conn       net.Conn
	addr       string
	infoHash   [20]byte
	peerID     [20]byte // remote
	extensions bool     // remote advertised BEP 10

	wmu       sync.Mutex
	lastSend  time.Time
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects, exchanges handshakes and verifies the info-hash. The
// returned connection has not read any steady-state messages yet; call
// Run to start the read loop.
func Dial(ctx context.Context, addr string, infoHash, peerID [20]byte) (*Conn, error) {
	d := net.Dialer{Timeout: handshakeTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := newConn(nc, addr, infoHash, peerID)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept performs the inbound side of the handshake on an already
// accepted socket. expectHash validates the remote's claimed info-hash;
// it returns false to refuse (unknown torrent).
func Accept(nc net.Conn, peerID [20]byte, expectHash func([20]byte) bool) (*Conn, error) {
	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	theirs, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if !expectHash(theirs.InfoHash) {
		nc.Close()
		return nil, fmt.Errorf("%w: unknown info-hash %x", ErrProtocol, theirs.InfoHash)
	}
	ours := Handshake{InfoHash: theirs.InfoHash, PeerID: peerID, Extensions: true}
	if _, err := nc.Write(ours.serialize()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	nc.SetDeadline(time.Time{})
	return &Conn{
		conn:       nc,
		addr:       nc.RemoteAddr().String(),
		infoHash:   theirs.InfoHash,
		peerID:     theirs.PeerID,
		extensions: theirs.Extensions,
		closed:     make(chan struct{}),
	}, nil
}

func newConn(nc net.Conn, addr string, infoHash, peerID [20]byte) (*Conn, error) {
	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	ours := Handshake{InfoHash: infoHash, PeerID: peerID, Extensions: true}
	if _, err := nc.Write(ours.serialize()); err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	theirs, err := readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	if theirs.InfoHash != infoHash {
		return nil, fmt.Errorf("%w: info-hash mismatch", ErrProtocol)
	}
	nc.SetDeadline(time.Time{})
	return &Conn{
		conn:       nc,
		addr:       addr,
		infoHash:   infoHash,
		peerID:     theirs.PeerID,
		extensions: theirs.Extensions,
		closed:     make(chan struct{}),
	}, nil
}

// Addr returns the remote address the connection was dialed with; it is
// the peer's identity key within a session.
func (c *Conn) Addr() string { return c.addr }

// PeerID returns the remote peer id from the handshake.
func (c *Conn) PeerID() [20]byte { return c.peerID }

// InfoHash returns the torrent this connection was handshaken for.
func (c *Conn) InfoHash() [20]byte { return c.infoHash }

// SupportsExtensions reports whether the remote advertised BEP 10.
func (c *Conn) SupportsExtensions() bool { return c.extensions }

// Run reads frames until error or close, posting an Event per message.
// Always posts a final EvClosed. Malformed frames are reported as
// ErrProtocol through EvClosed.Err.
func (c *Conn) Run(ctx context.Context, events chan<- Event) {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	var loopErr error
	for {
		c.conn.SetReadDeadline(time.Now().Add(keepAliveTimeout))
		msg, err := ReadMessage(c.conn)
		if err != nil {
			loopErr = err
			break
		}
		if msg == nil {
			continue // keep-alive
		}
		ev, err := c.eventFor(msg)
		if err != nil {
			loopErr = err
			break
		}
		if ev == nil {
			continue // tolerated unknown message
		}
		select {
		case events <- *ev:
		case <-ctx.Done():
			loopErr = ctx.Err()
			break
		}
		if loopErr != nil {
			break
		}
	}
	c.Close()
	select {
	case events <- Event{Conn: c, Type: EvClosed, Err: loopErr}:
	case <-ctx.Done():
	}
}

func (c *Conn) eventFor(msg *Message) (*Event, error) {
	ev := &Event{Conn: c}
	switch msg.ID {
	case Choke:
		ev.Type = EvChoke
	case Unchoke:
		ev.Type = EvUnchoke
	case Interested:
		ev.Type = EvInterested
	case NotInterested:
		ev.Type = EvNotInterested
	case Have:
		index, err := ParseHave(msg)
		if err != nil {
			return nil, err
		}
		ev.Type = EvHave
		ev.Index = index
	case Bitfield:
		ev.Type = EvBitfield
		ev.Bitfield = msg.Payload
	case Request, Cancel:
		index, begin, length, err := ParseRequest(msg)
		if err != nil {
			return nil, err
		}
		if msg.ID == Request {
			ev.Type = EvRequest
		} else {
			ev.Type = EvCancel
		}
		ev.Index, ev.Begin, ev.Length = index, begin, length
	case Piece:
		index, begin, block, err := ParsePiece(msg)
		if err != nil {
			return nil, err
		}
		ev.Type = EvPiece
		ev.Index, ev.Begin, ev.Block = index, begin, block
	case Extended:
		extID, payload, err := ParseExtended(msg)
		if err != nil {
			return nil, err
		}
		ev.Type = EvExtended
		ev.ExtID = extID
		ev.ExtPayload = payload
	default:
		// unknown ids are ignored for forward compatibility
		return nil, nil
	}
	return ev, nil
}

func (c *Conn) send(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := c.conn.Write(msg.Serialize())
	if err == nil {
		c.lastSend = time.Now()
	}
	return err
}

func (c *Conn) SendInterested() error    { return c.send(&Message{ID: Interested}) }
func (c *Conn) SendNotInterested() error { return c.send(&Message{ID: NotInterested}) }
func (c *Conn) SendChoke() error         { return c.send(&Message{ID: Choke}) }
func (c *Conn) SendUnchoke() error       { return c.send(&Message{ID: Unchoke}) }

func (c *Conn) SendBitfield(bf []byte) error {
	return c.send(&Message{ID: Bitfield, Payload: bf})
}

func (c *Conn) SendHave(index int) error { return c.send(FormatHave(index)) }

func (c *Conn) SendRequest(index, begin, length int) error {
	return c.send(FormatRequest(index, begin, length))
}

func (c *Conn) SendCancel(index, begin, length int) error {
	return c.send(FormatCancel(index, begin, length))
}

func (c *Conn) SendPiece(index, begin int, block []byte) error {
	return c.send(FormatPiece(index, begin, block))
}

func (c *Conn) SendExtended(msg *Message) error { return c.send(msg) }

// SendKeepAliveIfIdle writes a keep-alive when nothing has been sent for
// KeepAliveInterval.
func (c *Conn) SendKeepAliveIfIdle() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if time.Since(c.lastSend) < KeepAliveInterval {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := c.conn.Write((*Message)(nil).Serialize())
	if err == nil {
		c.lastSend = time.Now()
	}
	return err
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
