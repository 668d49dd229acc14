package castchannel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jnorton/castbridge/internal/strand"
)

// State is a Channel's connection lifecycle stage, spec.md §4.D.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosingTLS
	StateClosingTCP
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosingTLS:
		return "CLOSING_TLS"
	case StateClosingTCP:
		return "CLOSING_TCP"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectedHandler fires true once the handshake completes, and at most
// once more with false when the channel subsequently leaves OPEN via a
// normal peer close. spec.md §4.D: on_connected(false) fires exactly iff
// on_connected(true) fired previously and the channel is leaving OPEN; it
// is mutually exclusive with OnError.
type ConnectedHandler func(connected bool)

// OnMessage fires for every frame read off the wire.
type OnMessage func(Envelope)

// OnError fires on a fatal channel error: dial failure, handshake
// failure, an oversized frame, or a non-EOF read/write error. Never fired
// alongside ConnectedHandler(false) for the same close.
type OnError func(error)

// Channel is one TLS connection to a Chromecast receiver. Callback
// dispatch happens on its own strand so a single channel never re-enters
// its own handlers concurrently; writes are serialized through writeQueue
// so only one frame is ever in flight on the wire at a time.
type Channel struct {
	logger *slog.Logger
	strand *strand.Strand

	addr string

	connectTimeout time.Duration

	onConnected ConnectedHandler
	onMessage   OnMessage
	onError     OnError

	mu          sync.Mutex
	state       State
	conn        *tls.Conn
	terminating bool

	writeQueue chan Envelope
	closed     chan struct{}
}

// New constructs a Channel targeting addr ("host:port"). Connect must be
// called to actually dial.
func New(logger *slog.Logger, addr string, connectTimeout time.Duration) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		logger:         logger.With("remote", addr),
		strand:         strand.New(logger),
		addr:           addr,
		connectTimeout: connectTimeout,
		state:          StateInit,
		writeQueue:     make(chan Envelope, 16),
		closed:         make(chan struct{}),
	}
}

func (c *Channel) SetOnConnected(h ConnectedHandler) { c.onConnected = h }
func (c *Channel) SetOnMessage(h OnMessage)          { c.onMessage = h }
func (c *Channel) SetOnError(h OnError)              { c.onError = h }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}

// Connect dials addr, enabling TCP_NODELAY before the TLS handshake
// (spec.md §4.D: Nagle's algorithm adds unacceptable latency to small,
// latency-sensitive frames), performs the handshake with certificate
// verification disabled (every Chromecast receiver presents a
// self-signed certificate; this is in scope and expected, not an
// oversight), and starts the read loop and write pump.
func (c *Channel) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: c.connectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.terminal()
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.setState(StateHandshaking)

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	handshakeCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		raw.Close()
		c.terminal()
		return fmt.Errorf("tls handshake with %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop(tlsConn)
	go c.writePump(tlsConn)

	if c.onConnected != nil {
		c.strand.Post(func() { c.onConnected(true) })
	}
	return nil
}

// Send enqueues e for transmission. Safe to call from any goroutine;
// frames are written in the order Send is called. Silently dropped once
// the channel has begun closing.
func (c *Channel) Send(e Envelope) {
	select {
	case c.writeQueue <- e:
	case <-c.closed:
	}
}

func (c *Channel) writePump(conn *tls.Conn) {
	for {
		select {
		case e := <-c.writeQueue:
			if err := writeFrame(conn, e); err != nil {
				c.reportFatal(fmt.Errorf("write frame to %s: %w", c.addr, err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) readLoop(conn *tls.Conn) {
	for {
		e, err := readFrame(conn)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}

			if isPeerClose(err) {
				c.closeNormally()
			} else {
				c.reportFatal(fmt.Errorf("read frame from %s: %w", c.addr, err))
			}
			return
		}

		env := e
		c.strand.Post(func() {
			if c.onMessage != nil {
				c.onMessage(env)
			}
		})
	}
}

// isPeerClose reports whether err represents an ordinary peer
// disconnect (TCP EOF or a truncated TLS record) rather than a genuine
// protocol or transport fault, spec.md §4.D's "distinguishing shutdown
// kinds" rule.
func isPeerClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// closeNormally is the peer-initiated-close path: fires
// ConnectedHandler(false) (never OnError) and tears the transport down.
// Posting the callback before closing the strand guarantees it still
// runs: Strand.Post only fails to enqueue once Close has already
// happened, and that call comes after this Post returns.
func (c *Channel) closeNormally() {
	wasOpen := c.terminal()

	if wasOpen && c.onConnected != nil {
		c.strand.Post(func() { c.onConnected(false) })
	}
	c.strand.Close()
}

// reportFatal is the error path: fires OnError (never
// ConnectedHandler(false)) and tears the transport down.
func (c *Channel) reportFatal(err error) {
	c.terminal()
	if c.onError != nil {
		c.strand.Post(func() { c.onError(err) })
	}
	c.strand.Close()
}

// terminal drives the close-state sequence and releases the socket.
// Idempotent: only the first caller actually tears anything down.
// Reports whether the channel was OPEN at the moment of closing.
func (c *Channel) terminal() bool {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return false
	}
	c.terminating = true
	wasOpen := c.state == StateOpen
	conn := c.conn
	if wasOpen {
		c.state = StateClosingTLS
	}
	c.mu.Unlock()

	close(c.closed)

	if conn != nil {
		conn.Close()
	}

	c.setState(StateClosingTCP)
	c.setState(StateClosed)

	return wasOpen
}

// Close is the local-initiated stop() path. Collapses to the shortest
// valid close path for whatever state the channel is currently in, and
// never itself fires ConnectedHandler(false) or OnError: those describe
// remote-initiated or faulted closes only.
func (c *Channel) Close() {
	c.terminal()
	c.strand.Close()
}
