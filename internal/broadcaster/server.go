// Package broadcaster runs the WebSocket server that fans PCM out to
// whatever receiver app is currently streaming from this bridge, spec.md
// §4.F: an ephemeral-port listener, text frames for control (SUBSCRIBE),
// binary frames for PCM, with send failures treated as non-fatal per
// connection.
package broadcaster

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jnorton/castbridge/internal/strand"
)

// Handle is an opaque reference to one subscribed client connection. It
// survives the connection's closure without dangling: SendSamples on a
// stale Handle returns an error instead of touching freed state.
type Handle = strand.WeakHandle[connection]

// SubscribeHandler is invoked once per client SUBSCRIBE message. The
// orchestrator uses name to bind h into the correct per-Chromecast record,
// spec.md §4.F.
type SubscribeHandler func(h Handle, name string)

// Server is a WebSocket server bound to one ephemeral TCP port. Unlike most
// subsystems in this bridge, Server does not route its hot path (PCM
// delivery) through a strand: each connection already serialises its own
// writes, and the handle table is independently thread-safe, so forcing
// every SendSamples call through a single goroutine would only add latency
// for no correctness benefit (the same tradeoff internal/audiosink's
// Manager makes for sample delivery).
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener

	conns *strand.Table[connection]

	onSubscribe SubscribeHandler

	stopOnce sync.Once
}

// shutdownTimeout bounds how long Stop waits for in-flight requests to
// drain before forcing the listener closed.
const shutdownTimeout = 5 * time.Second

// New constructs a Server. Call Start to begin listening. The server's mux
// is built here, not in Start, so other HTTP surfaces (internal statuspage)
// can register routes on it beforehand via Mux.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    strand.NewTable[connection](),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/stream", s.handleWebsocket)
	return s
}

// Mux exposes the server's ServeMux so other HTTP surfaces (internal
// statuspage) can be mounted on the same listener instead of opening a
// second port. Register additional routes before calling Start.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// SetSubscribeHandler registers the SUBSCRIBE callback. Must be called
// before Start.
func (s *Server) SetSubscribeHandler(h SubscribeHandler) { s.onSubscribe = h }

// Start binds bindAddr (port 0 for ephemeral, per spec.md §4.F) and begins
// serving. TCP_NODELAY is set on every accepted connection before any bytes
// are exchanged.
func (s *Server) Start(bindAddr string) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("broadcaster: expected a TCP listener")
	}
	s.listener = &noDelayListener{tcpLn}

	s.httpServer = &http.Server{Handler: s.mux}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("broadcaster http server stopped", "err", err)
		}
	}()

	s.logger.Info("broadcaster listening", "port", s.Port())
	return nil
}

// Port returns the TCP port Start bound, resolved after bind per spec.md
// §4.F.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the listener down via http.Server.Shutdown, waiting up to
// shutdownTimeout for in-flight HTTP requests. Websocket connections that
// were already upgraded are hijacked from net/http and are not closed by
// Stop; each stays open until its client disconnects. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}
	})
}

// SendSamples serialises pcm as one binary frame and enqueues it on h's
// connection. Per spec.md §4.F, under backpressure a frame may be silently
// dropped rather than blocking the caller — PCM is realtime, a dropped
// frame is preferable to stalling the capture pipeline.
func (s *Server) SendSamples(h Handle, pcm []int16) error {
	conn, ok := h.Resolve()
	if !ok {
		return errNoSuchConnection
	}
	conn.enqueue(encodePCM(pcm))
	return nil
}

var errNoSuchConnection = errors.New("broadcaster: connection no longer exists")

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	conn := newConnection(s.logger, ws)
	h := s.conns.Put(conn)
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	go conn.writePump()
	s.readLoop(h, conn)
}

// readLoop owns the connection's single reader, per gorilla/websocket's
// one-reader-per-connection requirement. It runs until the client
// disconnects or sends something unreadable, then tears the connection down
// and forgets its handle.
func (s *Server) readLoop(h Handle, conn *connection) {
	defer func() {
		conn.close()
		s.conns.Delete(h)
	}()

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !isBadConnection(err) {
				s.logger.Warn("websocket read failed", "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		name, ok := parseSubscribe(data)
		if !ok {
			s.logger.Warn("unrecognised control message, ignoring", "body", string(data))
			continue
		}
		if s.onSubscribe != nil {
			s.onSubscribe(h, name)
		}
	}
}

// noDelayListener sets TCP_NODELAY on every accepted connection before it
// is handed to net/http, the same "set immediately, before any handshake or
// read" discipline internal/castchannel.Channel applies on the dial side.
type noDelayListener struct {
	*net.TCPListener
}

func (l *noDelayListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	return conn, nil
}
