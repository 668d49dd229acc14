package broadcaster

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// sendQueueDepth bounds how many pending PCM frames a slow client can
// accumulate before new frames are dropped. PCM is realtime per spec.md
// §4.F; a client this far behind will never catch up, so dropping is
// preferable to unbounded growth.
const sendQueueDepth = 64

type subscribeMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// connection is one subscribed client. It owns the single goroutine
// permitted to write to ws (gorilla/websocket forbids concurrent writers),
// draining a bounded queue so SendSamples never blocks its caller.
type connection struct {
	logger *slog.Logger
	ws     *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConnection(logger *slog.Logger, ws *websocket.Conn) *connection {
	return &connection{
		logger: logger,
		ws:     ws,
		send:   make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
}

// enqueue posts a frame for delivery, dropping it silently if the queue is
// full rather than blocking the capture pipeline.
func (c *connection) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Debug("dropping PCM frame under backpressure")
	}
}

func (c *connection) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				if !isBadConnection(err) {
					c.logger.Warn("websocket send failed", "err", err)
				}
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// parseSubscribe decodes a text control frame as spec.md §4.F's
// {type: SUBSCRIBE, name} message.
func parseSubscribe(data []byte) (name string, ok bool) {
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", false
	}
	if msg.Type != "SUBSCRIBE" || msg.Name == "" {
		return "", false
	}
	return msg.Name, true
}

// encodePCM serialises pcm as little-endian int16 samples, one binary frame
// per call per spec.md §4.F.
func encodePCM(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// isBadConnection reports whether err is the ordinary "the client went
// away" family of errors, which spec.md §4.F says should not be logged
// (unlike any other send failure).
func isBadConnection(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}
