package broadcaster

import (
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := New(nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	url := fmt.Sprintf("ws://127.0.0.1:%d/stream", s.Port())
	return s, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestSubscribeInvokesHandlerAndSendSamplesDelivers is spec.md §4.F's core
// path: a client SUBSCRIBEs, the handler binds a name to the resulting
// handle, and SendSamples on that handle reaches the client as one binary
// frame of little-endian int16 samples.
func TestSubscribeInvokesHandlerAndSendSamplesDelivers(t *testing.T) {
	s, url := startTestServer(t)

	subscribed := make(chan Handle, 1)
	names := make(chan string, 1)
	s.SetSubscribeHandler(func(h Handle, name string) {
		subscribed <- h
		names <- name
	})

	conn := dial(t, url)
	if err := conn.WriteJSON(subscribeMessage{Type: "SUBSCRIBE", Name: "kitchen"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var h Handle
	select {
	case h = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe handler never invoked")
	}
	if got := <-names; got != "kitchen" {
		t.Fatalf("expected name 'kitchen', got %q", got)
	}

	pcm := []int16{1, -2, 3, -4}
	if err := s.SendSamples(h, pcm); err != nil {
		t.Fatalf("SendSamples: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected a binary frame, got type %d", messageType)
	}
	got := decodePCM(data)
	if len(got) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(got))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, pcm[i], got[i])
		}
	}
}

// TestSendSamplesOnStaleHandleErrors covers the Handle-outlives-connection
// case: once a client disconnects, its handle must stop resolving instead
// of silently delivering to a freed connection.
func TestSendSamplesOnStaleHandleErrors(t *testing.T) {
	s, url := startTestServer(t)

	subscribed := make(chan Handle, 1)
	s.SetSubscribeHandler(func(h Handle, name string) { subscribed <- h })

	conn := dial(t, url)
	conn.WriteJSON(subscribeMessage{Type: "SUBSCRIBE", Name: "kitchen"})

	var h Handle
	select {
	case h = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe handler never invoked")
	}

	conn.Close()
	// Give the server's read loop a moment to observe the close and forget
	// the handle.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := s.SendSamples(h, []int16{1}); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected SendSamples on a closed connection's handle to eventually error")
}

// TestBackpressureDropsRatherThanBlocks covers spec.md §4.F's explicit
// permission to drop PCM frames under backpressure: flooding a connection
// with far more frames than its queue depth must not block the caller.
func TestBackpressureDropsRatherThanBlocks(t *testing.T) {
	s, url := startTestServer(t)

	subscribed := make(chan Handle, 1)
	s.SetSubscribeHandler(func(h Handle, name string) { subscribed <- h })

	conn := dial(t, url)
	conn.WriteJSON(subscribeMessage{Type: "SUBSCRIBE", Name: "kitchen"})

	var h Handle
	select {
	case h = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe handler never invoked")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendQueueDepth*4; i++ {
			s.SendSamples(h, []int16{int16(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendSamples blocked under backpressure instead of dropping")
	}
}

func decodePCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
