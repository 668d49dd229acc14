package castprotocol

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/jnorton/castbridge/internal/castchannel"
)

func selfSignedListener(t *testing.T) net.Listener {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "chromecast-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// TestLaunchAndStreamScenario is spec.md §8 scenario S4: a mocked receiver
// replies to LAUNCH with RECEIVER_STATUS carrying a transportId/sessionId,
// which must produce a second virtual-CONNECT addressed to that
// transportId, followed by a START_STREAM carrying the given addresses and
// device name; the mock's OK reply must resolve StartStream and no further
// traffic should follow.
func TestLaunchAndStreamScenario(t *testing.T) {
	ln := selfSignedListener(t)
	defer ln.Close()

	serverFrames := make(chan castchannel.Envelope, 16)
	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serverConnCh <- conn
		for {
			e, err := castchannel.ReadFrame(conn)
			if err != nil {
				return
			}
			serverFrames <- e
		}
	}()

	ch := castchannel.New(nil, ln.Addr().String(), 2*time.Second)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	var serverConn net.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}

	cs := NewChannelSet(nil, ch)
	main := NewMainChannel(nil, cs, "sender-0", "receiver-0", 0)
	main.Start()
	defer main.Stop()

	// step 2: virtual-CONNECT on (sender-0, receiver-0)
	expectFrame(t, serverFrames, func(e castchannel.Envelope) {
		if e.Namespace != NamespaceConnection || e.SourceID != "sender-0" || e.DestinationID != "receiver-0" {
			t.Fatalf("expected virtual-CONNECT from sender-0 to receiver-0, got %+v", e)
		}
	})

	launchResult := make(chan LaunchResult, 1)
	launchErr := make(chan error, 1)
	main.Launch("B3419EF5", func(r LaunchResult, err error) {
		if err != nil {
			launchErr <- err
			return
		}
		launchResult <- r
	})

	var launchRequestID int
	expectFrame(t, serverFrames, func(e castchannel.Envelope) {
		if e.Namespace != NamespaceReceiver {
			t.Fatalf("expected LAUNCH on receiver namespace, got %+v", e)
		}
		var req launchRequest
		if err := json.Unmarshal([]byte(e.PayloadUTF8), &req); err != nil {
			t.Fatalf("unmarshal LAUNCH: %v", err)
		}
		if req.Type != "LAUNCH" || req.AppID != "B3419EF5" {
			t.Fatalf("unexpected LAUNCH request: %+v", req)
		}
		launchRequestID = req.RequestID
	})

	status := receiverReply{
		Type:      "RECEIVER_STATUS",
		RequestID: launchRequestID,
		Status: &receiverStatusPayload{
			Applications: []receiverApplication{{TransportID: "T", SessionID: "S"}},
		},
	}
	statusBody, _ := json.Marshal(status)
	castchannel.WriteFrame(serverConn, castchannel.Envelope{
		SourceID:      "receiver-0",
		DestinationID: "sender-0",
		Namespace:     NamespaceReceiver,
		PayloadType:   castchannel.PayloadString,
		PayloadUTF8:   string(statusBody),
	})

	var result LaunchResult
	select {
	case result = <-launchResult:
	case err := <-launchErr:
		t.Fatalf("Launch failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Launch never resolved")
	}
	if result.TransportID != "T" || result.SessionID != "S" {
		t.Fatalf("unexpected launch result: %+v", result)
	}

	app := NewAppChannel(nil, cs, "app-controller-0", result.TransportID)
	app.Start()

	// step 4: virtual-CONNECT on (app-controller-0, T)
	expectFrame(t, serverFrames, func(e castchannel.Envelope) {
		if e.Namespace != NamespaceConnection || e.SourceID != "app-controller-0" || e.DestinationID != "T" {
			t.Fatalf("expected virtual-CONNECT from app-controller-0 to T, got %+v", e)
		}
	})

	streamDone := make(chan error, 1)
	app.StartStream([]string{"ws://192.0.2.5:9001"}, "CC-Kitchen", func(data json.RawMessage, err error) {
		streamDone <- err
	})

	var streamRequestID int
	expectFrame(t, serverFrames, func(e castchannel.Envelope) {
		if e.Namespace != NamespaceWSApp {
			t.Fatalf("expected START_STREAM on wsapp namespace, got %+v", e)
		}
		var req startStreamRequest
		if err := json.Unmarshal([]byte(e.PayloadUTF8), &req); err != nil {
			t.Fatalf("unmarshal START_STREAM: %v", err)
		}
		if req.Type != "START_STREAM" || req.DeviceName != "CC-Kitchen" || len(req.Addresses) != 1 {
			t.Fatalf("unexpected START_STREAM request: %+v", req)
		}
		streamRequestID = req.RequestID
	})

	okBody, _ := json.Marshal(appReply{Type: "OK", RequestID: streamRequestID, Data: json.RawMessage(`{}`)})
	castchannel.WriteFrame(serverConn, castchannel.Envelope{
		SourceID:      "T",
		DestinationID: "app-controller-0",
		Namespace:     NamespaceWSApp,
		PayloadType:   castchannel.PayloadString,
		PayloadUTF8:   string(okBody),
	})

	select {
	case err := <-streamDone:
		if err != nil {
			t.Fatalf("StartStream resolved with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartStream never resolved")
	}

	// No further traffic should follow until activation changes: give the
	// heartbeat loop no chance to fire within this window and confirm
	// nothing unexpected arrives.
	select {
	case e := <-serverFrames:
		t.Fatalf("unexpected additional traffic: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectFrame(t *testing.T, frames <-chan castchannel.Envelope, check func(castchannel.Envelope)) {
	t.Helper()
	select {
	case e := <-frames:
		check(e)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a frame, got none")
	}
}
