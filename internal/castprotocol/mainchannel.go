package castprotocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultHeartbeatPeriod is spec.md §4.E's PING interval, used when
// NewMainChannel is given a zero period.
const DefaultHeartbeatPeriod = 20 * time.Second

// LaunchResult carries the transport/session identifiers a successful
// LAUNCH returns, spec.md §9 Glossary.
type LaunchResult struct {
	TransportID string
	SessionID   string
}

// ReceiverStatusResult is what GetStatus resolves with.
type ReceiverStatusResult struct {
	Applications []receiverApplication
}

// MainChannel is the ("sender-0", "receiver-0") LogicalChannel: virtual
// connection, heartbeat, and receiver (LAUNCH/GET_STATUS/STOP) control.
// spec.md §4.E's "key orchestrated sequence" steps 1-3.
type MainChannel struct {
	*LogicalChannel
	requestTracker

	logger *slog.Logger

	heartbeatPeriod time.Duration
	stopHeartbeat   chan struct{}
	stopOnce        sync.Once
}

// NewMainChannel constructs and registers the main LogicalChannel on cs.
// heartbeatPeriod is the PING interval (spec.md §4.E); zero selects
// DefaultHeartbeatPeriod.
func NewMainChannel(logger *slog.Logger, cs *ChannelSet, localName, remoteName string, heartbeatPeriod time.Duration) *MainChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = DefaultHeartbeatPeriod
	}
	lc := newLogicalChannel(logger, cs.channel, localName, remoteName)

	mc := &MainChannel{
		LogicalChannel:  lc,
		logger:          logger,
		heartbeatPeriod: heartbeatPeriod,
		stopHeartbeat:   make(chan struct{}),
	}
	mc.requestTracker.init()

	lc.on(NamespaceConnection, mc.handleConnection)
	lc.on(NamespaceHeartbeat, mc.handleHeartbeat)
	lc.on(NamespaceReceiver, mc.handleReceiverReply)

	cs.register(lc)
	return mc
}

// Start sends the virtual-CONNECT and begins the PING timer, spec.md
// §4.E's virtual connection rule.
func (mc *MainChannel) Start() {
	mc.send(NamespaceConnection, connectionMessage{Type: "CONNECT"})
	go mc.heartbeatLoop()
}

// Stop halts the heartbeat timer. The underlying transport's teardown is
// the orchestrator's responsibility, not this channel's.
func (mc *MainChannel) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopHeartbeat) })
}

func (mc *MainChannel) heartbeatLoop() {
	ticker := time.NewTicker(mc.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mc.send(NamespaceHeartbeat, pingPongMessage{Type: "PING"})
		case <-mc.stopHeartbeat:
			return
		}
	}
}

func (mc *MainChannel) handleConnection(raw json.RawMessage) {
	var msg connectionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		mc.logger.Warn("malformed tp.connection message", "err", err)
		return
	}
	if msg.Type == "CLOSE" {
		// spec.md §4.E: ignored with a warning; channel D surfaces the
		// disconnect independently via its own on_connected(false)/on_error.
		mc.logger.Warn("received virtual CLOSE from receiver")
	}
}

func (mc *MainChannel) handleHeartbeat(raw json.RawMessage) {
	var msg pingPongMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		mc.logger.Warn("malformed heartbeat message", "err", err)
		return
	}
	if msg.Type == "PING" {
		mc.send(NamespaceHeartbeat, pingPongMessage{Type: "PONG"})
	}
}

func (mc *MainChannel) handleReceiverReply(raw json.RawMessage) {
	var reply receiverReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		mc.logger.Warn("malformed receiver reply", "err", err)
		return
	}
	if !mc.requestTracker.resolve(reply.RequestID, raw) {
		mc.logger.Warn("receiver reply for unknown requestId", "requestId", reply.RequestID)
	}
}

// Launch sends LAUNCH{appId} and calls done once RECEIVER_STATUS or
// LAUNCH_ERROR arrives.
func (mc *MainChannel) Launch(appID string, done func(LaunchResult, error)) {
	id := mc.requestTracker.newRequest(func(raw json.RawMessage) {
		var reply receiverReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			done(LaunchResult{}, err)
			return
		}
		if reply.Type == "LAUNCH_ERROR" || reply.Status == nil || len(reply.Status.Applications) == 0 {
			done(LaunchResult{}, &receiverError{reason: reply.Reason})
			return
		}
		app := reply.Status.Applications[0]
		done(LaunchResult{TransportID: app.TransportID, SessionID: app.SessionID}, nil)
	})
	mc.send(NamespaceReceiver, launchRequest{Type: "LAUNCH", AppID: appID, RequestID: id})
}

// GetStatus sends GET_STATUS and calls done with the receiver's current
// application list.
func (mc *MainChannel) GetStatus(done func(ReceiverStatusResult, error)) {
	id := mc.requestTracker.newRequest(func(raw json.RawMessage) {
		var reply receiverReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			done(ReceiverStatusResult{}, err)
			return
		}
		if reply.Status == nil {
			done(ReceiverStatusResult{}, &receiverError{reason: reply.Reason})
			return
		}
		done(ReceiverStatusResult{Applications: reply.Status.Applications}, nil)
	})
	mc.send(NamespaceReceiver, getStatusRequest{Type: "GET_STATUS", RequestID: id})
}

// StopSession sends STOP{sessionId} and calls done once the receiver
// replies.
func (mc *MainChannel) StopSession(sessionID string, done func(error)) {
	id := mc.requestTracker.newRequest(func(raw json.RawMessage) {
		var reply receiverReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			done(err)
			return
		}
		if reply.Type == "LAUNCH_ERROR" {
			done(&receiverError{reason: reply.Reason})
			return
		}
		done(nil)
	})
	mc.send(NamespaceReceiver, stopRequest{Type: "STOP", SessionID: sessionID, RequestID: id})
}

type receiverError struct{ reason string }

func (e *receiverError) Error() string {
	if e.reason == "" {
		return "receiver rejected request"
	}
	return "receiver rejected request: " + e.reason
}
