package castprotocol

import (
	"encoding/json"
	"errors"
	"log/slog"
)

// AppChannel is the ("app-controller-0", transportId) LogicalChannel
// opened after a successful LAUNCH: spec.md §4.E step 4-5, application
// control via START_STREAM.
type AppChannel struct {
	*LogicalChannel
	requestTracker

	logger *slog.Logger
}

// NewAppChannel constructs and registers the app LogicalChannel on cs,
// addressed to transportID.
func NewAppChannel(logger *slog.Logger, cs *ChannelSet, localName, transportID string) *AppChannel {
	if logger == nil {
		logger = slog.Default()
	}
	lc := newLogicalChannel(logger, cs.channel, localName, transportID)

	ac := &AppChannel{LogicalChannel: lc, logger: logger}
	ac.requestTracker.init()

	lc.on(NamespaceConnection, ac.handleConnection)
	lc.on(NamespaceWSApp, ac.handleAppReply)

	cs.register(lc)
	return ac
}

// Start sends the virtual-CONNECT this channel needs before any
// application request will be honoured.
func (ac *AppChannel) Start() {
	ac.send(NamespaceConnection, connectionMessage{Type: "CONNECT"})
}

func (ac *AppChannel) handleConnection(raw json.RawMessage) {
	var msg connectionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		ac.logger.Warn("malformed tp.connection message", "err", err)
		return
	}
	if msg.Type == "CLOSE" {
		ac.logger.Warn("received virtual CLOSE from app transport")
	}
}

func (ac *AppChannel) handleAppReply(raw json.RawMessage) {
	var reply appReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		ac.logger.Warn("malformed app reply", "err", err)
		return
	}
	if !ac.requestTracker.resolve(reply.RequestID, raw) {
		ac.logger.Warn("app reply for unknown requestId", "requestId", reply.RequestID)
	}
}

// ErrAppRequestFailed wraps an ERROR reply's message.
var ErrAppRequestFailed = errors.New("application request failed")

// StartStream sends START_STREAM{addresses, deviceName} and calls done
// once the application replies OK or ERROR, spec.md §4.E step 5 and
// §4.E's reply classification rule.
func (ac *AppChannel) StartStream(addresses []string, deviceName string, done func(data json.RawMessage, err error)) {
	id := ac.requestTracker.newRequest(func(raw json.RawMessage) {
		var reply appReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			done(nil, err)
			return
		}
		switch reply.Type {
		case "OK":
			done(reply.Data, nil)
		case "ERROR":
			msg := reply.Message
			if msg == "" {
				msg = ErrAppRequestFailed.Error()
			}
			done(nil, errors.New(msg))
		default:
			ac.logger.Warn("unexpected app reply type, ignoring", "type", reply.Type)
		}
	})
	ac.send(NamespaceWSApp, startStreamRequest{
		Type:       "START_STREAM",
		RequestID:  id,
		Addresses:  addresses,
		DeviceName: deviceName,
	})
}
