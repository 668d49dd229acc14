package castprotocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnorton/castbridge/internal/castchannel"
)

// NamespaceHandler handles one inbound message's JSON payload, already
// sliced out of its envelope.
type NamespaceHandler func(raw json.RawMessage)

// LogicalChannel is a virtual (localName -> remoteName) conversation
// multiplexed, alongside others, over a single castchannel.Channel.
// spec.md §4.E: "(localName, remoteName, namespace handlers)".
type LogicalChannel struct {
	logger     *slog.Logger
	conn       *castchannel.Channel
	localName  string
	remoteName string
	handlers   map[string]NamespaceHandler
}

func newLogicalChannel(logger *slog.Logger, conn *castchannel.Channel, localName, remoteName string) *LogicalChannel {
	return &LogicalChannel{
		logger:     logger,
		conn:       conn,
		localName:  localName,
		remoteName: remoteName,
		handlers:   make(map[string]NamespaceHandler),
	}
}

func (lc *LogicalChannel) on(namespace string, h NamespaceHandler) {
	lc.handlers[namespace] = h
}

func (lc *LogicalChannel) send(namespace string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", namespace, err)
	}
	lc.conn.Send(castchannel.Envelope{
		SourceID:      lc.localName,
		DestinationID: lc.remoteName,
		Namespace:     namespace,
		PayloadType:   castchannel.PayloadString,
		PayloadUTF8:   string(body),
	})
	return nil
}

// matches implements spec.md §4.E's addressing check: an envelope belongs
// to this LogicalChannel if it comes from the peer this channel talks to,
// or is an explicit broadcast.
func (lc *LogicalChannel) matches(e castchannel.Envelope) bool {
	return e.SourceID == lc.remoteName || e.DestinationID == "*"
}

// dispatch implements spec.md §4.E's Dispatch rule, given the caller has
// already established this envelope addresses lc.
func (lc *LogicalChannel) dispatch(e castchannel.Envelope) {
	if e.PayloadType != castchannel.PayloadString {
		lc.logger.Warn("dropping non-string payload", "namespace", e.Namespace)
		return
	}
	handler, ok := lc.handlers[e.Namespace]
	if !ok {
		lc.logger.Warn("no handler registered for namespace, dropping", "namespace", e.Namespace)
		return
	}
	handler(json.RawMessage(e.PayloadUTF8))
}

// ChannelSet multiplexes one or more LogicalChannels over a single
// castchannel.Channel, routing each inbound frame to whichever
// LogicalChannel claims it.
type ChannelSet struct {
	logger  *slog.Logger
	channel *castchannel.Channel

	mu       sync.Mutex
	channels []*LogicalChannel
}

// NewChannelSet wraps channel, taking over its OnMessage handler.
func NewChannelSet(logger *slog.Logger, channel *castchannel.Channel) *ChannelSet {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &ChannelSet{logger: logger, channel: channel}
	channel.SetOnMessage(cs.onMessage)
	return cs
}

func (cs *ChannelSet) register(lc *LogicalChannel) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.channels = append(cs.channels, lc)
}

func (cs *ChannelSet) onMessage(e castchannel.Envelope) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, lc := range cs.channels {
		if lc.matches(e) {
			lc.dispatch(e)
			return
		}
	}
	cs.logger.Warn("no logical channel claims envelope, dropping",
		"source", e.SourceID, "destination", e.DestinationID, "namespace", e.Namespace)
}
