package orchestrator

import (
	"sync"
	"time"

	"github.com/jnorton/castbridge/internal/audiosink"
	"github.com/jnorton/castbridge/internal/broadcaster"
	"github.com/jnorton/castbridge/internal/castchannel"
	"github.com/jnorton/castbridge/internal/castprotocol"
	"github.com/jnorton/castbridge/internal/discovery"
)

// deviceState is one Chromecast's lifecycle stage, spec.md §4.G:
// DISCOVERED -> SINK_PENDING -> IDLE <-> ACTIVE(launching -> streaming) -> TORN_DOWN.
type deviceState int

const (
	stateDiscovered deviceState = iota
	stateSinkPending
	stateIdle
	stateLaunching
	stateStreaming
	stateTornDown
)

func (s deviceState) String() string {
	switch s {
	case stateDiscovered:
		return "DISCOVERED"
	case stateSinkPending:
		return "SINK_PENDING"
	case stateIdle:
		return "IDLE"
	case stateLaunching:
		return "LAUNCHING"
	case stateStreaming:
		return "STREAMING"
	case stateTornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// device is the orchestrator's per-Chromecast record. All fields except
// wsHandle/wsHandleSet are only ever touched from the orchestrator's
// strand; the websocket handle has its own dedicated mutex because it is
// also written from the broadcaster's goroutines and read from the
// audio-server's capture callback, per spec.md §5's "shared-resource
// policy" (the samples-delivery handle is the one piece of state allowed
// its own lock instead of strand confinement).
type device struct {
	name        string
	displayName string
	endpoint    discovery.Endpoint

	state     deviceState
	activated bool

	sinkHandle audiosink.Handle

	channel     *castchannel.Channel
	channelSet  *castprotocol.ChannelSet
	mainChannel *castprotocol.MainChannel
	appChannel  *castprotocol.AppChannel
	transportID string
	sessionID   string

	reconnectTimer *time.Timer

	wsMu        sync.Mutex
	wsHandle    broadcaster.Handle
	wsHandleSet bool
}

func (d *device) setWebsocketHandle(h broadcaster.Handle) {
	d.wsMu.Lock()
	defer d.wsMu.Unlock()
	d.wsHandle = h
	d.wsHandleSet = true
}

func (d *device) currentWebsocketHandle() (broadcaster.Handle, bool) {
	d.wsMu.Lock()
	defer d.wsMu.Unlock()
	return d.wsHandle, d.wsHandleSet
}
