// Package orchestrator wires discovery, audiosink, castchannel,
// castprotocol, and broadcaster together into the per-Chromecast state
// machine spec.md §4.G describes: DISCOVERED -> SINK_PENDING -> IDLE <->
// ACTIVE(launching -> streaming) -> TORN_DOWN.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jnorton/castbridge/internal/audiosink"
	"github.com/jnorton/castbridge/internal/broadcaster"
	"github.com/jnorton/castbridge/internal/castchannel"
	"github.com/jnorton/castbridge/internal/castprotocol"
	"github.com/jnorton/castbridge/internal/discovery"
	"github.com/jnorton/castbridge/internal/netutil"
	"github.com/jnorton/castbridge/internal/strand"
)

// SinkManager is the subset of *audiosink.Manager the orchestrator drives.
// Narrowed to an interface so tests can substitute a fake PulseAudio
// backend, the same isolation internal/audiosink applies to the real
// protocol client behind pulseConn.
type SinkManager interface {
	StartSink(displayName string) (audiosink.Handle, error)
	StopSink(h audiosink.Handle)
	SetHandlers(h audiosink.Handle, onSamples audiosink.SamplesHandler, onActivation audiosink.ActivationHandler, onVolume audiosink.VolumeHandler)
}

// Broadcaster is the subset of *broadcaster.Server the orchestrator drives.
type Broadcaster interface {
	SetSubscribeHandler(h broadcaster.SubscribeHandler)
	SendSamples(h broadcaster.Handle, pcm []int16) error
}

var (
	_ SinkManager = (*audiosink.Manager)(nil)
	_ Broadcaster = (*broadcaster.Server)(nil)
)

// ErrorHandler receives errors classified as user-visible per spec.md §7's
// taxonomy (resource acquisition, assertion violation); transient and
// protocol errors are logged internally and never reach it.
type ErrorHandler func(error)

// Orchestrator owns the per-device record table, spec.md §4.*'s
// "Orchestrator strand — per-device record table, cross-subsystem
// routing". All device bookkeeping and every cross-subsystem callback
// this package registers is posted onto orchestrator.strand; the lone
// exception is PCM delivery, which per spec.md §4.G's "small lock"
// language bypasses the strand entirely for latency.
type Orchestrator struct {
	logger *slog.Logger
	strand *strand.Strand

	sinkMgr     SinkManager
	broadcaster Broadcaster

	appID            string
	connectTimeout   time.Duration
	reconnectBackoff time.Duration
	heartbeatPeriod  time.Duration
	wsPort           int

	devices map[string]*device

	onError ErrorHandler

	stopOnce sync.Once
}

// Config bundles the orchestrator's tunables, all sourced from
// internal/config.
type Config struct {
	ChromecastAppID  string
	ConnectTimeout   time.Duration
	ReconnectBackoff time.Duration
	HeartbeatPeriod  time.Duration
	BroadcasterPort  int
}

// New constructs an Orchestrator. Wire DiscoveryHandler into a discovery
// adapter to begin consuming discovery events.
func New(logger *slog.Logger, sinkMgr SinkManager, bc Broadcaster, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		logger:           logger,
		strand:           strand.New(logger),
		sinkMgr:          sinkMgr,
		broadcaster:      bc,
		appID:            cfg.ChromecastAppID,
		connectTimeout:   cfg.ConnectTimeout,
		reconnectBackoff: cfg.ReconnectBackoff,
		heartbeatPeriod:  cfg.HeartbeatPeriod,
		wsPort:           cfg.BroadcasterPort,
		devices:          make(map[string]*device),
	}
	o.broadcaster.SetSubscribeHandler(func(h broadcaster.Handle, name string) {
		o.strand.Post(func() { o.handleSubscribe(h, name) })
	})
	return o
}

// SetErrorHandler registers the top-level error handler, spec.md §7's
// propagation policy: fires at most once per fatal condition, and a nil
// handler means a fatal error panics instead of being swallowed.
func (o *Orchestrator) SetErrorHandler(h ErrorHandler) { o.onError = h }

// DiscoveryHandler returns the discovery.UpdateHandler this orchestrator
// should be wired to.
func (o *Orchestrator) DiscoveryHandler() discovery.UpdateHandler {
	return func(kind discovery.EventKind, instance *discovery.ServiceInstance) {
		o.strand.Post(func() { o.handleDiscoveryEvent(kind, instance) })
	}
}

// Stop tears down every device's subgraph. Idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		done := make(chan struct{})
		o.strand.Post(func() {
			for name, dev := range o.devices {
				o.teardownDevice(dev)
				delete(o.devices, name)
			}
			close(done)
		})
		<-done
		o.strand.Close()
	})
}

// DeviceSnapshot is a read-only view of one device record, used by
// internal/statuspage to report the bridge's current state.
type DeviceSnapshot struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	State       string `json:"state"`
	Activated   bool   `json:"activated"`
	TransportID string `json:"transportId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// Snapshot returns the current state of every known device. Safe to call
// from any goroutine; it round-trips through the orchestrator's strand so
// the result never observes a record mid-mutation.
func (o *Orchestrator) Snapshot() []DeviceSnapshot {
	done := make(chan []DeviceSnapshot, 1)
	o.strand.Post(func() {
		out := make([]DeviceSnapshot, 0, len(o.devices))
		for _, dev := range o.devices {
			out = append(out, DeviceSnapshot{
				Name:        dev.name,
				DisplayName: dev.displayName,
				State:       dev.state.String(),
				Activated:   dev.activated,
				TransportID: dev.transportID,
				SessionID:   dev.sessionID,
			})
		}
		done <- out
	})
	return <-done
}

func (o *Orchestrator) handleDiscoveryEvent(kind discovery.EventKind, instance *discovery.ServiceInstance) {
	switch kind {
	case discovery.EventNew:
		o.handleDiscoveryNew(instance)
	case discovery.EventUpdate:
		o.handleDiscoveryUpdate(instance)
	case discovery.EventRemove:
		o.handleDiscoveryRemove(instance.Name)
	}
}

// handleDiscoveryNew implements spec.md §4.G's "Discovery NEW(info) →
// create Sink (C), register activation/volume/samples callbacks → IDLE."
func (o *Orchestrator) handleDiscoveryNew(instance *discovery.ServiceInstance) {
	if _, exists := o.devices[instance.Name]; exists {
		o.handleDiscoveryUpdate(instance)
		return
	}
	endpoints := instance.EndpointList()
	if len(endpoints) == 0 {
		o.logger.Warn("discovered instance with no endpoints yet, ignoring", "name", instance.Name)
		return
	}

	dev := &device{
		name:        instance.Name,
		displayName: instance.DisplayName(),
		// spec.md §9 open question: "the orchestrator uses 'the first'
		// endpoint (ordering unspecified by the source)" — we take
		// EndpointList()[0]; handleDiscoveryUpdate re-takes it on each
		// UPDATE, and the cached value is only used at the next dial.
		endpoint: endpoints[0],
		state:    stateSinkPending,
	}
	o.devices[dev.name] = dev

	h, err := o.sinkMgr.StartSink(dev.displayName)
	if err != nil {
		o.logger.Error("failed to start sink, abandoning device", "device", dev.name, "err", err)
		delete(o.devices, dev.name)
		o.reportFatal(fmt.Errorf("start sink for %q: %w", dev.name, err))
		return
	}
	dev.sinkHandle = h

	o.sinkMgr.SetHandlers(h,
		func(pcm []int16) { o.deliverSamples(dev, pcm) },
		func(activated bool) { o.strand.Post(func() { o.handleActivation(dev, activated) }) },
		nil,
	)
	dev.state = stateIdle
}

// handleDiscoveryUpdate refreshes a live device's cached fields. Endpoint
// changes only take effect on the next channel D dial; a live connection
// is not disturbed by a TXT/endpoint update.
func (o *Orchestrator) handleDiscoveryUpdate(instance *discovery.ServiceInstance) {
	dev, ok := o.devices[instance.Name]
	if !ok {
		o.handleDiscoveryNew(instance)
		return
	}
	dev.displayName = instance.DisplayName()
	if endpoints := instance.EndpointList(); len(endpoints) > 0 {
		dev.endpoint = endpoints[0]
	}
}

// handleDiscoveryRemove implements spec.md §4.G's "Discovery REMOVE → stop
// channel D, drop sink handle, erase record."
func (o *Orchestrator) handleDiscoveryRemove(name string) {
	dev, ok := o.devices[name]
	if !ok {
		return
	}
	o.teardownDevice(dev)
	delete(o.devices, name)
}

func (o *Orchestrator) teardownDevice(dev *device) {
	o.cancelReconnect(dev)
	o.closeChannel(dev)
	o.sinkMgr.StopSink(dev.sinkHandle)
	dev.state = stateTornDown
}

// handleSubscribe binds a broadcaster connection to the device whose
// service name matches, spec.md §4.F/§6: the SUBSCRIBE message names "the
// chromecast service name".
func (o *Orchestrator) handleSubscribe(h broadcaster.Handle, name string) {
	dev, ok := o.devices[name]
	if !ok {
		o.logger.Warn("subscribe for unknown device", "name", name)
		return
	}
	dev.setWebsocketHandle(h)
}

// deliverSamples is spec.md §4.G's PCM path: "The samples callback is set
// on the sink under a small lock protecting the current websocket handle.
// On each buffer, if a handle is set, send_samples is called." It
// deliberately bypasses the orchestrator's strand — PCM is realtime and
// the device's websocket handle has its own dedicated mutex for exactly
// this reason.
func (o *Orchestrator) deliverSamples(dev *device, pcm []int16) {
	h, ok := dev.currentWebsocketHandle()
	if !ok {
		return
	}
	if err := o.broadcaster.SendSamples(h, pcm); err != nil {
		o.logger.Debug("send_samples failed", "device", dev.name, "err", err)
	}
}

// handleActivation implements spec.md §4.G's Activation(true)/Activation(false)
// transitions.
func (o *Orchestrator) handleActivation(dev *device, activated bool) {
	if dev.state == stateTornDown {
		return
	}
	dev.activated = activated

	if activated {
		if dev.state == stateIdle {
			o.beginActive(dev)
		}
		return
	}

	o.cancelReconnect(dev)
	if dev.state == stateLaunching || dev.state == stateStreaming {
		o.closeChannel(dev)
		dev.state = stateIdle
	}
}

// beginActive opens channel D and starts the virtual-connection handshake,
// spec.md §4.G: "open channel D, run virtual-connection, send LAUNCH ->
// launching."
func (o *Orchestrator) beginActive(dev *device) {
	dev.state = stateLaunching

	ch := castchannel.New(o.logger, dev.endpoint.String(), o.connectTimeout)
	dev.channel = ch
	ch.SetOnConnected(func(ok bool) {
		o.strand.Post(func() { o.handleChannelConnected(dev, ok) })
	})
	ch.SetOnError(func(err error) {
		o.strand.Post(func() { o.handleChannelFailure(dev, err) })
	})

	go func() {
		if err := ch.Connect(context.Background()); err != nil {
			o.strand.Post(func() { o.handleChannelFailure(dev, err) })
		}
	}()
}

func (o *Orchestrator) handleChannelConnected(dev *device, ok bool) {
	if dev.state == stateTornDown {
		return
	}
	if !ok {
		// A prior on_connected(true) just collapsed to false: normal
		// peer/TLS teardown, spec.md §8 scenario S5.
		o.handleChannelFailure(dev, nil)
		return
	}

	dev.channelSet = castprotocol.NewChannelSet(o.logger, dev.channel)
	dev.mainChannel = castprotocol.NewMainChannel(o.logger, dev.channelSet, "sender-0", "receiver-0", o.heartbeatPeriod)
	dev.mainChannel.Start()
	dev.mainChannel.Launch(o.appID, func(result castprotocol.LaunchResult, err error) {
		o.strand.Post(func() { o.handleLaunchResult(dev, result, err) })
	})
}

func (o *Orchestrator) handleLaunchResult(dev *device, result castprotocol.LaunchResult, err error) {
	if dev.state != stateLaunching {
		return
	}
	if err != nil {
		o.logger.Warn("LAUNCH failed", "device", dev.name, "err", err)
		o.handleChannelFailure(dev, err)
		return
	}

	dev.transportID = result.TransportID
	dev.sessionID = result.SessionID

	dev.appChannel = castprotocol.NewAppChannel(o.logger, dev.channelSet, "app-controller-0", dev.transportID)
	dev.appChannel.Start()

	addrs, err := netutil.NonLoopbackIPv4Addrs()
	if err != nil {
		o.logger.Warn("could not enumerate local addresses", "device", dev.name, "err", err)
	}
	addresses := make([]string, 0, len(addrs))
	for _, ip := range addrs {
		addresses = append(addresses, fmt.Sprintf("ws://%s:%d", ip, o.wsPort))
	}

	dev.appChannel.StartStream(addresses, dev.displayName, func(_ json.RawMessage, err error) {
		o.strand.Post(func() { o.handleStreamResult(dev, err) })
	})

	// spec.md §4.G: "send START_STREAM -> streaming" transitions on send,
	// not on the application's eventual OK reply.
	dev.state = stateStreaming
}

func (o *Orchestrator) handleStreamResult(dev *device, err error) {
	if dev.state != stateStreaming {
		return
	}
	if err != nil {
		o.logger.Warn("START_STREAM failed", "device", dev.name, "err", err)
		o.handleChannelFailure(dev, err)
	}
}

// handleChannelFailure is spec.md §4.G's "Channel D emits on_error or
// on_connected(false) → drop D and logical channels → IDLE". Per spec.md
// §7's error taxonomy this is a transient/log-only condition, never routed
// to the top-level error handler. err is nil for a clean on_connected(false).
func (o *Orchestrator) handleChannelFailure(dev *device, err error) {
	if dev.state == stateTornDown {
		return
	}
	if err != nil {
		o.logger.Warn("channel D failed", "device", dev.name, "err", err)
	} else {
		o.logger.Info("channel D disconnected", "device", dev.name)
	}

	o.closeChannel(dev)
	dev.state = stateIdle

	// spec.md §9 open question: no retry policy is specified; we chose a
	// bounded fixed-delay reconnect gated on the sink still being
	// activated, with no retry limit beyond a discovery REMOVE tearing the
	// device down entirely (see internal/config.ReconnectBackoff).
	if dev.activated {
		o.scheduleReconnect(dev)
	}
}

func (o *Orchestrator) closeChannel(dev *device) {
	if dev.mainChannel != nil {
		dev.mainChannel.Stop()
		dev.mainChannel = nil
	}
	dev.appChannel = nil
	dev.channelSet = nil
	if dev.channel != nil {
		dev.channel.Close()
		dev.channel = nil
	}
	dev.transportID = ""
	dev.sessionID = ""
}

func (o *Orchestrator) scheduleReconnect(dev *device) {
	o.cancelReconnect(dev)
	dev.reconnectTimer = time.AfterFunc(o.reconnectBackoff, func() {
		o.strand.Post(func() { o.attemptReconnect(dev) })
	})
}

func (o *Orchestrator) cancelReconnect(dev *device) {
	if dev.reconnectTimer != nil {
		dev.reconnectTimer.Stop()
		dev.reconnectTimer = nil
	}
}

func (o *Orchestrator) attemptReconnect(dev *device) {
	if dev.state != stateIdle || !dev.activated {
		return
	}
	o.beginActive(dev)
}

func (o *Orchestrator) reportFatal(err error) {
	if o.onError != nil {
		o.onError(err)
		return
	}
	panic(err)
}
