package audiosink

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jnorton/castbridge/internal/strand"
)

// Handle references a Sink owned by a Manager. Callbacks and other
// goroutines should hold a Handle, never a *Sink, and Resolve it at the
// top of their own strand before touching sink state.
type Handle = strand.WeakHandle[Sink]

// Manager owns every null-sink this process has created and tracks their
// activation state, spec.md §4.C. All bookkeeping happens on Manager's own
// strand; Start/StopSink/SetHandlers may be called from any goroutine.
type Manager struct {
	logger *slog.Logger
	strand *strand.Strand
	conn   pulseConn

	sinks       *strand.Table[Sink]
	byModule    map[uint32]Handle
	bySinkIndex map[uint32]Handle

	defaultSinkName string

	stopOnce sync.Once
}

// NewWithPulseSocket dials the real PulseAudio server at socketPath ("" for
// the default) and returns a Manager bound to it. This is the constructor
// cmd/castbridge uses; New itself stays unexported-connection-typed so
// tests can substitute a fake pulseConn.
func NewWithPulseSocket(logger *slog.Logger, socketPath string) (*Manager, error) {
	conn, err := newProtoConn(socketPath)
	if err != nil {
		return nil, err
	}
	return New(logger, conn), nil
}

// New constructs a Manager bound to conn. Call Start once before loading
// any sinks so subscription events are flowing.
func New(logger *slog.Logger, conn pulseConn) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		strand:      strand.New(logger),
		conn:        conn,
		sinks:       strand.NewTable[Sink](),
		byModule:    make(map[uint32]Handle),
		bySinkIndex: make(map[uint32]Handle),
	}
}

// Start subscribes to sink/sink-input/server change events and resolves
// the server's current default sink name.
func (m *Manager) Start() error {
	name, err := m.conn.DefaultSinkName()
	if err != nil {
		return fmt.Errorf("resolve default sink: %w", err)
	}
	m.defaultSinkName = name

	return m.conn.Subscribe(func(ev subscriptionEvent) {
		m.strand.Post(func() { m.handleSubscriptionEvent(ev) })
	})
}

// Stop unloads every managed sink and closes the underlying connection.
// Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		done := make(chan struct{})
		m.strand.Post(func() {
			for moduleIndex, h := range m.byModule {
				if sink, ok := h.Resolve(); ok {
					m.teardown(sink, h, moduleIndex)
				}
			}
			close(done)
		})
		<-done
		m.strand.Close()
		m.conn.Close()
	})
}

// StartSink loads a new null-sink named for a fresh id, starts recording
// its monitor, and returns a Handle to the resulting Sink. The sink
// begins in StateRecording: spec.md §4.C treats "loaded" and "recording"
// as a single atomic step once the module load succeeds, since a null
// sink's monitor is capturable the instant the module exists.
func (m *Manager) StartSink(displayName string) (Handle, error) {
	id := "castbridge_" + uuid.NewString()
	args := buildNullSinkArgs(id, displayName)

	moduleIndex, err := m.conn.LoadModule(args)
	if err != nil {
		return Handle{}, fmt.Errorf("start sink %q: %w", displayName, err)
	}

	sink := &Sink{
		Name:        id,
		ID:          id,
		displayName: displayName,
		state:       StateStarted,
		moduleIndex: moduleIndex,
	}

	type result struct {
		h   Handle
		err error
	}
	resultCh := make(chan result, 1)

	m.strand.Post(func() {
		h := m.sinks.Put(sink)
		m.byModule[moduleIndex] = h

		if sinkIndex, volume, muted, err := m.conn.SinkByName(id); err == nil {
			sink.sinkIndex = sinkIndex
			sink.volume = volume
			sink.muted = muted
			sink.isDefault = id == m.defaultSinkName
			m.bySinkIndex[sinkIndex] = h
		} else {
			m.logger.Warn("could not resolve newly loaded sink's index", "sink", id, "err", err)
		}
		sink.setState(StateLoaded)

		stream, err := m.conn.NewMonitorRecordStream(sink.monitorSourceName(), func(pcm []int16) {
			m.deliverSamples(h, pcm)
		})
		if err != nil {
			m.logger.Error("failed to start monitor capture, tearing down sink", "sink", id, "err", err)
			m.teardown(sink, h, moduleIndex)
			resultCh <- result{err: fmt.Errorf("start monitor capture for %q: %w", id, err)}
			return
		}
		sink.stream = stream
		sink.setState(StateRecording)

		resultCh <- result{h: h}
	})

	r := <-resultCh
	return r.h, r.err
}

// StopSink tears down a previously started sink. A Handle that no longer
// resolves (already stopped) is a no-op.
func (m *Manager) StopSink(h Handle) {
	done := make(chan struct{})
	m.strand.Post(func() {
		if sink, ok := h.Resolve(); ok {
			m.teardown(sink, h, sink.moduleIndex)
		}
		close(done)
	})
	<-done
}

// SetHandlers installs the samples/activation/volume callbacks for h's
// sink. Callbacks fire on Manager's strand; they must not block.
func (m *Manager) SetHandlers(h Handle, onSamples SamplesHandler, onActivation ActivationHandler, onVolume VolumeHandler) {
	m.strand.Post(func() {
		sink, ok := h.Resolve()
		if !ok {
			return
		}
		sink.onSamples = onSamples
		sink.onActivation = onActivation
		sink.onVolume = onVolume
	})
}

func (m *Manager) teardown(sink *Sink, h Handle, moduleIndex uint32) {
	if sink.stream != nil {
		if err := sink.stream.Stop(); err != nil {
			m.logger.Warn("error stopping monitor capture", "sink", sink.ID, "err", err)
		}
	}
	if err := m.conn.UnloadModule(moduleIndex); err != nil {
		m.logger.Warn("error unloading sink module", "sink", sink.ID, "err", err)
	}
	sink.setState(StateDead)

	delete(m.byModule, moduleIndex)
	if sink.sinkIndex != 0 {
		delete(m.bySinkIndex, sink.sinkIndex)
	}
	m.sinks.Delete(h)
}

// deliverSamples runs on the record stream's own callback goroutine
// (jfreymuth/pulse's), so it hops onto the strand before touching Sink
// state, rather than posting the samples themselves onto the strand and
// adding capture-queue latency to every frame.
func (m *Manager) deliverSamples(h Handle, pcm []int16) {
	sink, ok := h.Resolve()
	if !ok || sink.state != StateRecording {
		return
	}
	if !sink.Activated() || sink.onSamples == nil {
		return
	}
	sink.onSamples(pcm)
}

// handleSubscriptionEvent applies one PulseAudio change notification,
// spec.md §4.C: SINK/SINK_INPUT/SERVER changes drive the activation and
// volume callbacks. Always runs on Manager's strand.
func (m *Manager) handleSubscriptionEvent(ev subscriptionEvent) {
	switch ev.Facility {
	case facilityServer:
		m.refreshDefaultSink()
	case facilitySinkInput:
		m.refreshSinkInputCounts()
	case facilitySink:
		if h, ok := m.bySinkIndex[ev.Index]; ok {
			if ev.Type == eventRemove {
				return
			}
			m.refreshVolume(h)
		}
	}
}

func (m *Manager) refreshDefaultSink() {
	name, err := m.conn.DefaultSinkName()
	if err != nil {
		m.logger.Warn("could not refresh default sink", "err", err)
		return
	}
	if name == m.defaultSinkName {
		return
	}
	m.defaultSinkName = name

	for _, h := range m.byModule {
		sink, ok := h.Resolve()
		if !ok {
			continue
		}
		wasActivated := sink.Activated()
		sink.isDefault = sink.ID == name
		m.fireActivationIfChanged(sink, wasActivated)
	}
}

func (m *Manager) refreshSinkInputCounts() {
	counts, err := m.conn.SinkInputCounts()
	if err != nil {
		m.logger.Warn("could not refresh sink-input counts", "err", err)
		return
	}
	for sinkIndex, h := range m.bySinkIndex {
		sink, ok := h.Resolve()
		if !ok {
			continue
		}
		wasActivated := sink.Activated()
		sink.sinkInputCount = counts[sinkIndex]
		m.fireActivationIfChanged(sink, wasActivated)
	}
}

func (m *Manager) fireActivationIfChanged(sink *Sink, wasActivated bool) {
	nowActivated := sink.Activated()
	if nowActivated == wasActivated {
		return
	}
	if sink.onActivation != nil {
		sink.onActivation(nowActivated)
	}
}

func (m *Manager) refreshVolume(h Handle) {
	sink, ok := h.Resolve()
	if !ok {
		return
	}
	_, volume, muted, err := m.conn.SinkByName(sink.ID)
	if err != nil {
		m.logger.Warn("could not refresh sink volume", "sink", sink.ID, "err", err)
		return
	}
	if volumeEqual(sink.volume, volume) && sink.muted == muted {
		return
	}
	sink.volume = volume
	sink.muted = muted
	if sink.onVolume != nil {
		sink.onVolume(volume, muted)
	}
}

func volumeEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
