package audiosink

// pulseConn is the narrow surface this package needs from a PulseAudio
// server connection. Isolating it behind an interface keeps the rest of
// the package, and its tests, independent of github.com/jfreymuth/pulse's
// exact calling convention; only protoConn (pulseconn_proto.go) touches
// that package directly.
type pulseConn interface {
	// LoadModule loads module-null-sink with the given argument string
	// (already built by buildNullSinkArgs) and returns the new module's
	// index.
	LoadModule(args string) (moduleIndex uint32, err error)

	// UnloadModule unloads a previously loaded null-sink module. Safe to
	// call on an already-gone module; the server answers with an error
	// which the caller logs and otherwise ignores.
	UnloadModule(moduleIndex uint32) error

	// SinkByName resolves a sink's server-assigned index and current
	// (volume, muted) state from its PulseAudio object name.
	SinkByName(name string) (sinkIndex uint32, volume []uint32, muted bool, err error)

	// DefaultSinkName returns the name of the server's current default
	// sink, used to derive Sink.isDefault.
	DefaultSinkName() (string, error)

	// Subscribe registers for SINK, SINK_INPUT and SERVER change
	// notifications. onEvent is called from a dedicated goroutine owned
	// by the connection; callers must hand off to their own strand.
	Subscribe(onEvent func(subscriptionEvent)) error

	// NewMonitorRecordStream opens a capture stream against a sink's
	// monitor source, delivering interleaved S16LE stereo frames to
	// onSamples until the stream is closed.
	NewMonitorRecordStream(sourceName string, onSamples func([]int16)) (recordStream, error)

	// SinkInputCounts reports, per sink index, how many sink-inputs are
	// currently attached to it, used to derive Sink.sinkInputCount.
	SinkInputCounts() (map[uint32]int, error)

	Close() error
}

// recordStream is a started capture stream.
type recordStream interface {
	Stop() error
}

// subscriptionFacility identifies which kind of PulseAudio object a
// subscriptionEvent concerns.
type subscriptionFacility int

const (
	facilitySink subscriptionFacility = iota
	facilitySinkInput
	facilityServer
)

// subscriptionEventType mirrors the PulseAudio subscription event type
// (new/change/remove), spec.md §4.C's activation-bookkeeping trigger.
type subscriptionEventType int

const (
	eventNew subscriptionEventType = iota
	eventChange
	eventRemove
)

type subscriptionEvent struct {
	Facility subscriptionFacility
	Type     subscriptionEventType
	Index    uint32
}

// recordSampleRate and recordChannels fix the capture format spec.md §4.C
// requires: S16LE, 48kHz, stereo.
const (
	recordSampleRate = 48000
	recordChannels   = 2
	// recordFragmentBytes targets ~20ms of stereo S16LE audio per
	// fragment: 48000 * 2ch * 2bytes * 0.02s = 3840.
	recordFragmentBytes = 3840
)
