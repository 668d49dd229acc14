// Package audiosink manages the lifecycle of per-Chromecast null-sinks on
// the local PulseAudio server, per spec.md §4.C: load a module, record its
// monitor, and track activation (default-sink or nonzero sink-input count).
package audiosink

import "fmt"

// State is a Sink's lifecycle stage. Transitions are strictly forward,
// spec.md §3.
type State int

const (
	StateNone State = iota
	StateStarted
	StateLoaded
	StateRecording
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateStarted:
		return "STARTED"
	case StateLoaded:
		return "LOADED"
	case StateRecording:
		return "RECORDING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// SamplesHandler receives interleaved S16LE stereo PCM captured from a
// sink's monitor. Only called while the sink is RECORDING and Activated().
type SamplesHandler func(pcm []int16)

// ActivationHandler fires on every activated-edge change.
type ActivationHandler func(activated bool)

// VolumeHandler fires when a sink's (volume, muted) pair changes.
type VolumeHandler func(volume []uint32, muted bool)

// Sink is one logical per-Chromecast audio sink, spec.md §3's Sink record.
type Sink struct {
	Name        string
	ID          string
	displayName string

	state State

	moduleIndex uint32
	sinkIndex   uint32

	volume         []uint32
	muted          bool
	isDefault      bool
	sinkInputCount int

	onSamples    SamplesHandler
	onActivation ActivationHandler
	onVolume     VolumeHandler

	stream recordStream
}

// Activated is the derived flag of spec.md §3:
// activated = isDefault OR sinkInputCount > 0.
func (s *Sink) Activated() bool {
	return s.isDefault || s.sinkInputCount > 0
}

// monitorSourceName is the PulseAudio source this sink's audio is captured
// from, spec.md §4.C: record from source "<id>.monitor".
func (s *Sink) monitorSourceName() string {
	return fmt.Sprintf("%s.monitor", s.ID)
}

func (s *Sink) setState(next State) {
	s.state = next
}
