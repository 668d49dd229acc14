package audiosink

import (
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// protoConn is the real pulseConn, built directly against
// github.com/jfreymuth/pulse for stream handling and its proto
// subpackage's request/reply structs for module and subscription
// control, which the high-level client does not expose.
type protoConn struct {
	client *pulse.Client
	raw    *proto.Client
}

// newProtoConn dials socketPath ("" for the default PulseAudio socket,
// honouring PULSE_SERVER/XDG runtime conventions) and returns a
// pulseConn backed by the real server.
func newProtoConn(socketPath string) (*protoConn, error) {
	opts := []pulse.ClientOption{pulse.ClientApplicationName("castbridge")}
	if socketPath != "" {
		opts = append(opts, pulse.ClientServerString(socketPath))
	}

	client, err := pulse.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to pulseaudio: %w", err)
	}

	raw, err := proto.Connect(socketPath)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect raw protocol client: %w", err)
	}

	return &protoConn{client: client, raw: raw}, nil
}

func (c *protoConn) LoadModule(args string) (uint32, error) {
	req := &proto.LoadModule{Name: "module-null-sink", Args: args}
	reply := &proto.LoadModuleReply{}
	if err := c.raw.Request(req, reply); err != nil {
		return 0, fmt.Errorf("load module-null-sink: %w", err)
	}
	return reply.ModuleIndex, nil
}

func (c *protoConn) UnloadModule(moduleIndex uint32) error {
	req := &proto.UnloadModule{ModuleIndex: moduleIndex}
	if err := c.raw.Request(req, nil); err != nil {
		return fmt.Errorf("unload module %d: %w", moduleIndex, err)
	}
	return nil
}

func (c *protoConn) SinkByName(name string) (uint32, []uint32, bool, error) {
	req := &proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: name}
	reply := &proto.GetSinkInfoReply{}
	if err := c.raw.Request(req, reply); err != nil {
		return 0, nil, false, fmt.Errorf("get sink info %q: %w", name, err)
	}
	volume := make([]uint32, len(reply.ChannelVolumes))
	copy(volume, reply.ChannelVolumes)
	return reply.SinkIndex, volume, reply.Mute, nil
}

func (c *protoConn) DefaultSinkName() (string, error) {
	reply := &proto.GetServerInfoReply{}
	if err := c.raw.Request(&proto.GetServerInfo{}, reply); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}
	return reply.DefaultSink, nil
}

func (c *protoConn) Subscribe(onEvent func(subscriptionEvent)) error {
	mask := proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskServer
	if err := c.raw.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.raw.Callback = func(msg any) {
		ev, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}
		facility, typ, ok := decodeSubscribeEvent(ev.Event)
		if !ok {
			return
		}
		onEvent(subscriptionEvent{Facility: facility, Type: typ, Index: ev.Index})
	}
	return nil
}

// decodeSubscribeEvent splits PulseAudio's packed event-type byte into
// the (facility, type) pair our own subscriptionEvent carries, ignoring
// facilities this package doesn't track.
func decodeSubscribeEvent(raw proto.SubscriptionEventType) (subscriptionFacility, subscriptionEventType, bool) {
	var facility subscriptionFacility
	switch raw & proto.SubscriptionEventFacilityMask {
	case proto.SubscriptionEventSink:
		facility = facilitySink
	case proto.SubscriptionEventSinkInput:
		facility = facilitySinkInput
	case proto.SubscriptionEventServer:
		facility = facilityServer
	default:
		return 0, 0, false
	}

	var typ subscriptionEventType
	switch raw & proto.SubscriptionEventTypeMask {
	case proto.SubscriptionEventNew:
		typ = eventNew
	case proto.SubscriptionEventChange:
		typ = eventChange
	case proto.SubscriptionEventRemove:
		typ = eventRemove
	default:
		return 0, 0, false
	}

	return facility, typ, true
}

type protoRecordStream struct {
	stream *pulse.RecordStream
}

func (s *protoRecordStream) Stop() error {
	return s.stream.Close()
}

// recordStreamFlags sets the PA_STREAM_DONT_MOVE | PA_STREAM_ADJUST_LATENCY
// | PA_STREAM_AUTO_TIMING_UPDATE | PA_STREAM_INTERPOLATE_TIMING |
// PA_STREAM_START_UNMUTED flags spec.md line 81 (§4.C's LOADED→RECORDING
// transition) requires, matching
// _examples/original_source/src/audio_sinks_manager.cpp:348-349. It is a
// pulse.RecordOption (func(*proto.CreateRecordStream)) rather than one of
// the named RecordOption constructors because none of those can express
// raw stream flags — the same "drop to the field the high-level option
// set doesn't cover" move this file already makes for LoadModule,
// Subscribe, and SinkInputCounts. DONT_MOVE and ADJUST_LATENCY are the
// only two of the five with a wire-protocol field
// (NoMoveStream/AdjustLatency); AUTO_TIMING_UPDATE and INTERPOLATE_TIMING
// govern libpulse's client-side periodic timing-info polling and
// smoother, which this package's pull-based Int16Writer capture path has
// no equivalent of and never calls, so there is nothing to set for them.
// START_UNMUTED needs no assignment: Muted is already false by default.
func recordStreamFlags(req *proto.CreateRecordStream) {
	req.NoMoveStream = true
	req.AdjustLatency = true
	req.Muted = false
}

func (c *protoConn) NewMonitorRecordStream(sourceName string, onSamples func([]int16)) (recordStream, error) {
	writer := pulse.Int16Writer(func(in []int16) (int, error) {
		onSamples(in)
		return len(in), nil
	})

	stream, err := c.client.NewRecord(
		writer,
		pulse.RecordStereoSource(sourceName),
		pulse.RecordSampleRate(recordSampleRate),
		pulse.RecordBufferFragmentSize(recordFragmentBytes),
		recordStreamFlags,
	)
	if err != nil {
		return nil, fmt.Errorf("open record stream on %q: %w", sourceName, err)
	}
	stream.Start()
	return &protoRecordStream{stream: stream}, nil
}

func (c *protoConn) SinkInputCounts() (map[uint32]int, error) {
	reply := &proto.GetSinkInputInfoListReply{}
	if err := c.raw.Request(&proto.GetSinkInputInfoList{}, reply); err != nil {
		return nil, fmt.Errorf("list sink inputs: %w", err)
	}
	counts := make(map[uint32]int)
	for _, input := range reply.SinkInputs {
		counts[input.Sink]++
	}
	return counts, nil
}

func (c *protoConn) Close() error {
	c.client.Close()
	return c.raw.Close()
}
