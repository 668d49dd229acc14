package audiosink

import (
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAVFixture encodes samples as a 16-bit mono WAV file at sampleRate,
// the same github.com/go-audio/wav encoder call the teacher's
// FileAudioOutputDevice uses to persist captured PCM to disk.
func writeWAVFixture(t *testing.T, samples []int, sampleRate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   samples,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

// readWAVFixtureAsInt16 decodes path back with github.com/go-audio/wav, the
// same decode path the teacher's FileAudioInputDevice uses, and narrows the
// result to []int16 for feeding into a recordStream fake.
func readWAVFixtureAsInt16(t *testing.T, path string) []int16 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatalf("fixture is not a valid wav file: %v", dec.Err())
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return out
}

// TestRecordStreamDeliversWAVFixturePCM covers the monitor-record path end
// to end with a real-format PCM fixture (as opposed to the zeroed filler
// slices TestActivationGating uses): a WAV file is synthesized, decoded
// back into int16 PCM, and pushed through deliverSamples exactly as
// jfreymuth/pulse's Int16Writer would deliver a capture buffer.
func TestRecordStreamDeliversWAVFixturePCM(t *testing.T) {
	original := []int{100, -200, 300, -400, 32767, -32768}
	path := writeWAVFixture(t, original, 44100)
	pcm := readWAVFixtureAsInt16(t, path)

	if len(pcm) != len(original) {
		t.Fatalf("expected %d samples, got %d", len(original), len(pcm))
	}

	m, _ := newTestManager(t)
	h, err := m.StartSink("Fixture")
	if err != nil {
		t.Fatalf("StartSink: %v", err)
	}

	var delivered []int16
	m.SetHandlers(h, func(got []int16) { delivered = got }, nil, nil)
	drainManager(m)

	sink, ok := h.Resolve()
	if !ok {
		t.Fatal("expected sink to resolve")
	}

	// Force the activated edge directly (white-box: this is an in-package
	// test) rather than routing a SINK_INPUT event through the strand —
	// activation gating itself is TestActivationGating's concern.
	done := make(chan struct{})
	m.strand.Post(func() {
		sink.isDefault = true
		close(done)
	})
	<-done

	m.deliverSamples(h, pcm)

	if len(delivered) != len(pcm) {
		t.Fatalf("expected %d delivered samples, got %d", len(pcm), len(delivered))
	}
	for i := range pcm {
		if delivered[i] != pcm[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, pcm[i], delivered[i])
		}
	}
}
