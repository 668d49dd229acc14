package audiosink

import "strings"

// escapeForPulse escapes a display name for inclusion in a PulseAudio
// sink_properties string, where values are double-quoted and both the
// quote and backslash characters must themselves be escaped. This follows
// spec.md §8's test vector literally (`a "b" \ c` -> `a \"b\" \\ c`) and
// deliberately diverges from audio_sinks_manager.cpp's inline escaping
// (~line 264-266), which also backslash-escapes spaces; spec.md's vector
// does not, so spaces are left alone here.
func escapeForPulse(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
