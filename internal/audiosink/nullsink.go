package audiosink

import "fmt"

// buildNullSinkArgs constructs the module-null-sink argument string for a
// sink named id, labelled with displayName in clients that show
// device.description (e.g. pavucontrol). Matches the quoting rule
// original_source/src/util.cpp applies before embedding the name in
// sink_properties.
func buildNullSinkArgs(id, displayName string) string {
	return fmt.Sprintf(
		`sink_name=%s sink_properties=device.description="%s"`,
		id, escapeForPulse(displayName),
	)
}
