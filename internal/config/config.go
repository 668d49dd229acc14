// Package config loads castbridge's configuration with viper, following the
// same defaults-then-optional-file pattern as cmd/config in the Roundtable
// client this codebase grew out of.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// DefaultChromecastAppID is the app id of the receiver built for this
// project (spec.md §6: "default is the receiver built for this project").
const DefaultChromecastAppID = "B3419EF5"

func setDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("color", "auto")
	viper.SetDefault("chromecast_app_id", DefaultChromecastAppID)
	viper.SetDefault("broadcaster_bind_address", "0.0.0.0:0")
	viper.SetDefault("heartbeat_period_seconds", 20)
	viper.SetDefault("connect_timeout_seconds", 10)
	viper.SetDefault("reconnect_backoff_seconds", 5)
	viper.SetDefault("pulse_socket", "")
}

// Load reads configFilePath (if it exists) over the defaults above. A
// missing file is not an error — the same tolerance cmd/config.LoadConfig
// shows for a missing config.yaml.
func Load(configFilePath string) {
	setDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		// With an explicit SetConfigFile path, viper reports a missing file
		// as a plain not-exist error rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found, using defaults", "configFilePath", configFilePath)
		} else {
			slog.Error("error reading config file", "err", err, "configFilePath", configFilePath)
			panic(err)
		}
	}
}

// HeartbeatPeriod is the PING interval for the virtual connection (spec.md
// §4.E), overridable via the "heartbeat_period_seconds" key.
func HeartbeatPeriod() time.Duration {
	return time.Duration(viper.GetInt("heartbeat_period_seconds")) * time.Second
}

// ConnectTimeout bounds the TCP+TLS connect step (spec.md §9 open question:
// "A bounded timeout should be specified").
func ConnectTimeout() time.Duration {
	return time.Duration(viper.GetInt("connect_timeout_seconds")) * time.Second
}

// ReconnectBackoff is the fixed delay before the orchestrator permits a new
// channel D attempt after an error (spec.md §9 open question: "Implementers
// should pick a bounded backoff and document it" — we picked fixed delay,
// no jitter, no retry limit beyond discovery REMOVE tearing the device down).
func ReconnectBackoff() time.Duration {
	return time.Duration(viper.GetInt("reconnect_backoff_seconds")) * time.Second
}

// ChromecastAppID is the receiver app id to LAUNCH.
func ChromecastAppID() string {
	return viper.GetString("chromecast_app_id")
}

// BroadcasterBindAddress is the address the websocket server binds; spec.md
// §6 requires binding 0.0.0.0 on an ephemeral port by default.
func BroadcasterBindAddress() string {
	return viper.GetString("broadcaster_bind_address")
}

// PulseSocket is an explicit PulseAudio native-protocol socket path, empty
// meaning "use the default client discovery" (environment / well-known
// paths), matching jfreymuth/pulse's own default-client behaviour.
func PulseSocket() string {
	return viper.GetString("pulse_socket")
}

// ColorMode is one of "auto", "always", "never" (spec.md §6).
func ColorMode() string {
	return viper.GetString("color")
}
