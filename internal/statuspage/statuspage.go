// Package statuspage serves a read-only JSON snapshot of the bridge's
// known Chromecasts on the broadcaster's existing HTTP listener. It is a
// supplement to the bridge's core process surface, built on stdlib
// net/http only, since no third-party web framework appears anywhere in
// the pack for a single read-only endpoint like this one.
package statuspage

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jnorton/castbridge/internal/orchestrator"
)

// Source supplies the current device table. *orchestrator.Orchestrator
// satisfies this directly.
type Source interface {
	Snapshot() []orchestrator.DeviceSnapshot
}

type response struct {
	Devices []orchestrator.DeviceSnapshot `json:"devices"`
}

// Mount registers the /status route on mux. Call before the owning
// server's listener starts serving.
func Mount(mux *http.ServeMux, logger *slog.Logger, source Source) {
	if logger == nil {
		logger = slog.Default()
	}
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response{Devices: source.Snapshot()}); err != nil {
			logger.Error("error while encoding status response", "err", err)
		}
	})
}
