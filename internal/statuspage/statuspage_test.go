package statuspage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jnorton/castbridge/internal/orchestrator"
)

type fakeSource struct {
	snapshot []orchestrator.DeviceSnapshot
}

func (f fakeSource) Snapshot() []orchestrator.DeviceSnapshot { return f.snapshot }

func TestMountServesDeviceSnapshot(t *testing.T) {
	src := fakeSource{snapshot: []orchestrator.DeviceSnapshot{
		{Name: "CC-Kitchen", DisplayName: "Kitchen", State: "STREAMING", Activated: true, TransportID: "T", SessionID: "S"},
		{Name: "CC-Lounge", DisplayName: "Lounge", State: "IDLE"},
	}}

	mux := http.NewServeMux()
	Mount(mux, nil, src)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}

	var got response
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(got.Devices))
	}
	if got.Devices[0].Name != "CC-Kitchen" || got.Devices[0].State != "STREAMING" {
		t.Fatalf("unexpected first device: %+v", got.Devices[0])
	}
}

func TestMountOnUnknownPathIs404(t *testing.T) {
	mux := http.NewServeMux()
	Mount(mux, nil, fakeSource{})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
