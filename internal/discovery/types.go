package discovery

import (
	"fmt"
	"net"
)

// AddrFamily distinguishes the two resolver families spec.md's ResolverKey
// tracks separately (spec.md §3: "ResolverKey = (interfaceIndex,
// protocolFamily, name)"). grandcat/zeroconf resolves both address families
// for one browse subscription, so interfaceIndex collapses to the single
// browse session and family becomes the axis that actually varies per
// ServiceEntry.
type AddrFamily int

const (
	FamilyIPv4 AddrFamily = iota
	FamilyIPv6
)

func (f AddrFamily) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Endpoint is a resolved (IP, port) tuple, spec.md §3's endpoint shape.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// key is the comparable form of Endpoint used as a map key (net.IP is a
// []byte and not itself comparable).
func (e Endpoint) key() string {
	return fmt.Sprintf("%s|%d", e.IP.String(), e.Port)
}

// ResolverKey uniquely identifies one Resolve subscription, per spec.md §3.
type ResolverKey struct {
	Name   string
	Family AddrFamily
}

// ServiceInstance is one discovered Chromecast, keyed by its service name
// (spec.md §3). Endpoints is non-empty for as long as at least one resolver
// reports it; TXT is replaced atomically on change.
type ServiceInstance struct {
	Name      string
	Endpoints map[string]Endpoint // keyed by Endpoint.key()
	TXT       map[string]string
}

// DisplayName returns the "fn" TXT attribute if present, else the raw
// service Name (spec.md §6: "fn (friendly name) used as the audio-sink
// display name when present").
func (s *ServiceInstance) DisplayName() string {
	if fn, ok := s.TXT["fn"]; ok && fn != "" {
		return fn
	}
	return s.Name
}

// EndpointList returns the current endpoint set as a slice. spec.md §9
// leaves endpoint ordering unspecified when a caller needs "the first";
// callers needing a single endpoint should take EndpointList()[0] and treat
// the order as implementation-defined, never relied upon for stability.
func (s *ServiceInstance) EndpointList() []Endpoint {
	out := make([]Endpoint, 0, len(s.Endpoints))
	for _, e := range s.Endpoints {
		out = append(out, e)
	}
	return out
}

func cloneTXT(txt map[string]string) map[string]string {
	out := make(map[string]string, len(txt))
	for k, v := range txt {
		out[k] = v
	}
	return out
}

func txtEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// EventKind classifies an update delivered to the adapter's update handler.
type EventKind int

const (
	EventNew EventKind = iota
	EventUpdate
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "NEW"
	case EventUpdate:
		return "UPDATE"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}
