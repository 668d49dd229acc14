package discovery

import (
	"net"
	"testing"
	"time"
)

// newTestAdapter builds an Adapter without starting mDNS, so its resolver
// tables can be driven directly the way handleEntry would.
func newTestAdapter(t *testing.T) (*Adapter, chan struct {
	kind     EventKind
	instance *ServiceInstance
}) {
	t.Helper()
	a := New(nil)
	events := make(chan struct {
		kind     EventKind
		instance *ServiceInstance
	}, 10)
	a.SetUpdateHandler(func(kind EventKind, instance *ServiceInstance) {
		events <- struct {
			kind     EventKind
			instance *ServiceInstance
		}{kind, instance}
	})
	return a, events
}

func drain(t *testing.T, a *Adapter, fn func()) {
	t.Helper()
	done := make(chan struct{})
	a.strand.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("strand did not process posted work in time")
	}
}

// TestDiscoveryLifecycle is spec.md §8 scenario S1.
func TestDiscoveryLifecycle(t *testing.T) {
	a, events := newTestAdapter(t)
	defer a.strand.Close()

	entry1 := &testEntry{
		instance: "CC-Kitchen",
		port:     8009,
		addrIPv4: []net.IP{net.ParseIP("192.0.2.10")},
		txt:      []string{"fn=Kitchen", "id=abc123"},
		ttl:      120,
	}

	drain(t, a, func() { a.handleEntry(entry1.toZeroconfEntry()) })

	select {
	case ev := <-events:
		if ev.kind != EventNew {
			t.Fatalf("expected NEW, got %v", ev.kind)
		}
		if len(ev.instance.Endpoints) != 1 {
			t.Fatalf("expected 1 endpoint, got %d", len(ev.instance.Endpoints))
		}
	default:
		t.Fatal("expected a NEW event")
	}

	// A second resolver (different family key, same endpoint) resolving the
	// same name+endpoint should not change the endpoint set: no UPDATE.
	drain(t, a, func() {
		key2 := ResolverKey{Name: "CC-Kitchen", Family: FamilyIPv6}
		inst := a.instances["CC-Kitchen"]
		changed := a.updateResolverEndpoint(key2, Endpoint{IP: net.ParseIP("192.0.2.10"), Port: 8009}, inst)
		a.resolvers[key2] = &resolverState{endpointKey: Endpoint{IP: net.ParseIP("192.0.2.10"), Port: 8009}.key(), expiresAt: time.Now().Add(time.Minute)}
		if changed {
			t.Fatal("endpoint set should be unchanged by a second resolver reporting the same endpoint")
		}
	})

	var inst *ServiceInstance
	drain(t, a, func() { inst = a.instances["CC-Kitchen"] })
	if got := a.endpointCount[Endpoint{IP: net.ParseIP("192.0.2.10"), Port: 8009}.key()]; got != 2 {
		t.Fatalf("expected endpoint refcount 2, got %d", got)
	}

	// Removing the first resolver (IPv4 key) should leave the instance live
	// because the IPv6 key still reports the same endpoint.
	drain(t, a, func() {
		a.removeResolver(ResolverKey{Name: "CC-Kitchen", Family: FamilyIPv4})
	})
	if _, ok := a.instances["CC-Kitchen"]; !ok {
		t.Fatal("instance should still be live after removing one of two resolvers")
	}

	// Removing the last resolver emits REMOVE.
	drain(t, a, func() {
		a.removeResolver(ResolverKey{Name: "CC-Kitchen", Family: FamilyIPv6})
	})

	select {
	case ev := <-events:
		if ev.kind != EventRemove {
			t.Fatalf("expected REMOVE, got %v", ev.kind)
		}
	default:
		t.Fatal("expected a REMOVE event")
	}

	if _, ok := a.instances["CC-Kitchen"]; ok {
		t.Fatal("instance should be gone after its last resolver is removed")
	}
	_ = inst
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"fn=Kitchen", "id=abc123", "malformed"})
	if got["fn"] != "Kitchen" || got["id"] != "abc123" {
		t.Fatalf("unexpected TXT parse: %#v", got)
	}
	if _, ok := got["malformed"]; ok {
		t.Fatal("a record with no '=' should be dropped, not half-parsed")
	}
}

func TestServiceInstanceDisplayName(t *testing.T) {
	s := &ServiceInstance{Name: "CC-Kitchen", TXT: map[string]string{"fn": "Kitchen"}}
	if s.DisplayName() != "Kitchen" {
		t.Fatalf("expected 'Kitchen', got %q", s.DisplayName())
	}

	noFN := &ServiceInstance{Name: "CC-Kitchen", TXT: map[string]string{}}
	if noFN.DisplayName() != "CC-Kitchen" {
		t.Fatalf("expected fallback to service name, got %q", noFN.DisplayName())
	}
}
